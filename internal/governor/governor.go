// Package governor translates probe ceilings into enforceable limits
// scoped to the child process tree, never the harness itself.
package governor

import (
	"boundary/internal/probe"
	"boundary/pkg/errors"
)

// Headroom scales harness backstops above the descriptor ceiling so a
// runaway probe is stopped without masking sandbox enforcement: the
// classifier can still observe consumption past ceiling times tolerance.
const defaultHeadroom = 4.0

// Capabilities reports which limiting primitives the environment offers.
// A missing primitive degrades its ceiling to unenforced; it is surfaced
// as a capability gap in the report, never as a crash.
type Capabilities struct {
	Rlimit       bool
	CgroupV2     bool
	CgroupMemory bool
	CgroupPids   bool
	CgroupKill   bool
}

// Gaps lists the human-readable names of missing primitives.
func (c Capabilities) Gaps() []string {
	var gaps []string
	if !c.Rlimit {
		gaps = append(gaps, "rlimit")
	}
	if !c.CgroupV2 {
		gaps = append(gaps, "cgroup_v2")
		return gaps
	}
	if !c.CgroupMemory {
		gaps = append(gaps, "cgroup_memory")
	}
	if !c.CgroupPids {
		gaps = append(gaps, "cgroup_pids")
	}
	if !c.CgroupKill {
		gaps = append(gaps, "cgroup_kill")
	}
	return gaps
}

// Config controls governor behavior.
type Config struct {
	// CgroupRoot is the writable cgroup v2 directory runs are created
	// under, e.g. /sys/fs/cgroup/boundary.
	CgroupRoot   string
	EnableCgroup bool
	// Headroom scales backstops above descriptor ceilings. Zero means
	// the default factor.
	Headroom float64
}

// Governor applies per-run resource scopes.
type Governor struct {
	cfg  Config
	caps Capabilities
}

// New creates a governor and probes the environment's capabilities once.
func New(cfg Config) *Governor {
	if cfg.Headroom <= 1 {
		cfg.Headroom = defaultHeadroom
	}
	caps := detect(cfg)
	return &Governor{cfg: cfg, caps: caps}
}

// Capabilities returns the detected limiting primitives.
func (g *Governor) Capabilities() Capabilities {
	return g.caps
}

// Backstop scales enforceable ceilings by the headroom factor. Wall
// time and capture caps are excluded: the watchdog fires at the wall
// ceiling and the capture cap protects harness memory directly.
func (g *Governor) Backstop(cl probe.Ceilings) probe.Ceilings {
	scale := func(v int64) int64 {
		if v <= 0 {
			return 0
		}
		return int64(float64(v) * g.cfg.Headroom)
	}
	cl.CPUTimeMs = scale(cl.CPUTimeMs)
	cl.MemoryMB = scale(cl.MemoryMB)
	cl.StackMB = scale(cl.StackMB)
	cl.FileSizeMB = scale(cl.FileSizeMB)
	cl.OpenFiles = scale(cl.OpenFiles)
	cl.PIDs = scale(cl.PIDs)
	return cl
}

// Apply materializes the ceilings for one probe run. The returned scope
// must be released on every exit path. A missing primitive is skipped;
// a present primitive that fails to apply is an error, because an
// unenforced ceiling the caller believes enforced invalidates the run.
func (g *Governor) Apply(runID, probeName string, cl probe.Ceilings) (*Scope, error) {
	scope := &Scope{probe: probeName}
	if !g.cfg.EnableCgroup || !g.caps.CgroupV2 {
		return scope, nil
	}

	backstop := g.Backstop(cl)
	path, cleanup, err := createRunCgroup(g.cfg.CgroupRoot, runID, probeName)
	if err != nil {
		return nil, errors.SetupError("cgroup_create", err)
	}
	if err := applyCgroupCeilings(path, backstop, g.caps); err != nil {
		cleanup()
		return nil, errors.SetupError("cgroup_limits", err)
	}
	scope.cgroupPath = path
	scope.cleanup = cleanup
	return scope, nil
}

// Scope is the live limit handle for one probe run.
type Scope struct {
	probe      string
	cgroupPath string
	cleanup    func()
	released   bool
}

// CgroupPath returns the run's cgroup directory, empty when cgroups are
// not in use.
func (s *Scope) CgroupPath() string {
	return s.cgroupPath
}

// AddProcess places a started process into the scope's cgroup.
func (s *Scope) AddProcess(pid int) error {
	if s.cgroupPath == "" {
		return nil
	}
	return addProcessToCgroup(s.cgroupPath, pid)
}

// Kill terminates every process remaining in the scope.
func (s *Scope) Kill() error {
	if s.cgroupPath == "" {
		return nil
	}
	return killCgroup(s.cgroupPath)
}

// OomKilled reports whether the kernel oom-killed a process in scope.
func (s *Scope) OomKilled() bool {
	if s.cgroupPath == "" {
		return false
	}
	return wasOomKilled(s.cgroupPath)
}

// PeakMemoryKB returns the scope's peak memory, zero when unobserved.
func (s *Scope) PeakMemoryKB() int64 {
	if s.cgroupPath == "" {
		return 0
	}
	return cgroupPeakMemoryKB(s.cgroupPath)
}

// PeakPIDs returns the scope's peak process count, zero when unobserved.
func (s *Scope) PeakPIDs() int64 {
	if s.cgroupPath == "" {
		return 0
	}
	return cgroupPeakPIDs(s.cgroupPath)
}

// Release tears the scope down. Safe to call more than once.
func (s *Scope) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.cleanup != nil {
		s.cleanup()
	}
}
