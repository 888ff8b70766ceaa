//go:build linux

package runner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"boundary/internal/governor"
	"boundary/internal/result"

	"github.com/shirou/gopsutil/v3/process"
)

type samplerPeaks struct {
	memoryKB int64
	openFDs  int64
	threads  int64
	pids     int64
}

// sampler polls /proc for the child tree's consumption while it runs.
// Cgroup accounting supersedes these peaks when available; sampling
// covers the dimensions cgroups do not expose (open fds, threads).
type sampler struct {
	stopCh chan struct{}
	doneCh chan struct{}

	mu   sync.Mutex
	peak samplerPeaks
}

func startSampler(pid int, interval time.Duration) *sampler {
	s := &sampler{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		close(s.doneCh)
		return s
	}
	go s.loop(proc, interval)
	return s
}

func (s *sampler) loop(proc *process.Process, interval time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sample(proc)
		}
	}
}

func (s *sampler) sample(proc *process.Process) {
	snap := samplerPeaks{pids: 1}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.memoryKB = int64(mem.RSS / 1024)
	}
	if fds, err := proc.NumFDs(); err == nil {
		snap.openFDs = int64(fds)
	}
	if threads, err := proc.NumThreads(); err == nil {
		snap.threads = int64(threads)
	}
	if children, err := proc.Children(); err == nil {
		snap.pids += int64(len(children))
		for _, child := range children {
			if mem, err := child.MemoryInfo(); err == nil && mem != nil {
				snap.memoryKB += int64(mem.RSS / 1024)
			}
			if threads, err := child.NumThreads(); err == nil {
				snap.threads += int64(threads)
			}
		}
	}

	s.mu.Lock()
	if snap.memoryKB > s.peak.memoryKB {
		s.peak.memoryKB = snap.memoryKB
	}
	if snap.openFDs > s.peak.openFDs {
		s.peak.openFDs = snap.openFDs
	}
	if snap.threads > s.peak.threads {
		s.peak.threads = snap.threads
	}
	if snap.pids > s.peak.pids {
		s.peak.pids = snap.pids
	}
	s.mu.Unlock()
}

func (s *sampler) stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *sampler) peaks() samplerPeaks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func collectUsage(state *os.ProcessState, scope *governor.Scope, s *sampler, scratch string, wallMs int64) result.Usage {
	u := result.Usage{WallTimeMs: wallMs}
	if state != nil {
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
			u.CPUTimeMs = timevalMs(ru.Utime) + timevalMs(ru.Stime)
			if ru.Maxrss > u.PeakMemoryKB {
				u.PeakMemoryKB = ru.Maxrss
			}
		}
	}
	if s != nil {
		peak := s.peaks()
		if peak.memoryKB > u.PeakMemoryKB {
			u.PeakMemoryKB = peak.memoryKB
		}
		u.PeakOpenFDs = peak.openFDs
		u.PeakThreads = peak.threads
		u.PeakPIDs = peak.pids
	}
	if v := scope.PeakMemoryKB(); v > u.PeakMemoryKB {
		u.PeakMemoryKB = v
	}
	if v := scope.PeakPIDs(); v > u.PeakPIDs {
		u.PeakPIDs = v
	}
	u.OomKilled = scope.OomKilled()
	u.ScratchBytes = dirBytes(scratch)
	return u
}

func timevalMs(tv syscall.Timeval) int64 {
	return tv.Sec*1000 + tv.Usec/1000
}

// dirBytes sums file sizes under dir, the disk consumption a probe
// left in its scratch directory.
func dirBytes(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
