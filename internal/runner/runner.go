// Package runner executes one probe at a time as an isolated child
// process and captures its outcome as a value record.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"boundary/internal/governor"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/pkg/utils/contextkey"
)

const (
	defaultGraceMs  = 500
	defaultSampleMs = 50

	// The init helper reports its own failures with this exit code and
	// stderr prefix so they are never mistaken for probe output.
	helperSetupExitCode = 125
	helperFailPrefix    = "probe-init:"
)

// Config controls probe execution.
type Config struct {
	// HelperPath is the probe-init binary applying rlimits inside the
	// child before exec.
	HelperPath string
	// ScratchRoot is the parent directory for per-run scratch dirs.
	ScratchRoot string
	// GraceMs is the delay between the graceful termination signal and
	// the unconditional kill.
	GraceMs int64
	// SampleMs is the resource usage sampling interval.
	SampleMs int64
	// SeccompProfile optionally confines probes under a reference
	// filter, used to self-check the harness in a known-contained
	// environment.
	SeccompProfile string
}

// Runner spawns probes under the governor's scopes.
type Runner struct {
	cfg Config
	gov *governor.Governor
}

// New creates a runner.
func New(cfg Config, gov *governor.Governor) (*Runner, error) {
	if gov == nil {
		return nil, fmt.Errorf("governor is required")
	}
	if cfg.HelperPath == "" {
		cfg.HelperPath = "probe-init"
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.GraceMs <= 0 {
		cfg.GraceMs = defaultGraceMs
	}
	if cfg.SampleMs <= 0 {
		cfg.SampleMs = defaultSampleMs
	}
	return &Runner{cfg: cfg, gov: gov}, nil
}

// Governor returns the runner's governor.
func (r *Runner) Governor() *governor.Governor {
	return r.gov
}

// CapabilityGaps lists limiting primitives the environment cannot
// enforce for this runner's probes.
func (r *Runner) CapabilityGaps() []string {
	return r.gov.Capabilities().Gaps()
}

func (r *Runner) grace() time.Duration {
	return time.Duration(r.cfg.GraceMs) * time.Millisecond
}

func (r *Runner) sampleInterval() time.Duration {
	return time.Duration(r.cfg.SampleMs) * time.Millisecond
}

// failure builds the tagged record for a run that never produced probe
// output; it still flows to the classifier.
func (r *Runner) failure(d probe.Descriptor, tag result.FailureTag, err error, started time.Time) result.RunResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return result.RunResult{
		Probe:      d.Name,
		Category:   d.Category,
		ExitCode:   -1,
		Failure:    tag,
		FailureMsg: msg,
		Usage:      result.Usage{WallTimeMs: time.Since(started).Milliseconds()},
		StartedAt:  started.Unix(),
		FinishedAt: time.Now().Unix(),
	}
}

func runIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextkey.RunID).(string); ok && v != "" {
		return v
	}
	return "adhoc"
}
