// Package result defines probe run records and suite verdicts.
package result

import "boundary/internal/probe"

// FailureTag marks a run whose harness-side machinery failed.
// Tagged runs still flow through classification and end Inconclusive.
type FailureTag string

const (
	FailureNone        FailureTag = ""
	FailureGovernor    FailureTag = "governor_setup_failed"
	FailureLaunch      FailureTag = "launch_failure"
	FailureInternal    FailureTag = "runner_internal"
	FailureInterrupted FailureTag = "interrupted"
)

// Usage captures the peak resource consumption observed for a run.
// Peaks come from cgroup accounting when available, otherwise from
// rusage and proc sampling; zero means the dimension was not observed.
type Usage struct {
	CPUTimeMs    int64 `json:"cpu_time_ms"`
	WallTimeMs   int64 `json:"wall_time_ms"`
	PeakMemoryKB int64 `json:"peak_memory_kb"`
	PeakOpenFDs  int64 `json:"peak_open_fds"`
	PeakThreads  int64 `json:"peak_threads"`
	PeakPIDs     int64 `json:"peak_pids"`
	ScratchBytes int64 `json:"scratch_bytes"`
	OomKilled    bool  `json:"oom_killed,omitempty"`
}

// RunResult captures one probe execution. It is a value record: owned
// by the runner until handed to the classifier, never mutated after.
type RunResult struct {
	Probe    string         `json:"probe"`
	Category probe.Category `json:"category"`

	ExitCode int `json:"exit_code"`
	// Signal is the terminating signal number, zero on normal exit.
	Signal   int  `json:"signal,omitempty"`
	TimedOut bool `json:"timed_out,omitempty"`

	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	Usage Usage `json:"usage"`

	Failure    FailureTag `json:"failure,omitempty"`
	FailureMsg string     `json:"failure_msg,omitempty"`

	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// Signaled reports whether the probe was terminated by a signal.
func (r RunResult) Signaled() bool {
	return r.Signal != 0
}

// Failed reports whether harness-side machinery failed for this run.
func (r RunResult) Failed() bool {
	return r.Failure != FailureNone
}
