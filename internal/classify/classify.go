// Package classify turns a probe run into a verdict. It is pure: the
// same descriptor and result always produce the same verdict, so a
// report can be re-derived from archived evidence.
package classify

import (
	"fmt"

	"boundary/internal/probe"
	"boundary/internal/result"
)

// Tolerance is the slack multiplier applied to a resource ceiling
// before consumption beyond it counts as a breach. Accounting noise
// (allocator overhead, page rounding, shared mappings) lands well
// inside it; an unenforced ceiling lands well outside.
const Tolerance = 1.25

// Linux signal numbers. Kept numeric so the classifier builds on any
// platform a report is inspected on.
const (
	sigBUS  = 7
	sigSEGV = 11
	sigXFSZ = 25
	sigSYS  = 31
)

// Classify derives the verdict for one probe run.
func Classify(d probe.Descriptor, r result.RunResult) result.Verdict {
	v := result.Verdict{Probe: d.Name, Category: d.Category}
	if r.Failure != result.FailureNone {
		v.Class = result.Inconclusive
		v.Evidence = failureEvidence(r)
		return v
	}
	if d.Category.Resource() {
		v.Class, v.Evidence = classifyResource(d, r)
	} else {
		v.Class, v.Evidence = classifyAccess(d, r)
	}
	return v
}

func failureEvidence(r result.RunResult) string {
	labels := map[result.FailureTag]string{
		result.FailureGovernor:    "governor setup failed",
		result.FailureLaunch:      "probe launch failed",
		result.FailureInternal:    "runner internal error",
		result.FailureInterrupted: "run interrupted",
	}
	label, ok := labels[r.Failure]
	if !ok {
		label = "run failed"
	}
	if r.FailureMsg == "" {
		return label
	}
	return fmt.Sprintf("%s: %s", label, r.FailureMsg)
}

// classifyAccess judges categories where the question is binary: did
// the operation go through or not. Output evidence outranks exit
// status, because several probes exit 0 after printing that they were
// blocked.
func classifyAccess(d probe.Descriptor, r result.RunResult) (result.Classification, string) {
	output := r.Stdout + "\n" + r.Stderr

	if d.Category == probe.FilesystemEscape && passwdLike.MatchString(output) {
		return breachOr(d, "output contains account database content")
	}
	if m, ok := findMarker(output, markerSet(d.Markers.Breach, breachMarkers[d.Category])); ok {
		return breachOr(d, fmt.Sprintf("breach marker %q in output", m))
	}
	if m, ok := findMarker(output, markerSet(d.Markers.Blocked, blockedMarkers)); ok {
		return containedOr(d, fmt.Sprintf("denial marker %q in output", m))
	}
	if r.TimedOut {
		return result.Inconclusive, "wall ceiling reached with no denial or breach evidence"
	}
	if r.Signal == sigSYS {
		return containedOr(d, "killed by SIGSYS, syscall filtered")
	}
	if r.Signaled() {
		return result.Inconclusive, fmt.Sprintf("killed by signal %d with no denial or breach evidence", r.Signal)
	}
	if r.ExitCode != 0 {
		return containedOr(d, fmt.Sprintf("nonzero exit %d with no breach evidence", r.ExitCode))
	}
	if d.Expect == probe.ExpectAllowed {
		return result.Contained, "operation completed as permitted"
	}
	return result.Inconclusive, "clean exit with no denial or breach evidence"
}

// breachOr and containedOr fold the descriptor expectation in: a probe
// expected to succeed inverts the reading of success and denial.
func breachOr(d probe.Descriptor, evidence string) (result.Classification, string) {
	if d.Expect == probe.ExpectAllowed {
		return result.Contained, evidence + " (operation is permitted for this probe)"
	}
	return result.Breach, evidence
}

func containedOr(d probe.Descriptor, evidence string) (result.Classification, string) {
	if d.Expect == probe.ExpectAllowed {
		return result.Inconclusive, evidence + " (operation was expected to be permitted)"
	}
	return result.Contained, evidence
}

// classifyResource judges categories where the question is how much
// was consumed. Measured consumption beyond the ceiling is checked
// first: a stop signal that only arrived after the probe blew past
// its budget is the harness backstop talking, not the boundary.
func classifyResource(d probe.Descriptor, r result.RunResult) (result.Classification, string) {
	output := r.Stdout + "\n" + r.Stderr
	observed, ceiling, unit := consumption(d, r, output)

	if ceiling > 0 && observed > 0 && float64(observed) > float64(ceiling)*Tolerance {
		return result.Breach, fmt.Sprintf("peak %d %s exceeded ceiling %d beyond tolerance", observed, unit, ceiling)
	}
	if cls, ev, ok := resourceStop(d, r, output); ok {
		if observed > 0 {
			ev = fmt.Sprintf("%s at %d %s", ev, observed, unit)
		}
		return cls, ev
	}
	if r.TimedOut {
		return result.Inconclusive, "wall ceiling reached with no resource stop observed"
	}
	if r.Signaled() {
		return result.Inconclusive, fmt.Sprintf("killed by signal %d with no resource stop observed", r.Signal)
	}
	if ceiling > 0 && observed > 0 {
		return result.Contained, fmt.Sprintf("peak %d %s stayed within ceiling %d", observed, unit, ceiling)
	}
	return result.Inconclusive, "no consumption measured and no resource stop observed"
}

// consumption picks the measurement axis for the category and merges
// harness observation with the counters the probe printed about
// itself. Sampling can miss a short-lived spike that the probe's own
// output records.
func consumption(d probe.Descriptor, r result.RunResult, output string) (observed, ceiling int64, unit string) {
	self := selfReportedPeak(d.Category, output)
	switch d.Category {
	case probe.MemoryExhaustion:
		observed = max64(r.Usage.PeakMemoryKB, self*1024)
		return observed, d.Ceilings.MemoryMB * 1024, "KB"
	case probe.DiskExhaustion:
		observed = max64(r.Usage.ScratchBytes, self*1024*1024)
		return observed, d.Ceilings.FileSizeMB * 1024 * 1024, "bytes"
	case probe.FDExhaustion:
		observed = max64(r.Usage.PeakOpenFDs, self)
		return observed, d.Ceilings.OpenFiles, "open fds"
	case probe.ThreadExhaustion:
		observed = max64(max64(r.Usage.PeakThreads, r.Usage.PeakPIDs), self)
		return observed, d.Ceilings.PIDs, "threads"
	case probe.StackExhaustion:
		// Stack depth is not observable from outside; the fault
		// itself is the evidence.
		return 0, 0, ""
	}
	return 0, 0, ""
}

// resourceStop reports whether the run shows the probe being stopped
// at the boundary: a failing allocation path, an enforced-limit
// signal, or an OOM kill.
func resourceStop(d probe.Descriptor, r result.RunResult, output string) (result.Classification, string, bool) {
	if m, ok := findMarker(output, markerSet(d.Markers.ResourceStop, resourceStopMarkers[d.Category])); ok {
		return result.Contained, fmt.Sprintf("allocation stop marker %q in output", m), true
	}
	switch d.Category {
	case probe.MemoryExhaustion:
		if r.Usage.OomKilled {
			return result.Contained, "stopped by OOM kill", true
		}
	case probe.DiskExhaustion:
		if r.Signal == sigXFSZ {
			return result.Contained, "stopped by SIGXFSZ at file size limit", true
		}
	case probe.StackExhaustion:
		if r.Signal == sigSEGV || r.Signal == sigBUS {
			return result.Contained, fmt.Sprintf("stack growth stopped by fault signal %d", r.Signal), true
		}
	}
	return result.Inconclusive, "", false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
