// Package probe defines boundary probe descriptors and the check catalog.
package probe

// Category identifies the isolation boundary a probe attacks.
type Category string

const (
	FilesystemEscape Category = "filesystem_escape"
	MemoryExhaustion Category = "memory_exhaustion"
	DiskExhaustion   Category = "disk_exhaustion"
	FDExhaustion     Category = "fd_exhaustion"
	ThreadExhaustion Category = "thread_exhaustion"
	StackExhaustion  Category = "stack_exhaustion"
	NetworkEgress    Category = "network_egress"
	ProcessExec      Category = "process_exec"
	SignalDelivery   Category = "signal_delivery"
	PtraceAttach     Category = "ptrace_attach"
	ChrootEscape     Category = "chroot_escape"
)

var allCategories = map[Category]bool{
	FilesystemEscape: true,
	MemoryExhaustion: true,
	DiskExhaustion:   true,
	FDExhaustion:     true,
	ThreadExhaustion: true,
	StackExhaustion:  true,
	NetworkEgress:    true,
	ProcessExec:      true,
	SignalDelivery:   true,
	PtraceAttach:     true,
	ChrootEscape:     true,
}

// Valid reports whether the category is a known boundary category.
func (c Category) Valid() bool {
	return allCategories[c]
}

// Resource reports whether the category is a resource exhaustion check,
// classified by consumption against a ceiling rather than by access denial.
func (c Category) Resource() bool {
	switch c {
	case MemoryExhaustion, DiskExhaustion, FDExhaustion, ThreadExhaustion, StackExhaustion:
		return true
	default:
		return false
	}
}

// Expectation is the contracted outcome for a probe in a healthy sandbox.
type Expectation string

const (
	// ExpectBlocked means the forbidden primitive must fail outright.
	ExpectBlocked Expectation = "Blocked"
	// ExpectAllowed means the operation is permitted and should succeed.
	ExpectAllowed Expectation = "Allowed"
	// ExpectBounded means partial success up to a limit is the healthy
	// outcome, e.g. filling disk until the quota reports full.
	ExpectBounded Expectation = "Bounded"
)

// Valid reports whether the expectation is a known value.
func (e Expectation) Valid() bool {
	switch e {
	case ExpectBlocked, ExpectAllowed, ExpectBounded:
		return true
	default:
		return false
	}
}

// Ceilings are the per-run resource caps a probe is verified against.
// A zero value leaves that cap unenforced. The governor backstops each
// ceiling with headroom so the harness survives a runaway probe while
// the classifier can still observe consumption past the ceiling.
type Ceilings struct {
	WallTimeMs int64 `json:"wall_time_ms,omitempty"`
	CPUTimeMs  int64 `json:"cpu_time_ms,omitempty"`
	MemoryMB   int64 `json:"memory_mb,omitempty"`
	StackMB    int64 `json:"stack_mb,omitempty"`
	FileSizeMB int64 `json:"file_size_mb,omitempty"`
	CaptureKB  int64 `json:"capture_kb,omitempty"`
	OpenFiles  int64 `json:"open_files,omitempty"`
	PIDs       int64 `json:"pids,omitempty"`
}

// Markers override the evidence vocabulary for one probe. A set list
// replaces the category default for that marker class; an empty list
// keeps it. Custom probes outside the standard set declare their own
// output language here instead of patching the classifier.
type Markers struct {
	Breach       []string `json:"breach,omitempty"`
	Blocked      []string `json:"blocked,omitempty"`
	ResourceStop []string `json:"resource_stop,omitempty"`
}

// Descriptor is the static metadata for one boundary check.
// Immutable once the catalog is loaded.
type Descriptor struct {
	Name     string
	Category Category
	Binary   string
	Args     []string
	Env      []string
	Expect   Expectation
	Markers  Markers
	Ceilings Ceilings
}

// Command returns the full argv for launching the probe.
func (d Descriptor) Command() []string {
	cmd := make([]string, 0, len(d.Args)+1)
	cmd = append(cmd, d.Binary)
	cmd = append(cmd, d.Args...)
	return cmd
}
