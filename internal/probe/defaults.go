package probe

// Baseline ceilings shared by every category.
const (
	defaultWallTimeMs = 10_000
	defaultCPUTimeMs  = 5_000
	defaultCaptureKB  = 64
	defaultMemoryMB   = 256
	defaultStackMB    = 8
	defaultFileSizeMB = 64
	defaultOpenFiles  = 256
	defaultPIDs       = 64
)

// DefaultCeilings returns the standard ceilings for a category.
// Resource categories pin the ceiling of the dimension they attack;
// the rest keep generous backstops so the attack dimension dominates.
func DefaultCeilings(c Category) Ceilings {
	cl := Ceilings{
		WallTimeMs: defaultWallTimeMs,
		CPUTimeMs:  defaultCPUTimeMs,
		MemoryMB:   defaultMemoryMB,
		StackMB:    defaultStackMB,
		FileSizeMB: defaultFileSizeMB,
		CaptureKB:  defaultCaptureKB,
		OpenFiles:  defaultOpenFiles,
		PIDs:       defaultPIDs,
	}
	switch c {
	case MemoryExhaustion:
		cl.MemoryMB = 64
	case DiskExhaustion:
		cl.FileSizeMB = 32
	case FDExhaustion:
		cl.OpenFiles = 256
	case ThreadExhaustion:
		cl.PIDs = 64
	case StackExhaustion:
		cl.StackMB = 8
	}
	return cl
}

// Normalize fills zero-valued ceilings from the category defaults.
// Explicitly set values are never overridden.
func (cl Ceilings) Normalize(c Category) Ceilings {
	def := DefaultCeilings(c)
	if cl.WallTimeMs == 0 {
		cl.WallTimeMs = def.WallTimeMs
	}
	if cl.CPUTimeMs == 0 {
		cl.CPUTimeMs = def.CPUTimeMs
	}
	if cl.MemoryMB == 0 {
		cl.MemoryMB = def.MemoryMB
	}
	if cl.StackMB == 0 {
		cl.StackMB = def.StackMB
	}
	if cl.FileSizeMB == 0 {
		cl.FileSizeMB = def.FileSizeMB
	}
	if cl.CaptureKB == 0 {
		cl.CaptureKB = def.CaptureKB
	}
	if cl.OpenFiles == 0 {
		cl.OpenFiles = def.OpenFiles
	}
	if cl.PIDs == 0 {
		cl.PIDs = def.PIDs
	}
	return cl
}
