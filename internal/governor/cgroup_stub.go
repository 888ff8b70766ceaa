//go:build !linux

package governor

import (
	"fmt"

	"boundary/internal/probe"
)

func detect(cfg Config) Capabilities {
	return Capabilities{}
}

func createRunCgroup(root, runID, probeName string) (string, func(), error) {
	return "", func() {}, fmt.Errorf("cgroups are only supported on linux")
}

func applyCgroupCeilings(cgroupPath string, backstop probe.Ceilings, caps Capabilities) error {
	return fmt.Errorf("cgroups are only supported on linux")
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	return fmt.Errorf("cgroups are only supported on linux")
}

func killCgroup(cgroupPath string) error {
	return fmt.Errorf("cgroups are only supported on linux")
}

func wasOomKilled(cgroupPath string) bool { return false }

func cgroupPeakMemoryKB(cgroupPath string) int64 { return 0 }

func cgroupPeakPIDs(cgroupPath string) int64 { return 0 }
