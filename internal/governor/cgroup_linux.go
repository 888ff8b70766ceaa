//go:build linux

package governor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"boundary/internal/probe"

	"golang.org/x/sys/unix"
)

func detect(cfg Config) Capabilities {
	caps := Capabilities{Rlimit: rlimitAvailable()}
	if !cfg.EnableCgroup || cfg.CgroupRoot == "" {
		return caps
	}
	controllers, err := os.ReadFile(filepath.Join(cfg.CgroupRoot, "cgroup.controllers"))
	if err != nil {
		return caps
	}
	if !cgroupWritable(cfg.CgroupRoot) {
		return caps
	}
	caps.CgroupV2 = true
	for _, name := range strings.Fields(string(controllers)) {
		switch name {
		case "memory":
			caps.CgroupMemory = true
		case "pids":
			caps.CgroupPids = true
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.CgroupRoot, "cgroup.kill")); err == nil {
		caps.CgroupKill = true
	}
	return caps
}

func rlimitAvailable() bool {
	var lim unix.Rlimit
	return unix.Getrlimit(unix.RLIMIT_NOFILE, &lim) == nil
}

func cgroupWritable(root string) bool {
	dir := filepath.Join(root, fmt.Sprintf("capcheck-%d", os.Getpid()))
	if err := os.Mkdir(dir, 0750); err != nil {
		return false
	}
	_ = os.Remove(dir)
	return true
}

func createRunCgroup(root, runID, probeName string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	runDir := fmt.Sprintf("%s-%d", probeName, time.Now().UnixNano())
	cgroupPath := filepath.Join(root, runID, runDir)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		_ = os.RemoveAll(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupCeilings(cgroupPath string, backstop probe.Ceilings, caps Capabilities) error {
	if caps.CgroupPids {
		pidsValue := "max"
		if backstop.PIDs > 0 {
			pidsValue = strconv.FormatInt(backstop.PIDs, 10)
		}
		if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
			return err
		}
	}
	if caps.CgroupMemory && backstop.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(backstop.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
		// No swap escape hatch for memory probes.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOomKilled(cgroupPath string) bool {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func cgroupPeakMemoryKB(cgroupPath string) int64 {
	if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
		return val / 1024
	}
	return 0
}

func cgroupPeakPIDs(cgroupPath string) int64 {
	if val, err := readCgroupInt(cgroupPath, "pids.peak"); err == nil && val > 0 {
		return val
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
