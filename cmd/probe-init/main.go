//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// setupExitCode distinguishes this helper's own failures from anything
// a probe could exit with; the runner pairs it with the stderr prefix.
const setupExitCode = 125

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "probe-init: %s\n", err.Error())
		os.Exit(setupExitCode)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	if err := validateRequest(req); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("setup: chdir workdir: %w", err)
	}

	if err := applyRlimits(req.Ceilings); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if err := silenceStdin(); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}

	env := buildEnv(req.Env)
	os.Clearenv()
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return fmt.Errorf("setup: set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("launch: resolve command: %w", err)
	}
	if err := unix.Exec(cmdPath, req.Cmd, env); err != nil {
		return fmt.Errorf("launch: exec: %w", err)
	}
	return nil
}

func decodeRequest(r io.Reader) (initRequest, error) {
	dec := json.NewDecoder(r)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

func applyRlimits(c ceilings) error {
	if c.CPUTimeMs > 0 {
		seconds := uint64((c.CPUTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if c.MemoryMB > 0 {
		bytes := uint64(c.MemoryMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if c.FileSizeMB > 0 {
		bytes := uint64(c.FileSizeMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if c.StackMB > 0 {
		bytes := uint64(c.StackMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	if c.OpenFiles > 0 {
		val := uint64(c.OpenFiles)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nofile: %w", err)
		}
	}
	if c.PIDs > 0 {
		val := uint64(c.PIDs)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: val, Max: val}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	return nil
}

// silenceStdin swaps the request pipe for /dev/null before exec so
// probes reading stdin see EOF instead of harness traffic.
func silenceStdin() error {
	devNull, err := os.Open("/dev/null")
	if err != nil {
		return fmt.Errorf("open /dev/null: %w", err)
	}
	if err := unix.Dup2(int(devNull.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return devNull.Close()
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			sc, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles may name syscalls the running libseccomp
				// does not know; those rules cannot apply here.
				continue
			}
			if err := filter.AddRule(sc, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

// initRequest mirrors the runner's request record; field tags must
// stay aligned with it.
type initRequest struct {
	Probe          string   `json:"Probe"`
	WorkDir        string   `json:"WorkDir"`
	Cmd            []string `json:"Cmd"`
	Env            []string `json:"Env"`
	Ceilings       ceilings `json:"Ceilings"`
	SeccompProfile string   `json:"SeccompProfile"`
}

type ceilings struct {
	WallTimeMs int64 `json:"wall_time_ms"`
	CPUTimeMs  int64 `json:"cpu_time_ms"`
	MemoryMB   int64 `json:"memory_mb"`
	StackMB    int64 `json:"stack_mb"`
	FileSizeMB int64 `json:"file_size_mb"`
	CaptureKB  int64 `json:"capture_kb"`
	OpenFiles  int64 `json:"open_files"`
	PIDs       int64 `json:"pids"`
}
