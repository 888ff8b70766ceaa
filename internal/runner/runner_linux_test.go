//go:build linux

package runner_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"boundary/internal/governor"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/runner"
)

func newTestRunner(t *testing.T, cfg runner.Config) *runner.Runner {
	t.Helper()
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = t.TempDir()
	}
	r, err := runner.New(cfg, governor.New(governor.Config{}))
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}
	return r
}

func shellProbe(name string, category probe.Category, script string) probe.Descriptor {
	d := probe.Descriptor{
		Name:     name,
		Category: category,
		Binary:   "/bin/sh",
		Args:     []string{"-c", script},
		Expect:   probe.ExpectBlocked,
	}
	d.Ceilings = d.Ceilings.Normalize(category)
	return d
}

func TestRunnerRun(t *testing.T) {
	helperPath := buildProbeHelper(t)

	cases := []struct {
		name   string
		run    func(t *testing.T) result.RunResult
		verify func(t *testing.T, res result.RunResult)
	}{
		{
			name: "captures_output_and_exit",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath})
				d := shellProbe("echo", probe.NetworkEgress, "echo out-marker; echo err-marker 1>&2; exit 3")
				return r.Run(context.Background(), d)
			},
			verify: func(t *testing.T, res result.RunResult) {
				if res.Failed() {
					t.Fatalf("unexpected failure %s: %s", res.Failure, res.FailureMsg)
				}
				if res.ExitCode != 3 {
					t.Fatalf("expected exit code 3, got %d", res.ExitCode)
				}
				if !strings.Contains(res.Stdout, "out-marker") {
					t.Fatalf("stdout missing marker: %q", res.Stdout)
				}
				if !strings.Contains(res.Stderr, "err-marker") {
					t.Fatalf("stderr missing marker: %q", res.Stderr)
				}
				if res.TimedOut {
					t.Fatal("unexpected timeout")
				}
			},
		},
		{
			name: "wall_ceiling_kills_hung_probe",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath, GraceMs: 100})
				d := shellProbe("hang", probe.NetworkEgress, "sleep 30")
				d.Ceilings.WallTimeMs = 300

				start := time.Now()
				res := r.Run(context.Background(), d)
				if elapsed := time.Since(start); elapsed > 3*time.Second {
					t.Fatalf("kill took too long: %v", elapsed)
				}
				return res
			},
			verify: func(t *testing.T, res result.RunResult) {
				if !res.TimedOut {
					t.Fatal("expected timeout")
				}
				if res.ExitCode != -1 {
					t.Fatalf("expected exit code -1, got %d", res.ExitCode)
				}
				if !res.Signaled() {
					t.Fatal("expected signal termination")
				}
			},
		},
		{
			name: "output_capture_is_bounded",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath})
				d := shellProbe("flood", probe.NetworkEgress, "head -c 200000 /dev/zero | tr '\\0' 'a'")
				d.Ceilings.CaptureKB = 1
				return r.Run(context.Background(), d)
			},
			verify: func(t *testing.T, res result.RunResult) {
				if res.Failed() {
					t.Fatalf("unexpected failure %s: %s", res.Failure, res.FailureMsg)
				}
				if len(res.Stdout) != 1024 {
					t.Fatalf("expected stdout capped at 1024, got %d", len(res.Stdout))
				}
				if !res.StdoutTruncated {
					t.Fatal("expected stdout truncation flag")
				}
			},
		},
		{
			name: "signal_exit_recorded",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath})
				d := shellProbe("selfsegv", probe.StackExhaustion, "kill -SEGV $$")
				return r.Run(context.Background(), d)
			},
			verify: func(t *testing.T, res result.RunResult) {
				if res.ExitCode != -1 {
					t.Fatalf("expected exit code -1, got %d", res.ExitCode)
				}
				if res.Signal != 11 {
					t.Fatalf("expected SIGSEGV, got signal %d", res.Signal)
				}
			},
		},
		{
			name: "scratch_dir_removed_after_run",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath})
				d := shellProbe("scratch", probe.FilesystemEscape, "pwd; touch leftover")
				return r.Run(context.Background(), d)
			},
			verify: func(t *testing.T, res result.RunResult) {
				if res.Failed() {
					t.Fatalf("unexpected failure %s: %s", res.Failure, res.FailureMsg)
				}
				scratch := strings.TrimSpace(res.Stdout)
				if scratch == "" {
					t.Fatal("probe did not report its scratch dir")
				}
				if _, err := os.Stat(scratch); !os.IsNotExist(err) {
					t.Fatalf("expected scratch dir removed, stat err %v", err)
				}
			},
		},
		{
			name: "missing_probe_binary_tags_launch_failure",
			run: func(t *testing.T) result.RunResult {
				r := newTestRunner(t, runner.Config{HelperPath: helperPath})
				d := probe.Descriptor{
					Name:     "ghost",
					Category: probe.NetworkEgress,
					Binary:   "/nonexistent/probe-bin",
					Expect:   probe.ExpectBlocked,
				}
				d.Ceilings = d.Ceilings.Normalize(d.Category)
				return r.Run(context.Background(), d)
			},
			verify: func(t *testing.T, res result.RunResult) {
				if res.Failure != result.FailureLaunch {
					t.Fatalf("expected launch failure, got %s (%s)", res.Failure, res.FailureMsg)
				}
				if !strings.Contains(res.FailureMsg, "resolve command") {
					t.Fatalf("unexpected failure message %q", res.FailureMsg)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.run(t)
			tc.verify(t, res)
		})
	}
}

func TestRunnerMissingHelper(t *testing.T) {
	r := newTestRunner(t, runner.Config{HelperPath: "/nonexistent/probe-init"})
	d := shellProbe("any", probe.NetworkEgress, "true")

	res := r.Run(context.Background(), d)
	if res.Failure != result.FailureLaunch {
		t.Fatalf("expected launch failure, got %s (%s)", res.Failure, res.FailureMsg)
	}
}

func TestRunnerCanceledContext(t *testing.T) {
	r := newTestRunner(t, runner.Config{HelperPath: "/bin/true"})
	d := shellProbe("any", probe.NetworkEgress, "true")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Run(ctx, d)
	if res.Failure != result.FailureInterrupted {
		t.Fatalf("expected interrupted, got %s (%s)", res.Failure, res.FailureMsg)
	}
}

func buildProbeHelper(t *testing.T) string {
	t.Helper()
	helperDir := filepath.Join(t.TempDir(), "helper")
	if err := os.MkdirAll(helperDir, 0755); err != nil {
		t.Fatalf("create helper dir: %v", err)
	}

	goMod := []byte("module probehelper\n\ngo 1.22\n")
	if err := os.WriteFile(filepath.Join(helperDir, "go.mod"), goMod, 0644); err != nil {
		t.Fatalf("write helper go.mod: %v", err)
	}
	if err := os.WriteFile(filepath.Join(helperDir, "main.go"), []byte(helperSource), 0644); err != nil {
		t.Fatalf("write helper main.go: %v", err)
	}

	helperPath := filepath.Join(helperDir, "probe-init")
	cmd := exec.Command("go", "build", "-o", helperPath, ".")
	cmd.Dir = helperDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build helper failed: %v: %s", err, string(output))
	}
	return helperPath
}

// helperSource is a trimmed probe-init that speaks the same stdin and
// failure protocol without the rlimit and seccomp setup, so tests do
// not need cgo or libseccomp.
const helperSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type initRequest struct {
	Probe   string   ` + "`json:\"Probe\"`" + `
	WorkDir string   ` + "`json:\"WorkDir\"`" + `
	Cmd     []string ` + "`json:\"Cmd\"`" + `
	Env     []string ` + "`json:\"Env\"`" + `
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "probe-init: %s\n", err.Error())
		os.Exit(125)
	}
}

func run() error {
	dec := json.NewDecoder(os.Stdin)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("setup: decode request: %w", err)
	}
	if len(req.Cmd) == 0 {
		return fmt.Errorf("setup: command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("setup: work dir is required")
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("setup: chdir workdir: %w", err)
	}
	cmdPath, err := exec.LookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("launch: resolve command: %w", err)
	}
	env := req.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	if err := syscall.Exec(cmdPath, req.Cmd, env); err != nil {
		return fmt.Errorf("launch: exec: %w", err)
	}
	return nil
}
`
