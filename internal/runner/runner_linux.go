//go:build linux

package runner

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"boundary/internal/probe"
	"boundary/internal/result"
	pkgerrors "boundary/pkg/errors"
	"boundary/pkg/utils/logger"

	"go.uber.org/zap"
)

// Run executes one probe to completion and always returns a record;
// harness-side failures are tagged on the record, never lost.
func (r *Runner) Run(ctx context.Context, d probe.Descriptor) result.RunResult {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return r.failure(d, result.FailureInterrupted, err, started)
	}

	scratch, err := os.MkdirTemp(r.cfg.ScratchRoot, "probe-"+d.Name+"-")
	if err != nil {
		return r.failure(d, result.FailureInternal, pkgerrors.Wrap(err, pkgerrors.ScratchDirFailed), started)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	scope, err := r.gov.Apply(runIDFrom(ctx), d.Name, d.Ceilings)
	if err != nil {
		return r.failure(d, result.FailureGovernor, err, started)
	}
	defer scope.Release()

	initReq := initRequest{
		Probe:          d.Name,
		WorkDir:        scratch,
		Cmd:            d.Command(),
		Env:            d.Env,
		Ceilings:       r.gov.Backstop(d.Ceilings),
		SeccompProfile: r.cfg.SeccompProfile,
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return r.failure(d, result.FailureInternal, pkgerrors.Wrap(err, pkgerrors.PipeSetupFailed), started)
	}
	defer stdinPipe.Close()

	captureBytes := d.Ceilings.CaptureKB * 1024
	stdout := newCappedBuffer(captureBytes)
	stderr := newCappedBuffer(captureBytes)

	cmd := exec.CommandContext(ctx, r.cfg.HelperPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.Stdin = stdinPipe
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return r.failure(d, result.FailureInterrupted, ctx.Err(), started)
		}
		return r.failure(d, result.FailureLaunch, pkgerrors.LaunchError(d.Name, err), started)
	}
	pid := cmd.Process.Pid

	if err := scope.AddProcess(pid); err != nil {
		logger.Warn(ctx, "add process to cgroup failed", zap.String("probe", d.Name), zap.Error(err))
	}

	sampler := startSampler(pid, r.sampleInterval())

	var timedOut atomic.Bool
	killCtx, cancelKill := context.WithCancel(ctx)
	defer cancelKill()

	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if d.Ceilings.WallTimeMs > 0 {
			wallTimer = time.After(time.Duration(d.Ceilings.WallTimeMs) * time.Millisecond)
		}
		select {
		case <-killCtx.Done():
			killGroup(pid)
			_ = scope.Kill()
		case <-wallTimer:
			timedOut.Store(true)
			// Graceful stop first, unconditional kill after the grace
			// period if the group is still alive.
			_ = syscall.Kill(-pid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(r.grace()):
				killGroup(pid)
				_ = scope.Kill()
			}
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	sampler.stop()

	// Sweep survivors that detached from the process group.
	killGroup(pid)
	_ = scope.Kill()

	res := result.RunResult{
		Probe:           d.Name,
		Category:        d.Category,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		TimedOut:        timedOut.Load(),
		StartedAt:       started.Unix(),
		FinishedAt:      time.Now().Unix(),
	}
	res.ExitCode, res.Signal = exitStatus(waitErr, cmd.ProcessState)
	res.Usage = collectUsage(cmd.ProcessState, scope, sampler, scratch, time.Since(started).Milliseconds())

	if ctx.Err() != nil && !res.TimedOut {
		res.Failure = result.FailureInterrupted
		res.FailureMsg = ctx.Err().Error()
		return res
	}
	if res.ExitCode == helperSetupExitCode {
		if msg, ok := helperFailure(res.Stderr); ok {
			if strings.HasPrefix(msg, "launch:") {
				res.Failure = result.FailureLaunch
			} else {
				res.Failure = result.FailureGovernor
			}
			res.FailureMsg = msg
		}
	}
	return res
}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitStatus(waitErr error, state *os.ProcessState) (code int, signal int) {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, int(ws.Signal())
		}
		return state.ExitCode(), 0
	}
	if waitErr == nil {
		return 0, 0
	}
	return -1, 0
}

// helperFailure extracts the init helper's own error line from stderr.
func helperFailure(stderr string) (string, bool) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, helperFailPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, helperFailPrefix)), true
		}
	}
	return "", false
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}
