//go:build !linux

package runner

import (
	"context"
	"time"

	"boundary/internal/probe"
	"boundary/internal/result"
	pkgerrors "boundary/pkg/errors"
)

// Run reports every probe as unrunnable off linux; the record still
// flows through classification so the report stays complete.
func (r *Runner) Run(ctx context.Context, d probe.Descriptor) result.RunResult {
	return r.failure(d, result.FailureGovernor, pkgerrors.New(pkgerrors.PlatformUnsupported), time.Now())
}
