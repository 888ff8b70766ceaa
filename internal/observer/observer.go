// Package observer defines logging and metrics hooks for suite execution.
package observer

import "context"

// MetricsRecorder records suite execution metrics.
type MetricsRecorder interface {
	ObserveProbe(ctx context.Context, probeName string, category string, classification string, evidence string, wallMs int64)
	ObserveSuite(ctx context.Context, runID string, contained int, breached int, inconclusive int, durationMs int64, degraded bool)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveProbe(ctx context.Context, probeName string, category string, classification string, evidence string, wallMs int64) {
}

func (NoopMetricsRecorder) ObserveSuite(ctx context.Context, runID string, contained int, breached int, inconclusive int, durationMs int64, degraded bool) {
}
