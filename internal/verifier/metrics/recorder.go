// Package metrics exports Prometheus metrics for verification runs.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder counts verdicts and run outcomes. It implements
// observer.MetricsRecorder and is safe for concurrent use.
type Recorder struct {
	verdicts      *prometheus.CounterVec
	probeWall     *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	degradedRuns  prometheus.Counter
	suiteDuration prometheus.Histogram
	gatherer      prometheus.Gatherer
}

// NewRecorder creates a recorder registered on reg. A nil reg uses the
// default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boundary_probe_verdicts_total",
				Help: "Probe verdicts by category and classification",
			},
			[]string{"category", "class"},
		),
		probeWall: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boundary_probe_wall_seconds",
				Help:    "Probe wall time in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"category"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boundary_suite_runs_total",
				Help: "Completed suite runs by outcome",
			},
			[]string{"outcome"},
		),
		degradedRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "boundary_suite_degraded_runs_total",
				Help: "Suite runs that finished with degraded results",
			},
		),
		suiteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "boundary_suite_duration_seconds",
				Help:    "Suite duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
	}

	reg.MustRegister(r.verdicts)
	reg.MustRegister(r.probeWall)
	reg.MustRegister(r.runs)
	reg.MustRegister(r.degradedRuns)
	reg.MustRegister(r.suiteDuration)

	r.gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		r.gatherer = g
	}
	return r
}

// ObserveProbe records one classified probe. Evidence stays out of
// labels; its value set is unbounded.
func (r *Recorder) ObserveProbe(_ context.Context, _ string, category string, classification string, _ string, wallMs int64) {
	r.verdicts.WithLabelValues(category, classification).Inc()
	r.probeWall.WithLabelValues(category).Observe(float64(wallMs) / 1000)
}

// ObserveSuite records one finished suite run.
func (r *Recorder) ObserveSuite(_ context.Context, _ string, _ int, breached int, _ int, durationMs int64, degraded bool) {
	outcome := "clean"
	if breached > 0 {
		outcome = "breach"
	}
	r.runs.WithLabelValues(outcome).Inc()
	if degraded {
		r.degradedRuns.Inc()
	}
	r.suiteDuration.Observe(float64(durationMs) / 1000)
}

// Handler returns the HTTP handler serving the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
