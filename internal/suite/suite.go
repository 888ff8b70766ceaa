// Package suite drives a probe catalog through the runner and folds
// the per-probe verdicts into one report.
package suite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"boundary/internal/classify"
	"boundary/internal/observer"
	"boundary/internal/probe"
	"boundary/internal/result"
	pkgerrors "boundary/pkg/errors"
	"boundary/pkg/utils/contextkey"
	"boundary/pkg/utils/logger"
)

// ProbeRunner executes one probe. Implementations return a record for
// every call; harness-side failures ride in the record's failure tag.
type ProbeRunner interface {
	Run(ctx context.Context, d probe.Descriptor) result.RunResult
}

// capabilityReporter is implemented by runners that know which
// limiting primitives the environment cannot enforce.
type capabilityReporter interface {
	CapabilityGaps() []string
}

// Options tune one suite execution.
type Options struct {
	// Parallel is the number of probes in flight at once. Zero or one
	// runs the catalog sequentially.
	Parallel int
}

// Orchestrator runs probe catalogs.
type Orchestrator struct {
	runner  ProbeRunner
	opts    Options
	metrics observer.MetricsRecorder
}

// New creates an orchestrator around the given runner.
func New(r ProbeRunner, opts Options) *Orchestrator {
	return NewWithObserver(r, opts, observer.NoopMetricsRecorder{})
}

// NewWithObserver creates an orchestrator that reports every classified
// probe and the finished suite to metrics as they complete.
func NewWithObserver(r ProbeRunner, opts Options, metrics observer.MetricsRecorder) *Orchestrator {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &Orchestrator{runner: r, opts: opts, metrics: metrics}
}

// probeOutcome pairs a run record with its classification.
type probeOutcome struct {
	res     result.RunResult
	verdict result.Verdict
}

// Execute runs every catalog probe and reports verdicts in catalog
// order regardless of completion order. Cancelling ctx stops further
// launches, terminates probes in flight through their run contexts,
// and returns the partial report together with the context error.
func (o *Orchestrator) Execute(ctx context.Context, cat probe.Catalog) (result.SuiteReport, error) {
	if cat.Len() == 0 {
		return result.SuiteReport{}, pkgerrors.New(pkgerrors.CatalogEmpty)
	}

	runID := runIDFrom(ctx)
	ctx = context.WithValue(ctx, contextkey.RunID, runID)

	report := result.SuiteReport{
		RunID:      runID,
		StartedAt:  time.Now().UnixMilli(),
		ByCategory: make(map[probe.Category]result.Summary),
	}
	if cr, ok := o.runner.(capabilityReporter); ok {
		report.CapabilityGaps = cr.CapabilityGaps()
	}
	logger.Info(ctx, "suite started",
		zap.Int("probes", cat.Len()),
		zap.Int("parallel", o.opts.Parallel),
		zap.Strings("capability_gaps", report.CapabilityGaps))

	var outcomes []probeOutcome
	if o.opts.Parallel > 1 {
		outcomes = o.runParallel(ctx, cat)
	} else {
		outcomes = o.runSequential(ctx, cat)
	}

	report.Verdicts = make([]result.Verdict, 0, cat.Len())
	report.Results = make([]result.RunResult, 0, cat.Len())
	for i, d := range cat.Probes {
		v := outcomes[i].verdict
		report.Verdicts = append(report.Verdicts, v)
		report.Results = append(report.Results, outcomes[i].res)
		report.Totals.Add(v.Class)
		byCat := report.ByCategory[d.Category]
		byCat.Add(v.Class)
		report.ByCategory[d.Category] = byCat
		if outcomes[i].res.Failure == result.FailureInternal {
			report.Degraded = true
		}
	}
	report.FinishedAt = time.Now().UnixMilli()

	o.metrics.ObserveSuite(ctx, runID,
		report.Totals.Contained, report.Totals.Breach, report.Totals.Inconclusive,
		report.FinishedAt-report.StartedAt, report.Degraded)
	logger.Info(ctx, "suite finished",
		zap.Int("contained", report.Totals.Contained),
		zap.Int("breach", report.Totals.Breach),
		zap.Int("inconclusive", report.Totals.Inconclusive),
		zap.Bool("degraded", report.Degraded))
	return report, ctx.Err()
}

func (o *Orchestrator) runSequential(ctx context.Context, cat probe.Catalog) []probeOutcome {
	outcomes := make([]probeOutcome, cat.Len())
	for i, d := range cat.Probes {
		outcomes[i] = o.runOne(ctx, d)
	}
	return outcomes
}

func (o *Orchestrator) runParallel(ctx context.Context, cat probe.Catalog) []probeOutcome {
	outcomes := make([]probeOutcome, cat.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Parallel)
	for i, d := range cat.Probes {
		i, d := i, d
		g.Go(func() error {
			outcomes[i] = o.runOne(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) runOne(ctx context.Context, d probe.Descriptor) probeOutcome {
	pctx := context.WithValue(ctx, contextkey.Probe, d.Name)
	logger.Debug(pctx, "probe starting", zap.String("binary", d.Binary))
	res := o.runner.Run(pctx, d)
	if res.Failed() {
		logger.Warn(pctx, "probe run failed",
			zap.String("failure", string(res.Failure)),
			zap.String("message", res.FailureMsg))
	}
	v := classify.Classify(d, res)
	logger.Info(pctx, "probe classified",
		zap.String("probe", d.Name),
		zap.String("category", string(d.Category)),
		zap.String("class", string(v.Class)),
		zap.String("evidence", v.Evidence))
	o.metrics.ObserveProbe(pctx, d.Name, string(d.Category), string(v.Class), v.Evidence, res.Usage.WallTimeMs)
	return probeOutcome{res: res, verdict: v}
}

func runIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextkey.RunID).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}
