// Package service orchestrates verification runs: it resolves the probe
// catalog, drives the suite, and records every outcome for the API,
// the stream, and the audit trail.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"boundary/internal/common/cache"
	"boundary/internal/common/mq"
	"boundary/internal/common/storage"
	"boundary/internal/observer"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/suite"
	"boundary/internal/verifier/archive"
	"boundary/internal/verifier/bundle"
	"boundary/internal/verifier/model"
	"boundary/internal/verifier/repository"
	appErr "boundary/pkg/errors"
	"boundary/pkg/utils/contextkey"
	"boundary/pkg/utils/logger"
)

const activeLockKey = "verify:active"

// Service handles verification runs.
type Service struct {
	runner        suite.ProbeRunner
	statusRepo    *repository.StatusRepository
	history       repository.HistoryRepository
	breachPub     repository.BreachEventPublisher
	bundles       *bundle.Cache
	archiver      *archive.Builder
	storage       storage.ObjectStorage
	cache         cache.Cache
	metrics       observer.MetricsRecorder
	hub           *StreamHub
	queue         mq.MessageQueue
	runTopic      string
	catalog       probe.Catalog
	evidenceBkt   string
	maxParallel   int
	suiteTimeout  time.Duration
	statusTimeout time.Duration
	activeLockTTL time.Duration
	sem           chan struct{}
}

// Config holds service dependencies and settings. Runner, StatusRepo,
// and either Catalog or Bundles are required; everything else degrades
// to a smaller deployment when absent.
type Config struct {
	Runner          suite.ProbeRunner
	StatusRepo      *repository.StatusRepository
	History         repository.HistoryRepository
	BreachPublisher repository.BreachEventPublisher
	Bundles         *bundle.Cache
	Archiver        *archive.Builder
	Storage         storage.ObjectStorage
	Cache           cache.Cache
	Metrics         observer.MetricsRecorder
	Hub             *StreamHub
	Queue           mq.MessageQueue
	RunTopic        string
	Catalog         probe.Catalog
	EvidenceBucket  string
	MaxParallel     int
	PoolSize        int
	SuiteTimeout    time.Duration
	StatusTimeout   time.Duration
	// ActiveLockTTL enables the cross-instance single-flight lock when
	// positive. The lock is renewed after every classified probe.
	ActiveLockTTL time.Duration
}

// NewService creates a new verification service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.StatusRepo == nil {
		return nil, fmt.Errorf("status repository is required")
	}
	if cfg.Catalog.Len() == 0 && cfg.Bundles == nil {
		return nil, fmt.Errorf("catalog or bundle cache is required")
	}
	if cfg.ActiveLockTTL > 0 && cfg.Cache == nil {
		return nil, fmt.Errorf("cache client is required for the active-run lock")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observer.NoopMetricsRecorder{}
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Service{
		runner:        cfg.Runner,
		statusRepo:    cfg.StatusRepo,
		history:       cfg.History,
		breachPub:     cfg.BreachPublisher,
		bundles:       cfg.Bundles,
		archiver:      cfg.Archiver,
		storage:       cfg.Storage,
		cache:         cfg.Cache,
		metrics:       cfg.Metrics,
		hub:           cfg.Hub,
		queue:         cfg.Queue,
		runTopic:      cfg.RunTopic,
		catalog:       cfg.Catalog,
		evidenceBkt:   cfg.EvidenceBucket,
		maxParallel:   cfg.MaxParallel,
		suiteTimeout:  cfg.SuiteTimeout,
		statusTimeout: cfg.StatusTimeout,
		activeLockTTL: cfg.ActiveLockTTL,
		sem:           make(chan struct{}, poolSize),
	}, nil
}

// Hub returns the stream hub runs publish to.
func (s *Service) Hub() *StreamHub {
	return s.hub
}

// Submit accepts a run request, records it as pending, and hands it to
// the run topic when a queue is configured or to a background worker
// otherwise. It returns the run ID clients poll or stream against.
func (s *Service) Submit(ctx context.Context, req model.RunRequest) (string, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if err := s.validateRequest(req); err != nil {
		return "", err
	}
	if existing, err := s.statusRepo.Get(ctx, req.RunID); err == nil {
		switch existing.Status {
		case model.StatusPending, model.StatusRunning:
			return "", appErr.New(appErr.RunAlreadyActive).WithMessage("run is already in progress")
		default:
			return "", appErr.New(appErr.RunAlreadyActive).WithMessage("run id was already used")
		}
	}

	pending := model.RunStatusResponse{
		RunID:      req.RunID,
		Status:     model.StatusPending,
		Bundle:     req.Bundle,
		Timestamps: model.Timestamps{ReceivedAt: time.Now().Unix()},
	}
	if err := s.saveStatus(ctx, pending); err != nil {
		return "", err
	}

	if s.queue != nil && s.runTopic != "" {
		payload, err := json.Marshal(req)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.RunCreateFailed, "encode run request failed")
		}
		message := mq.NewMessage(payload)
		message.ID = req.RunID
		if err := s.queue.Publish(ctx, s.runTopic, message); err != nil {
			return "", appErr.Wrapf(err, appErr.RunCreateFailed, "enqueue run failed")
		}
		return req.RunID, nil
	}

	go func() {
		// Detached from the request context; the run outlives the call.
		bg := context.Background()
		if err := s.process(bg, req); err != nil {
			logger.Warn(bg, "background run failed",
				zap.String("run_id", req.RunID), zap.Error(err))
		}
	}()
	return req.RunID, nil
}

// HandleMessage processes one run request from the run topic.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var req model.RunRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if err := s.validateRequest(req); err != nil {
		logger.Warn(ctx, "drop invalid run request", zap.String("run_id", req.RunID), zap.Error(err))
		return nil
	}
	return s.process(ctx, req)
}

func (s *Service) validateRequest(req model.RunRequest) error {
	if req.Bundle == "" && s.catalog.Len() == 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("no default catalog configured, bundle is required")
	}
	if req.Bundle != "" {
		if s.bundles == nil {
			return appErr.New(appErr.InvalidParams).WithMessage("bundle runs are not enabled")
		}
		if req.BundleVersion == "" {
			return appErr.ValidationError("bundle_version", "required when bundle is set")
		}
	}
	if req.Parallel < 0 {
		return appErr.ValidationError("parallel", "must be non-negative")
	}
	return nil
}

// process drives one verification run end to end.
func (s *Service) process(ctx context.Context, req model.RunRequest) error {
	runID := req.RunID
	receivedAt := time.Now().Unix()
	pending := model.RunStatusResponse{
		RunID:      runID,
		Status:     model.StatusPending,
		Bundle:     req.Bundle,
		Timestamps: model.Timestamps{ReceivedAt: receivedAt},
	}
	if err := s.saveStatus(ctx, pending); err != nil {
		return err
	}

	if err := s.acquireSlot(ctx); err != nil {
		return err
	}
	defer s.releaseSlot()

	if s.activeLockTTL > 0 {
		locked, err := s.cache.TryLock(ctx, activeLockKey, s.activeLockTTL)
		if err != nil {
			return appErr.Wrapf(err, appErr.LockFailed, "acquire run lock failed")
		}
		if !locked {
			return appErr.New(appErr.RunAlreadyActive).WithMessage("another verification run is active")
		}
		defer func() {
			_ = s.cache.Unlock(context.WithoutCancel(ctx), activeLockKey)
		}()
	}

	cat, err := s.resolveCatalog(ctx, req)
	if err != nil {
		return s.handleFailure(ctx, runID, receivedAt, err)
	}

	running := pending
	running.Status = model.StatusRunning
	running.Progress = model.Progress{TotalProbes: cat.Len()}
	if err := s.saveStatus(ctx, running); err != nil {
		return err
	}

	parallel := req.Parallel
	if s.maxParallel > 0 && parallel > s.maxParallel {
		parallel = s.maxParallel
	}

	obs := &runObserver{svc: s, runID: runID}
	orch := suite.NewWithObserver(s.runner, suite.Options{Parallel: parallel}, obs)

	ctxRun := context.WithValue(ctx, contextkey.RunID, runID)
	if s.suiteTimeout > 0 {
		var cancel context.CancelFunc
		ctxRun, cancel = context.WithTimeout(ctxRun, s.suiteTimeout)
		defer cancel()
	}
	report, runErr := orch.Execute(ctxRun, cat)
	if runErr != nil && len(report.Verdicts) == 0 {
		return s.handleFailure(ctx, runID, receivedAt, runErr)
	}

	finished := s.buildFinal(req, receivedAt, report, runErr)
	s.attachEvidence(ctx, &finished, report)

	if err := s.finalizeStatus(ctx, finished); err != nil {
		return err
	}
	s.recordHistory(ctx, finished)
	s.publishBreaches(ctx, runID, report.Verdicts)
	s.hub.Publish(runID, model.StreamEvent{
		Type:      model.EventStatus,
		RunID:     runID,
		Status:    &finished,
		CreatedAt: time.Now().Unix(),
	})

	// A cancelled run was recorded as failed with its partial verdicts;
	// surfacing the error lets the queue redeliver after a restart.
	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func (s *Service) buildFinal(req model.RunRequest, receivedAt int64, report result.SuiteReport, runErr error) model.RunStatusResponse {
	finished := model.RunStatusResponse{
		RunID:          report.RunID,
		Status:         model.StatusFinished,
		Bundle:         req.Bundle,
		Totals:         report.Totals,
		ByCategory:     report.ByCategory,
		Verdicts:       report.Verdicts,
		CapabilityGaps: report.CapabilityGaps,
		Degraded:       report.Degraded,
		Timestamps: model.Timestamps{
			ReceivedAt: receivedAt,
			FinishedAt: time.Now().Unix(),
		},
		Progress: model.Progress{
			TotalProbes: len(report.Verdicts),
			DoneProbes:  len(report.Verdicts),
		},
	}
	if runErr != nil {
		code := appErr.GetCode(runErr)
		if errors.Is(runErr, context.DeadlineExceeded) {
			code = appErr.Timeout
		}
		finished.Status = model.StatusFailed
		finished.ErrorCode = int(code)
		finished.ErrorMessage = runErr.Error()
	}
	return finished
}

// attachEvidence uploads the evidence archive and stamps its location
// into the status. Archiving is best effort: a failed upload leaves the
// verdicts intact and only costs the archive reference.
func (s *Service) attachEvidence(ctx context.Context, finished *model.RunStatusResponse, report result.SuiteReport) {
	if s.archiver == nil {
		return
	}
	reportJSON, err := json.Marshal(finished)
	if err != nil {
		logger.Warn(ctx, "encode report for evidence failed", zap.Error(err))
		return
	}
	key, digest, err := s.archiver.Build(ctx, finished.RunID, reportJSON, archive.ProbeEntries(report.Results))
	if err != nil {
		logger.Warn(ctx, "archive evidence failed", zap.String("run_id", finished.RunID), zap.Error(err))
		return
	}
	finished.EvidenceKey = key
	finished.EvidenceDigest = digest
}

func (s *Service) recordHistory(ctx context.Context, finished model.RunStatusResponse) {
	if s.history == nil {
		return
	}
	err := s.history.Save(ctx, &finished)
	if err != nil && appErr.GetCode(err) != appErr.RecordAlreadyExists {
		logger.Warn(ctx, "record run failed", zap.String("run_id", finished.RunID), zap.Error(err))
	}
}

func (s *Service) publishBreaches(ctx context.Context, runID string, verdicts []result.Verdict) {
	if s.breachPub == nil {
		return
	}
	for _, v := range verdicts {
		if v.Class != result.Breach {
			continue
		}
		if err := s.breachPub.PublishBreach(ctx, runID, v); err != nil {
			logger.Warn(ctx, "publish breach failed",
				zap.String("run_id", runID), zap.String("probe", v.Probe), zap.Error(err))
		}
	}
}

func (s *Service) resolveCatalog(ctx context.Context, req model.RunRequest) (probe.Catalog, error) {
	base := s.catalog
	if req.Bundle != "" {
		meta := model.BundleMeta{
			Name:    req.Bundle,
			Version: req.BundleVersion,
			Digest:  req.BundleDigest,
		}
		meta.ObjectKey = meta.DefaultObjectKey()
		dir, err := s.bundles.Get(ctx, meta)
		if err != nil {
			return probe.Catalog{}, err
		}
		base, err = probe.LoadAnchored(filepath.Join(dir, bundle.CatalogFileName))
		if err != nil {
			return probe.Catalog{}, err
		}
	}
	if len(req.Probes) == 0 {
		return base, nil
	}

	sub := probe.Catalog{Probes: make([]probe.Descriptor, 0, len(req.Probes))}
	seen := make(map[string]bool, len(req.Probes))
	for _, name := range req.Probes {
		if seen[name] {
			return probe.Catalog{}, appErr.Newf(appErr.ProbeNameDuplicate, "duplicate probe %q", name)
		}
		seen[name] = true
		d, ok := base.Find(name)
		if !ok {
			return probe.Catalog{}, appErr.Newf(appErr.ProbeNotFound, "unknown probe %q", name)
		}
		sub.Probes = append(sub.Probes, d)
	}
	return sub, nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return appErr.New(appErr.RunAlreadyActive).WithMessage("run slots are exhausted")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) saveStatus(ctx context.Context, status model.RunStatusResponse) error {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.statusRepo.Save(ctxStatus, status)
}

func (s *Service) finalizeStatus(ctx context.Context, status model.RunStatusResponse) error {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.statusRepo.SaveFinal(ctxStatus, status)
}

func (s *Service) handleFailure(ctx context.Context, runID string, receivedAt int64, err error) error {
	code := appErr.GetCode(err)
	failed := model.RunStatusResponse{
		RunID:        runID,
		Status:       model.StatusFailed,
		ErrorCode:    int(code),
		ErrorMessage: err.Error(),
		Timestamps: model.Timestamps{
			ReceivedAt: receivedAt,
			FinishedAt: time.Now().Unix(),
		},
	}
	if saveErr := s.finalizeStatus(ctx, failed); saveErr != nil {
		logger.Warn(ctx, "update failure status failed", zap.Error(saveErr))
	}
	s.hub.Publish(runID, model.StreamEvent{
		Type:      model.EventStatus,
		RunID:     runID,
		Status:    &failed,
		CreatedAt: time.Now().Unix(),
	})
	// Malformed requests are terminal; retrying cannot fix them.
	switch code {
	case appErr.InvalidParams, appErr.ValidationFailed, appErr.ProbeNotFound,
		appErr.ProbeNameDuplicate, appErr.CatalogEmpty, appErr.CatalogParseFailed,
		appErr.BundleDigestMismatch:
		return nil
	}
	return err
}

// runObserver forwards each classified probe to the metrics recorder,
// the live verdict hash, and the stream hub while the suite is running.
type runObserver struct {
	svc   *Service
	runID string
}

func (o *runObserver) ObserveProbe(ctx context.Context, probeName string, category string, classification string, evidence string, wallMs int64) {
	o.svc.metrics.ObserveProbe(ctx, probeName, category, classification, evidence, wallMs)

	v := result.Verdict{
		Probe:    probeName,
		Category: probe.Category(category),
		Class:    result.Classification(classification),
		Evidence: evidence,
	}
	if err := o.svc.statusRepo.SaveLiveVerdict(ctx, o.runID, v); err != nil {
		logger.Warn(ctx, "save live verdict failed", zap.Error(err))
	}
	if o.svc.activeLockTTL > 0 {
		_ = o.svc.cache.ExtendLock(ctx, activeLockKey, o.svc.activeLockTTL)
	}
	o.svc.hub.Publish(o.runID, model.StreamEvent{
		Type:      model.EventVerdict,
		RunID:     o.runID,
		Verdict:   &v,
		CreatedAt: time.Now().Unix(),
	})
}

func (o *runObserver) ObserveSuite(ctx context.Context, runID string, contained int, breached int, inconclusive int, durationMs int64, degraded bool) {
	o.svc.metrics.ObserveSuite(ctx, runID, contained, breached, inconclusive, durationMs, degraded)
}
