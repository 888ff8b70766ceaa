package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/common/mq"
	"boundary/internal/common/storage"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/verifier/model"
	"boundary/internal/verifier/repository"
	"boundary/internal/verifier/service"
	pkgerrors "boundary/pkg/errors"
	pkgrepo "boundary/pkg/repository"

	"github.com/alicebob/miniredis/v2"
)

const (
	blockedMarker = "파일 열기 실패 - 접근 차단됨!\n"
	passwdLeak    = "root:x:0:0:root:/root:/bin/bash\ndaemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\n"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	stdout map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, d probe.Descriptor) result.RunResult {
	f.mu.Lock()
	f.calls = append(f.calls, d.Name)
	out, ok := f.stdout[d.Name]
	f.mu.Unlock()
	if !ok {
		out = blockedMarker
	}
	return result.RunResult{
		Probe:    d.Name,
		Category: d.Category,
		ExitCode: 0,
		Stdout:   out,
	}
}

type fakeHistory struct {
	mu       sync.Mutex
	saved    map[string]*model.RunStatusResponse
	reviewed map[string]bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		saved:    make(map[string]*model.RunStatusResponse),
		reviewed: make(map[string]bool),
	}
}

func (f *fakeHistory) Save(ctx context.Context, status *model.RunStatusResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[status.RunID]; ok {
		return pkgerrors.New(pkgerrors.RecordAlreadyExists)
	}
	clone := *status
	f.saved[status.RunID] = &clone
	return nil
}

func (f *fakeHistory) GetByRunID(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.saved[runID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.RunNotFound)
	}
	clone := *status
	return &clone, nil
}

func (f *fakeHistory) List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.RunSummary], error) {
	return pkgrepo.NewPaginationResult([]*model.RunSummary{}, 0, opts), nil
}

func (f *fakeHistory) MarkReviewed(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[runID]; !ok {
		return pkgerrors.New(pkgerrors.RunNotFound)
	}
	f.reviewed[runID] = true
	return nil
}

func (f *fakeHistory) Delete(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[runID]; !ok {
		return pkgerrors.New(pkgerrors.RunNotFound)
	}
	delete(f.saved, runID)
	return nil
}

type fakeBreachPublisher struct {
	mu     sync.Mutex
	events []result.Verdict
}

func (f *fakeBreachPublisher) PublishBreach(ctx context.Context, runID string, v result.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, v)
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published map[string][]*mq.Message
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{published: make(map[string][]*mq.Message)}
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], message)
	return nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], messages...)
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (f *fakeQueue) Start() error                   { return nil }
func (f *fakeQueue) Stop() error                    { return nil }
func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                   { return nil }

type fakeObjectStorage struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeObjectStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	return nil
}

func (f *fakeObjectStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeObjectStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, errors.New("not implemented")
}

func (f *fakeObjectStorage) RemoveObjects(ctx context.Context, bucket string, objectKeys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, objectKeys...)
	return nil
}

func (f *fakeObjectStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo)
	close(ch)
	return ch
}

func (f *fakeObjectStorage) PresignGetObject(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func testCatalog() probe.Catalog {
	names := []struct {
		name string
		cat  probe.Category
	}{
		{"read_passwd", probe.FilesystemEscape},
		{"network_attack", probe.NetworkEgress},
	}
	cat := probe.Catalog{}
	for _, item := range names {
		cat.Probes = append(cat.Probes, probe.Descriptor{
			Name:     item.name,
			Category: item.cat,
			Binary:   "/opt/probes/" + item.name,
			Expect:   probe.ExpectBlocked,
			Ceilings: probe.DefaultCeilings(item.cat),
		})
	}
	return cat
}

type serviceFixture struct {
	svc        *service.Service
	runner     *fakeRunner
	history    *fakeHistory
	breaches   *fakeBreachPublisher
	statusRepo *repository.StatusRepository
	redis      *miniredis.Miniredis
	cache      *cache.RedisCache
}

func newFixture(t *testing.T, mutate func(*service.Config)) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("init redis cache failed: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })

	fx := &serviceFixture{
		runner:     &fakeRunner{stdout: make(map[string]string)},
		history:    newFakeHistory(),
		breaches:   &fakeBreachPublisher{},
		statusRepo: repository.NewStatusRepository(redisCache, time.Minute),
		redis:      mr,
		cache:      redisCache,
	}
	cfg := service.Config{
		Runner:          fx.runner,
		StatusRepo:      fx.statusRepo,
		History:         fx.history,
		BreachPublisher: fx.breaches,
		Cache:           redisCache,
		Catalog:         testCatalog(),
		PoolSize:        2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("init service failed: %v", err)
	}
	fx.svc = svc
	return fx
}

func runMessage(t *testing.T, fx *serviceFixture, req model.RunRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request failed: %v", err)
	}
	if err := fx.svc.HandleMessage(context.Background(), &mq.Message{ID: req.RunID, Body: payload}); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}
}

func TestSubmitEnqueuesWhenQueueConfigured(t *testing.T) {
	queue := newFakeQueue()
	fx := newFixture(t, func(cfg *service.Config) {
		cfg.Queue = queue
		cfg.RunTopic = "verify.runs"
	})

	runID, err := fx.svc.Submit(context.Background(), model.RunRequest{Probes: []string{"read_passwd"}})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if runID == "" {
		t.Fatalf("expected generated run id")
	}

	status, err := fx.svc.GetStatus(context.Background(), runID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", status.Status)
	}

	queued := queue.published["verify.runs"]
	if len(queued) != 1 || queued[0].ID != runID {
		t.Fatalf("expected one queued message for %s, got %+v", runID, queued)
	}
	if len(fx.runner.calls) != 0 {
		t.Fatalf("runner must not execute on the submit path, ran %v", fx.runner.calls)
	}
}

func TestSubmitRejectsDuplicateRunID(t *testing.T) {
	queue := newFakeQueue()
	fx := newFixture(t, func(cfg *service.Config) {
		cfg.Queue = queue
		cfg.RunTopic = "verify.runs"
	})
	ctx := context.Background()

	if err := fx.statusRepo.Save(ctx, model.RunStatusResponse{RunID: "run-1", Status: model.StatusRunning}); err != nil {
		t.Fatalf("seed status failed: %v", err)
	}

	_, err := fx.svc.Submit(ctx, model.RunRequest{RunID: "run-1"})
	if pkgerrors.GetCode(err) != pkgerrors.RunAlreadyActive {
		t.Fatalf("expected run already active, got %v", err)
	}
}

func TestSubmitRejectsBundleWhenNotEnabled(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.svc.Submit(context.Background(), model.RunRequest{Bundle: "refbox", BundleVersion: "1.0.0"})
	if pkgerrors.GetCode(err) != pkgerrors.InvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestHandleMessageRunsSuiteAndRecords(t *testing.T) {
	fx := newFixture(t, nil)
	fx.runner.stdout["read_passwd"] = passwdLeak

	runMessage(t, fx, model.RunRequest{RunID: "run-1"})

	status, err := fx.svc.GetStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusFinished {
		t.Fatalf("expected finished, got %s", status.Status)
	}
	if status.Totals.Breach != 1 || status.Totals.Contained != 1 {
		t.Fatalf("unexpected totals: %+v", status.Totals)
	}
	if status.Progress.DoneProbes != 2 {
		t.Fatalf("unexpected progress: %+v", status.Progress)
	}

	if _, ok := fx.history.saved["run-1"]; !ok {
		t.Fatalf("expected run recorded in history")
	}
	if len(fx.breaches.events) != 1 || fx.breaches.events[0].Probe != "read_passwd" {
		t.Fatalf("unexpected breach events: %+v", fx.breaches.events)
	}

	stats, err := fx.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalRuns != 1 || stats.TotalBreaches != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.TopProbes) != 1 || stats.TopProbes[0].Probe != "read_passwd" {
		t.Fatalf("unexpected ranking: %+v", stats.TopProbes)
	}
	if len(stats.RecentRuns) != 1 || stats.RecentRuns[0] != "run-1" {
		t.Fatalf("unexpected recent runs: %+v", stats.RecentRuns)
	}
}

func TestHandleMessageSelectsProbeSubset(t *testing.T) {
	fx := newFixture(t, nil)

	runMessage(t, fx, model.RunRequest{RunID: "run-1", Probes: []string{"network_attack"}})

	if len(fx.runner.calls) != 1 || fx.runner.calls[0] != "network_attack" {
		t.Fatalf("expected subset execution, ran %v", fx.runner.calls)
	}
}

func TestHandleMessageUnknownProbeFailsTerminally(t *testing.T) {
	fx := newFixture(t, nil)

	req := model.RunRequest{RunID: "run-1", Probes: []string{"unknown_probe"}}
	payload, _ := json.Marshal(req)
	err := fx.svc.HandleMessage(context.Background(), &mq.Message{ID: req.RunID, Body: payload})
	if err != nil {
		t.Fatalf("terminal failure must not requeue, got %v", err)
	}

	status, err := fx.svc.GetStatus(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.ErrorCode != int(pkgerrors.ProbeNotFound) {
		t.Fatalf("unexpected error code: %d", status.ErrorCode)
	}
	if len(fx.runner.calls) != 0 {
		t.Fatalf("runner must not execute, ran %v", fx.runner.calls)
	}
}

func TestGetStatusFallsBackToHistory(t *testing.T) {
	fx := newFixture(t, nil)
	archived := &model.RunStatusResponse{RunID: "run-old", Status: model.StatusFinished}
	if err := fx.history.Save(context.Background(), archived); err != nil {
		t.Fatalf("seed history failed: %v", err)
	}

	status, err := fx.svc.GetStatus(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.RunID != "run-old" || status.Status != model.StatusFinished {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestGetStatusEnrichesRunningWithLiveVerdicts(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	running := model.RunStatusResponse{
		RunID:    "run-1",
		Status:   model.StatusRunning,
		Progress: model.Progress{TotalProbes: 2},
	}
	if err := fx.statusRepo.Save(ctx, running); err != nil {
		t.Fatalf("seed status failed: %v", err)
	}
	verdicts := []result.Verdict{
		{Probe: "read_passwd", Category: probe.FilesystemEscape, Class: result.Breach},
		{Probe: "network_attack", Category: probe.NetworkEgress, Class: result.Contained},
	}
	for _, v := range verdicts {
		if err := fx.statusRepo.SaveLiveVerdict(ctx, "run-1", v); err != nil {
			t.Fatalf("seed verdict failed: %v", err)
		}
	}

	status, err := fx.svc.GetStatus(ctx, "run-1")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Progress.DoneProbes != 2 || len(status.Verdicts) != 2 {
		t.Fatalf("expected live enrichment, got %+v", status)
	}
	if status.Verdicts[0].Probe != "network_attack" {
		t.Fatalf("expected verdicts sorted by probe, got %+v", status.Verdicts)
	}
}

func TestAckMarksReviewedAndInvalidatesCache(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	if err := fx.history.Save(ctx, &model.RunStatusResponse{RunID: "run-1", Status: model.StatusFinished}); err != nil {
		t.Fatalf("seed history failed: %v", err)
	}
	cacheKey := repository.ReportCacheKey("run-1")
	if err := fx.cache.Set(ctx, cacheKey, "stale", time.Minute); err != nil {
		t.Fatalf("seed cache failed: %v", err)
	}

	if err := fx.svc.Ack(ctx, "run-1"); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if !fx.history.reviewed["run-1"] {
		t.Fatalf("expected run marked reviewed")
	}
	if fx.redis.Exists(cacheKey) {
		t.Fatalf("expected report cache invalidated")
	}

	if err := fx.svc.Ack(ctx, "missing"); pkgerrors.GetCode(err) != pkgerrors.RunNotFound {
		t.Fatalf("expected run not found, got %v", err)
	}
}

func TestPurgeRemovesRunEverywhere(t *testing.T) {
	objStore := &fakeObjectStorage{}
	fx := newFixture(t, func(cfg *service.Config) {
		cfg.Storage = objStore
		cfg.EvidenceBucket = "verify-evidence"
	})
	ctx := context.Background()

	finished := model.RunStatusResponse{
		RunID:       "run-1",
		Status:      model.StatusFinished,
		EvidenceKey: "evidence/run-1.tar.zst",
	}
	if err := fx.statusRepo.Save(ctx, finished); err != nil {
		t.Fatalf("seed status failed: %v", err)
	}
	if err := fx.history.Save(ctx, &finished); err != nil {
		t.Fatalf("seed history failed: %v", err)
	}

	if err := fx.svc.Purge(ctx, "run-1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if len(objStore.removed) != 1 || objStore.removed[0] != "evidence/run-1.tar.zst" {
		t.Fatalf("expected evidence removed, got %v", objStore.removed)
	}
	if _, ok := fx.history.saved["run-1"]; ok {
		t.Fatalf("expected history row removed")
	}
	if _, err := fx.svc.GetStatus(ctx, "run-1"); pkgerrors.GetCode(err) != pkgerrors.RunNotFound {
		t.Fatalf("expected run not found after purge, got %v", err)
	}
}

func TestPurgeRefusesActiveRun(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	if err := fx.statusRepo.Save(ctx, model.RunStatusResponse{RunID: "run-1", Status: model.StatusRunning}); err != nil {
		t.Fatalf("seed status failed: %v", err)
	}
	if err := fx.svc.Purge(ctx, "run-1"); pkgerrors.GetCode(err) != pkgerrors.RunAlreadyActive {
		t.Fatalf("expected run already active, got %v", err)
	}
}

func TestActiveLockSerializesRuns(t *testing.T) {
	fx := newFixture(t, func(cfg *service.Config) {
		cfg.ActiveLockTTL = time.Minute
	})
	ctx := context.Background()

	// Another instance holds the deployment-wide lock.
	locked, err := fx.cache.TryLock(ctx, "verify:active", time.Minute)
	if err != nil || !locked {
		t.Fatalf("seed lock failed: locked=%v err=%v", locked, err)
	}

	req := model.RunRequest{RunID: "run-1"}
	payload, _ := json.Marshal(req)
	err = fx.svc.HandleMessage(ctx, &mq.Message{ID: req.RunID, Body: payload})
	if pkgerrors.GetCode(err) != pkgerrors.RunAlreadyActive {
		t.Fatalf("expected run already active, got %v", err)
	}
	if len(fx.runner.calls) != 0 {
		t.Fatalf("runner must not execute while locked, ran %v", fx.runner.calls)
	}
}
