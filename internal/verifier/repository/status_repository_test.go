package repository_test

import (
	"context"
	"testing"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/verifier/model"
	"boundary/internal/verifier/repository"
	pkgerrors "boundary/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

func newStatusRepo(t *testing.T) *repository.StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(mr.Addr())
	if err != nil {
		t.Fatalf("init redis cache failed: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })
	return repository.NewStatusRepository(redisCache, time.Minute)
}

func finishedStatus(runID string) model.RunStatusResponse {
	return model.RunStatusResponse{
		RunID:  runID,
		Status: model.StatusFinished,
		Totals: result.Summary{Contained: 1, Breach: 2, Inconclusive: 0},
		ByCategory: map[probe.Category]result.Summary{
			probe.FilesystemEscape: {Breach: 1},
			probe.NetworkEgress:    {Breach: 1},
			probe.FDExhaustion:     {Contained: 1},
		},
		Verdicts: []result.Verdict{
			{Probe: "read_passwd", Category: probe.FilesystemEscape, Class: result.Breach},
			{Probe: "network_attack", Category: probe.NetworkEgress, Class: result.Breach},
			{Probe: "fd_bomb", Category: probe.FDExhaustion, Class: result.Contained},
		},
		Timestamps: model.Timestamps{ReceivedAt: 100, FinishedAt: 200},
	}
}

func TestStatusRepositorySaveAndGet(t *testing.T) {
	repo := newStatusRepo(t)
	ctx := context.Background()

	status := model.RunStatusResponse{RunID: "run-1", Status: model.StatusRunning}
	if err := repo.Save(ctx, status); err != nil {
		t.Fatalf("save status failed: %v", err)
	}

	got, err := repo.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if got.RunID != "run-1" || got.Status != model.StatusRunning {
		t.Fatalf("unexpected status: %+v", got)
	}

	_, err = repo.Get(ctx, "missing")
	if pkgerrors.GetCode(err) != pkgerrors.RunNotFound {
		t.Fatalf("expected run not found, got %v", err)
	}

	if err := repo.Save(ctx, model.RunStatusResponse{}); err == nil {
		t.Fatalf("expected validation error for empty run id")
	}
}

func TestStatusRepositorySaveFinalFoldsAggregates(t *testing.T) {
	repo := newStatusRepo(t)
	ctx := context.Background()

	if err := repo.SaveLiveVerdict(ctx, "run-1", result.Verdict{Probe: "read_passwd", Class: result.Breach}); err != nil {
		t.Fatalf("save live verdict failed: %v", err)
	}
	if err := repo.SaveFinal(ctx, finishedStatus("run-1")); err != nil {
		t.Fatalf("save final failed: %v", err)
	}

	live, err := repo.LiveVerdicts(ctx, "run-1")
	if err != nil {
		t.Fatalf("live verdicts failed: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected live feed dropped on final save, got %d entries", len(live))
	}

	recent, err := repo.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(recent) != 1 || recent[0] != "run-1" {
		t.Fatalf("unexpected recent runs: %v", recent)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalRuns != 1 {
		t.Fatalf("unexpected total runs: %d", stats.TotalRuns)
	}
	if stats.TotalBreaches != 2 {
		t.Fatalf("unexpected total breaches: %d", stats.TotalBreaches)
	}
	if stats.ByCategory["filesystem_escape"] != 1 || stats.ByCategory["network_egress"] != 1 {
		t.Fatalf("unexpected category tally: %v", stats.ByCategory)
	}

	top, err := repo.TopBreachingProbes(ctx, 10)
	if err != nil {
		t.Fatalf("top breaching probes failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("unexpected ranking size: %d", len(top))
	}
	for _, member := range top {
		if member.Member != "read_passwd" && member.Member != "network_attack" {
			t.Fatalf("unexpected ranked probe: %v", member.Member)
		}
	}
}

func TestStatusRepositoryBreachRankAccumulates(t *testing.T) {
	repo := newStatusRepo(t)
	ctx := context.Background()

	first := finishedStatus("run-1")
	if err := repo.SaveFinal(ctx, first); err != nil {
		t.Fatalf("save final failed: %v", err)
	}
	second := finishedStatus("run-2")
	second.Verdicts = second.Verdicts[:1] // only read_passwd breaches again
	second.Totals = result.Summary{Breach: 1}
	second.ByCategory = map[probe.Category]result.Summary{probe.FilesystemEscape: {Breach: 1}}
	if err := repo.SaveFinal(ctx, second); err != nil {
		t.Fatalf("save final failed: %v", err)
	}

	top, err := repo.TopBreachingProbes(ctx, 1)
	if err != nil {
		t.Fatalf("top breaching probes failed: %v", err)
	}
	if len(top) != 1 || top[0].Member != "read_passwd" || top[0].Score != 2 {
		t.Fatalf("unexpected top probe: %+v", top)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalRuns != 2 || stats.TotalBreaches != 3 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
}

func TestStatusRepositoryLiveFeed(t *testing.T) {
	repo := newStatusRepo(t)
	ctx := context.Background()

	verdicts := []result.Verdict{
		{Probe: "read_passwd", Category: probe.FilesystemEscape, Class: result.Contained, Evidence: "blocked"},
		{Probe: "fd_bomb", Category: probe.FDExhaustion, Class: result.Contained},
	}
	for _, v := range verdicts {
		if err := repo.SaveLiveVerdict(ctx, "run-9", v); err != nil {
			t.Fatalf("save live verdict failed: %v", err)
		}
	}

	live, err := repo.LiveVerdicts(ctx, "run-9")
	if err != nil {
		t.Fatalf("live verdicts failed: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("unexpected live size: %d", len(live))
	}
	if live["read_passwd"].Evidence != "blocked" {
		t.Fatalf("unexpected evidence: %q", live["read_passwd"].Evidence)
	}

	if err := repo.Delete(ctx, "run-9"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, "run-9"); pkgerrors.GetCode(err) != pkgerrors.RunNotFound {
		t.Fatalf("expected run not found after delete, got %v", err)
	}
}
