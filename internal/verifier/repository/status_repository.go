package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/result"
	"boundary/internal/verifier/model"
	appErr "boundary/pkg/errors"
)

const (
	statusKeyPrefix   = "verify:status:"
	liveKeyPrefix     = "verify:live:"
	recentRunsKey     = "verify:runs:recent"
	breachRankKey     = "verify:breach:rank"
	breachCategoryKey = "verify:breach:category"
	runsTotalKey      = "verify:runs:total"
	breachTotalKey    = "verify:breach:total"
)

const (
	recentRunsMax = 100
	breachRankMax = 100
)

// RunStats aggregates cached counters across all runs on this deployment.
type RunStats struct {
	TotalRuns     int64            `json:"total_runs"`
	TotalBreaches int64            `json:"total_breaches"`
	ByCategory    map[string]int64 `json:"by_category"`
}

// StatusRepository handles run status, the live verdict feed and the
// aggregate breach indexes in cache.
type StatusRepository struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns status by run id.
func (r *StatusRepository) Get(ctx context.Context, runID string) (model.RunStatusResponse, error) {
	if runID == "" {
		return model.RunStatusResponse{}, appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return model.RunStatusResponse{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+runID)
	if err != nil || val == "" {
		return model.RunStatusResponse{}, appErr.New(appErr.RunNotFound)
	}
	var resp model.RunStatusResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return model.RunStatusResponse{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return resp, nil
}

// Save persists an intermediate status with the configured TTL.
func (r *StatusRepository) Save(ctx context.Context, status model.RunStatusResponse) error {
	if status.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.RunID, string(data), cache.JitterTTL(r.TTL)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// SaveFinal persists a terminal status and folds the run into the
// aggregate indexes: recent run list, run counters, per-category breach
// tally and the probe breach ranking. The live verdict feed for the run
// is dropped in the same pipeline as the status write.
func (r *StatusRepository) SaveFinal(ctx context.Context, status model.RunStatusResponse) error {
	if status.RunID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}

	ttl := cache.JitterTTL(r.TTL)
	err = r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		pipe.Set(statusKeyPrefix+status.RunID, string(data), ttl)
		pipe.Del(liveKeyPrefix + status.RunID)
		return nil
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store final status failed")
	}

	if err := r.cache.LPush(ctx, recentRunsKey, status.RunID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "push recent run failed")
	}
	if err := r.cache.LTrim(ctx, recentRunsKey, 0, recentRunsMax-1); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "trim recent runs failed")
	}
	if _, err := r.cache.Incr(ctx, runsTotalKey); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "count run failed")
	}

	if status.Totals.Breach == 0 {
		return nil
	}
	if _, err := r.cache.IncrBy(ctx, breachTotalKey, int64(status.Totals.Breach)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "count breaches failed")
	}
	for category, summary := range status.ByCategory {
		if summary.Breach == 0 {
			continue
		}
		if _, err := r.cache.HIncrBy(ctx, breachCategoryKey, string(category), int64(summary.Breach)); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "tally category breaches failed")
		}
	}
	for _, v := range status.Verdicts {
		if v.Class != result.Breach {
			continue
		}
		if _, err := r.cache.ZIncrBy(ctx, breachRankKey, 1, v.Probe); err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rank breaching probe failed")
		}
	}
	return r.capBreachRank(ctx)
}

func (r *StatusRepository) capBreachRank(ctx context.Context) error {
	card, err := r.cache.ZCard(ctx, breachRankKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "size breach ranking failed")
	}
	if card <= breachRankMax {
		return nil
	}
	// Lowest-ranked members go first.
	if err := r.cache.ZRemRangeByRank(ctx, breachRankKey, 0, card-breachRankMax-1); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "cap breach ranking failed")
	}
	return nil
}

// SaveLiveVerdict records one classified probe so stream subscribers
// joining mid-run can catch up.
func (r *StatusRepository) SaveLiveVerdict(ctx context.Context, runID string, v result.Verdict) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict failed: %w", err)
	}
	key := liveKeyPrefix + runID
	if err := r.cache.HSet(ctx, key, v.Probe, string(payload)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store live verdict failed")
	}
	if err := r.cache.Expire(ctx, key, r.TTL); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "expire live feed failed")
	}
	return nil
}

// LiveVerdicts returns the probes classified so far for a run in flight,
// keyed by probe name.
func (r *StatusRepository) LiveVerdicts(ctx context.Context, runID string) (map[string]result.Verdict, error) {
	if runID == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	raw, err := r.cache.HGetAll(ctx, liveKeyPrefix+runID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load live verdicts failed")
	}
	verdicts := make(map[string]result.Verdict, len(raw))
	for name, payload := range raw {
		var v result.Verdict
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode live verdict failed")
		}
		verdicts[name] = v
	}
	return verdicts, nil
}

// Delete removes one run's cached status and live feed.
func (r *StatusRepository) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if err := r.cache.Del(ctx, statusKeyPrefix+runID, liveKeyPrefix+runID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "delete status failed")
	}
	return nil
}

// RecentRuns lists the most recently finished run ids, newest first.
func (r *StatusRepository) RecentRuns(ctx context.Context, limit int) ([]string, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 || limit > recentRunsMax {
		limit = recentRunsMax
	}
	ids, err := r.cache.LRange(ctx, recentRunsKey, 0, int64(limit)-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list recent runs failed")
	}
	return ids, nil
}

// TopBreachingProbes returns probes ranked by accumulated breach count,
// most breaching first.
func (r *StatusRepository) TopBreachingProbes(ctx context.Context, limit int) ([]cache.ZMember, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 || limit > breachRankMax {
		limit = breachRankMax
	}
	members, err := r.cache.ZRevRangeWithScores(ctx, breachRankKey, 0, int64(limit)-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "rank breaching probes failed")
	}
	return members, nil
}

// Stats returns the aggregate run counters.
func (r *StatusRepository) Stats(ctx context.Context) (RunStats, error) {
	if r.cache == nil {
		return RunStats{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	stats := RunStats{ByCategory: make(map[string]int64)}
	stats.TotalRuns = r.counter(ctx, runsTotalKey)
	stats.TotalBreaches = r.counter(ctx, breachTotalKey)
	tally, err := r.cache.HGetAll(ctx, breachCategoryKey)
	if err != nil {
		return RunStats{}, appErr.Wrapf(err, appErr.CacheError, "load category tally failed")
	}
	for category, raw := range tally {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			stats.ByCategory[category] = n
		}
	}
	return stats, nil
}

func (r *StatusRepository) counter(ctx context.Context, key string) int64 {
	raw, err := r.cache.Get(ctx, key)
	if err != nil || raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
