package service

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"boundary/internal/common/cache"
	"boundary/internal/probe"
	"boundary/internal/result"
	"boundary/internal/verifier/model"
	"boundary/internal/verifier/repository"
	appErr "boundary/pkg/errors"
	pkgrepo "boundary/pkg/repository"
	"boundary/pkg/utils/logger"
)

// GetStatus returns the current view of a run. Running statuses are
// enriched with the verdicts classified so far; runs evicted from the
// cache fall back to the history record.
func (s *Service) GetStatus(ctx context.Context, runID string) (model.RunStatusResponse, error) {
	if runID == "" {
		return model.RunStatusResponse{}, appErr.ValidationError("run_id", "run_id is required")
	}
	status, err := s.statusRepo.Get(ctx, runID)
	if err != nil {
		if appErr.GetCode(err) == appErr.RunNotFound && s.history != nil {
			archived, herr := s.history.GetByRunID(ctx, runID)
			if herr != nil {
				return model.RunStatusResponse{}, herr
			}
			return *archived, nil
		}
		return model.RunStatusResponse{}, err
	}

	if status.Status == model.StatusRunning {
		live, lerr := s.statusRepo.LiveVerdicts(ctx, runID)
		if lerr != nil {
			logger.Warn(ctx, "load live verdicts failed", zap.String("run_id", runID), zap.Error(lerr))
		} else if len(live) > 0 {
			verdicts := make([]result.Verdict, 0, len(live))
			for _, v := range live {
				verdicts = append(verdicts, v)
			}
			sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].Probe < verdicts[j].Probe })
			status.Verdicts = verdicts
			status.Progress.DoneProbes = len(verdicts)
		}
	}
	return status, nil
}

// Report returns the archived report for a finished run.
func (s *Service) Report(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	if runID == "" {
		return nil, appErr.ValidationError("run_id", "run_id is required")
	}
	if s.history == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("run history is not configured")
	}
	return s.history.GetByRunID(ctx, runID)
}

// List pages through recorded runs.
func (s *Service) List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.RunSummary], error) {
	if s.history == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("run history is not configured")
	}
	return s.history.List(ctx, opts)
}

// Ack marks a recorded run as reviewed by an operator.
func (s *Service) Ack(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "run_id is required")
	}
	if s.history == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("run history is not configured")
	}
	mark := func(ctx context.Context) error {
		return s.history.MarkReviewed(ctx, runID)
	}
	if s.cache != nil {
		return cache.UpdateCached(ctx, s.cache, repository.ReportCacheKey(runID), mark)
	}
	return mark(ctx)
}

// Purge removes every trace of a finished run: live status, history
// row, report cache, and the evidence archive.
func (s *Service) Purge(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "run_id is required")
	}
	status, err := s.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Status == model.StatusPending || status.Status == model.StatusRunning {
		return appErr.New(appErr.RunAlreadyActive).WithMessage("cannot purge an active run")
	}

	if s.storage != nil && status.EvidenceKey != "" {
		if err := s.storage.RemoveObjects(ctx, s.evidenceBkt, []string{status.EvidenceKey}); err != nil {
			logger.Warn(ctx, "remove evidence failed",
				zap.String("run_id", runID), zap.String("key", status.EvidenceKey), zap.Error(err))
		}
	}
	if err := s.statusRepo.Delete(ctx, runID); err != nil {
		logger.Warn(ctx, "delete run status failed", zap.String("run_id", runID), zap.Error(err))
	}
	if s.history != nil {
		remove := func(ctx context.Context) error {
			return s.history.Delete(ctx, runID)
		}
		if s.cache != nil {
			err = cache.DeleteCached(ctx, s.cache, repository.ReportCacheKey(runID), remove)
		} else {
			err = remove(ctx)
		}
		if err != nil && appErr.GetCode(err) != appErr.RunNotFound {
			return err
		}
	}
	return nil
}

// Stats aggregates run and breach counters.
func (s *Service) Stats(ctx context.Context) (model.StatsResponse, error) {
	stats, err := s.statusRepo.Stats(ctx)
	if err != nil {
		return model.StatsResponse{}, err
	}
	resp := model.StatsResponse{
		TotalRuns:     stats.TotalRuns,
		TotalBreaches: stats.TotalBreaches,
		ByCategory:    stats.ByCategory,
	}

	top, err := s.statusRepo.TopBreachingProbes(ctx, 10)
	if err != nil {
		logger.Warn(ctx, "load breach ranking failed", zap.Error(err))
	}
	for _, member := range top {
		resp.TopProbes = append(resp.TopProbes, model.ProbeBreachCount{
			Probe: member.Member,
			Count: int64(member.Score),
		})
	}

	recent, err := s.statusRepo.RecentRuns(ctx, 20)
	if err != nil {
		logger.Warn(ctx, "load recent runs failed", zap.Error(err))
	}
	resp.RecentRuns = recent
	return resp, nil
}

// Catalog returns the default probe catalog.
func (s *Service) Catalog() (probe.Catalog, error) {
	if s.catalog.Len() == 0 {
		return probe.Catalog{}, appErr.New(appErr.NotFound).WithMessage("no default catalog configured")
	}
	return s.catalog, nil
}
