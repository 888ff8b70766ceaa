package repository

import (
	"context"
	"encoding/json"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/common/db"
	"boundary/internal/verifier/model"
	appErr "boundary/pkg/errors"
	pkgrepo "boundary/pkg/repository"
)

const (
	reportCacheKeyPrefix       = "verify:report:"
	defaultReportCacheTTL      = 30 * time.Minute
	defaultReportCacheEmptyTTL = 5 * time.Minute

	summaryColumns = "run_id, bundle, status, contained, breach, inconclusive, degraded, reviewed, received_at, finished_at"
)

// ReportCacheKey builds the cache key for an archived run report.
func ReportCacheKey(runID string) string {
	return reportCacheKeyPrefix + runID
}

// HistoryRepository persists finished runs for audit and listing. The
// live status of an in-flight run stays in the StatusRepository; rows
// land here exactly once, at the terminal transition.
type HistoryRepository interface {
	Save(ctx context.Context, status *model.RunStatusResponse) error
	GetByRunID(ctx context.Context, runID string) (*model.RunStatusResponse, error)
	List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.RunSummary], error)
	MarkReviewed(ctx context.Context, runID string) error
	Delete(ctx context.Context, runID string) error
}

// MySQLHistoryRepository implements HistoryRepository over MySQL with a
// cache-aside layer for whole-report reads.
type MySQLHistoryRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewHistoryRepository creates a run history repository. cacheClient may
// be nil; report reads then always hit the database.
func NewHistoryRepository(database db.Database, cacheClient cache.Cache) *MySQLHistoryRepository {
	return &MySQLHistoryRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      defaultReportCacheTTL,
		emptyTTL: defaultReportCacheEmptyTTL,
	}
}

// Migrate creates the run history table when it does not exist yet.
func (r *MySQLHistoryRepository) Migrate(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS verification_runs (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		run_id VARCHAR(64) NOT NULL,
		bundle VARCHAR(128) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		contained INT NOT NULL DEFAULT 0,
		breach INT NOT NULL DEFAULT 0,
		inconclusive INT NOT NULL DEFAULT 0,
		degraded TINYINT(1) NOT NULL DEFAULT 0,
		reviewed TINYINT(1) NOT NULL DEFAULT 0,
		evidence_key VARCHAR(255) NOT NULL DEFAULT '',
		evidence_digest VARCHAR(64) NOT NULL DEFAULT '',
		report JSON NOT NULL,
		received_at BIGINT NOT NULL DEFAULT 0,
		finished_at BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		UNIQUE KEY uk_run_id (run_id),
		KEY idx_received_at (received_at),
		KEY idx_breach (breach)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`

	if _, err := db.GetQuerier(r.db, nil).Exec(ctx, schema); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "create verification_runs table failed")
	}
	return nil
}

// Save inserts a finished run. Duplicate run IDs are rejected so a
// replayed run request cannot silently overwrite recorded evidence.
func (r *MySQLHistoryRepository) Save(ctx context.Context, status *model.RunStatusResponse) error {
	if status == nil || status.RunID == "" {
		return appErr.ValidationError("run_id", "run_id is required")
	}

	report, err := json.Marshal(status)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportEncodeFailed, "encode report failed")
	}

	query := `INSERT INTO verification_runs
		(run_id, bundle, status, contained, breach, inconclusive, degraded, reviewed, evidence_key, evidence_digest, report, received_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.GetQuerier(r.db, nil).Exec(ctx, query,
		status.RunID,
		status.Bundle,
		string(status.Status),
		status.Totals.Contained,
		status.Totals.Breach,
		status.Totals.Inconclusive,
		status.Degraded,
		status.Reviewed,
		status.EvidenceKey,
		status.EvidenceDigest,
		report,
		status.Timestamps.ReceivedAt,
		status.Timestamps.FinishedAt,
	)
	if err != nil {
		if _, ok := db.UniqueViolation(err); ok {
			return appErr.Wrapf(err, appErr.RecordAlreadyExists, "run %s already recorded", status.RunID)
		}
		return appErr.Wrapf(err, appErr.RunRecordFailed, "insert run failed")
	}

	r.setReportCache(ctx, status)
	return nil
}

// GetByRunID returns the archived report for a run.
func (r *MySQLHistoryRepository) GetByRunID(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	if runID == "" {
		return nil, appErr.ValidationError("run_id", "run_id is required")
	}

	if r.cache == nil {
		return r.getByRunIDFromDB(ctx, runID)
	}

	status, err := cache.GetWithCached(ctx, r.cache, ReportCacheKey(runID),
		cache.JitterTTL(r.ttl), cache.JitterTTL(r.emptyTTL),
		func(s *model.RunStatusResponse) bool { return s == nil },
		marshalReport,
		unmarshalReport,
		func(ctx context.Context) (*model.RunStatusResponse, error) {
			status, err := r.getByRunIDFromDB(ctx, runID)
			if err != nil {
				// Cache the absence so repeated lookups of unknown runs
				// skip the database.
				if appErr.GetCode(err) == appErr.RunNotFound {
					return nil, nil
				}
				return nil, err
			}
			return status, nil
		})
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, appErr.New(appErr.RunNotFound)
	}
	return status, nil
}

func (r *MySQLHistoryRepository) getByRunIDFromDB(ctx context.Context, runID string) (*model.RunStatusResponse, error) {
	query := "SELECT report FROM verification_runs WHERE run_id = ? LIMIT 1"

	var payload []byte
	err := db.GetQuerier(r.db, nil).QueryRow(ctx, query, runID).Scan(&payload)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.RunNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query run failed")
	}

	var status model.RunStatusResponse
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode report failed")
	}
	return &status, nil
}

// List pages through recorded runs, newest first by default. OrderBy
// accepts a fixed set of columns so caller input never reaches the
// query as raw SQL.
func (r *MySQLHistoryRepository) List(ctx context.Context, opts pkgrepo.ListOptions) (*pkgrepo.PaginationResult[model.RunSummary], error) {
	if err := opts.Validate(); err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams)
	}

	orderColumn := "id"
	orderDesc := true
	switch opts.OrderBy {
	case "", "id":
	case "received_at", "finished_at", "breach":
		orderColumn = opts.OrderBy
		orderDesc = opts.OrderDesc
	default:
		return nil, appErr.ValidationError("order_by", "unsupported sort field: "+opts.OrderBy)
	}
	direction := "ASC"
	if orderDesc {
		direction = "DESC"
	}

	query := "SELECT " + summaryColumns + " FROM verification_runs ORDER BY " + orderColumn + " " + direction + " LIMIT ? OFFSET ?"

	rows, err := db.GetQuerier(r.db, nil).Query(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list runs failed")
	}
	defer rows.Close()

	items := make([]*model.RunSummary, 0, opts.Limit)
	for rows.Next() {
		var s model.RunSummary
		err := rows.Scan(
			&s.RunID,
			&s.Bundle,
			&s.Status,
			&s.Totals.Contained,
			&s.Totals.Breach,
			&s.Totals.Inconclusive,
			&s.Degraded,
			&s.Reviewed,
			&s.ReceivedAt,
			&s.FinishedAt,
		)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan run failed")
		}
		items = append(items, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate runs failed")
	}

	var total int64
	err = db.GetQuerier(r.db, nil).QueryRow(ctx, "SELECT COUNT(*) FROM verification_runs").Scan(&total)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "count runs failed")
	}

	return pkgrepo.NewPaginationResult(items, total, opts), nil
}

// MarkReviewed flags a recorded run as acknowledged by an operator.
func (r *MySQLHistoryRepository) MarkReviewed(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "run_id is required")
	}

	res, err := db.GetQuerier(r.db, nil).Exec(ctx, "UPDATE verification_runs SET reviewed = 1 WHERE run_id = ?", runID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update run failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "rows affected failed")
	}
	if affected == 0 {
		return appErr.New(appErr.RunNotFound)
	}
	return nil
}

// Delete removes a recorded run.
func (r *MySQLHistoryRepository) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.ValidationError("run_id", "run_id is required")
	}

	res, err := db.GetQuerier(r.db, nil).Exec(ctx, "DELETE FROM verification_runs WHERE run_id = ?", runID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "delete run failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "rows affected failed")
	}
	if affected == 0 {
		return appErr.New(appErr.RunNotFound)
	}
	return nil
}

// setReportCache is best effort; a cache write failure never fails the insert.
func (r *MySQLHistoryRepository) setReportCache(ctx context.Context, status *model.RunStatusResponse) {
	if r.cache == nil {
		return
	}
	payload := marshalReport(status)
	if payload == "" {
		return
	}
	_ = r.cache.Set(ctx, ReportCacheKey(status.RunID), payload, cache.JitterTTL(r.ttl))
}

func marshalReport(status *model.RunStatusResponse) string {
	data, err := json.Marshal(status)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalReport(data string) (*model.RunStatusResponse, error) {
	var status model.RunStatusResponse
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

var _ HistoryRepository = (*MySQLHistoryRepository)(nil)
