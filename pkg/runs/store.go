package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store provides database operations for run reports.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the sync_runs table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Report{})
}

// ListFilter defines filters for listing runs.
type ListFilter struct {
	SyncKey string
	Status  string
}

// Create inserts a new report.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Save writes the whole report.
func (s *Store) Save(ctx context.Context, r *Report) error {
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Get retrieves a report by run id. It returns nil when none exists.
func (s *Store) Get(ctx context.Context, runID string) (*Report, error) {
	var r Report
	if err := s.db.WithContext(ctx).First(&r, "run_id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// List returns reports newest first. The page token is the started_at of
// the last report on the previous page.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Report, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.WithContext(ctx).Model(&Report{})
		if filter.SyncKey != "" {
			q = q.Where("sync_key = ?", filter.SyncKey)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count runs: %w", err)
	}

	query := buildQuery(s.db).Order("started_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("started_at < ?", t)
	}

	var records []Report
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list runs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].StartedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// PreviousCompleted returns the newest completed report for syncKey other
// than runID, or nil.
func (s *Store) PreviousCompleted(ctx context.Context, syncKey, runID string) (*Report, error) {
	var r Report
	err := s.db.WithContext(ctx).
		Where("sync_key = ? AND status = ? AND run_id <> ?", syncKey, StatusCompleted, runID).
		Order("started_at DESC").First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("previous run: %w", err)
	}
	return &r, nil
}

// MarkAbandoned transitions running reports for syncKey to interrupted.
// It is called while holding the run lock, so any report still running
// belongs to a process that died.
func (s *Store) MarkAbandoned(ctx context.Context, syncKey string) (int64, error) {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Report{}).
		Where("sync_key = ? AND status = ?", syncKey, StatusRunning).
		Updates(map[string]any{
			"status":        StatusInterrupted,
			"completed_at":  now,
			"error_message": "abandoned by a process that stopped without finishing",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("mark abandoned runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes finished reports that completed before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]Status{StatusCompleted, StatusFailed, StatusInterrupted}, cutoff).
		Delete(&Report{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
