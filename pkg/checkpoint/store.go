package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store persists checkpoints.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the checkpoint tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Checkpoint{}, &Archived{}, &lockRecord{})
}

// Load returns the checkpoint for syncKey, or nil when there is none.
func (s *Store) Load(ctx context.Context, syncKey string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.db.WithContext(ctx).First(&cp, "sync_key = ?", syncKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &cp, nil
}

// Save writes the checkpoint, creating it if needed.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(cp).Error; err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Archive copies the checkpoint into the archive and deletes it, in one
// transaction.
func (s *Store) Archive(ctx context.Context, cp *Checkpoint) error {
	row := Archived{
		SyncKey:            cp.SyncKey,
		RunID:              cp.RunID,
		State:              cp.State,
		EstablishmentsDone: cp.EstablishmentsDone,
		StudentsPage:       cp.StudentsPage,
		ResponsesPage:      cp.ResponsesPage,
		StatisticsDone:     cp.StatisticsDone,
		Deferred:           cp.Deferred,
		LastError:          cp.LastError,
		ErrorKind:          cp.ErrorKind,
		StartedAt:          cp.StartedAt,
		ArchivedAt:         time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Where("sync_key = ?", cp.SyncKey).Delete(&Checkpoint{}).Error
	})
	if err != nil {
		return fmt.Errorf("archive checkpoint: %w", err)
	}
	return nil
}

// Clear deletes the checkpoint for syncKey. It reports whether one existed.
func (s *Store) Clear(ctx context.Context, syncKey string) (bool, error) {
	result := s.db.WithContext(ctx).Where("sync_key = ?", syncKey).Delete(&Checkpoint{})
	if result.Error != nil {
		return false, fmt.Errorf("clear checkpoint: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// History returns archived checkpoints for syncKey, newest first.
func (s *Store) History(ctx context.Context, syncKey string, limit int) ([]Archived, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []Archived
	err := s.db.WithContext(ctx).Where("sync_key = ?", syncKey).
		Order("archived_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("checkpoint history: %w", err)
	}
	return rows, nil
}
