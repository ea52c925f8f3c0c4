package store

import (
	"context"
	"errors"

	"trialgate/internal/domain"

	"gorm.io/gorm"
)

var ErrRecordNotFound = gorm.ErrRecordNotFound

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// Migrate creates the trial_records table plus the partial unique index that
// enforces at most one active trial per (user_id, device_id, trial_type).
// AutoMigrate cannot express partial indexes, so the index is raw SQL.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("nil store")
	}
	if err := s.DB.WithContext(ctx).AutoMigrate(&domain.TrialRecord{}); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trial_records_active_key
		 ON trial_records (user_id, device_id, trial_type)
		 WHERE is_active`,
	).Error
}
