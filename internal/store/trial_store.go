package store

import (
	"context"
	"time"

	"trialgate/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TrialStore struct{ db *gorm.DB }

func (s *Store) Trials() *TrialStore { return &TrialStore{db: s.DB} }

func (t *TrialStore) Create(ctx context.Context, rec *domain.TrialRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(rec).Error
}

func (t *TrialStore) GetByID(ctx context.Context, id domain.TrialID) (*domain.TrialRecord, error) {
	var rec domain.TrialRecord
	if err := t.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetActive returns the single active trial for the idempotency key, if any.
func (t *TrialStore) GetActive(ctx context.Context, userID domain.UserID, deviceID string, trialType domain.TrialType) (*domain.TrialRecord, error) {
	var rec domain.TrialRecord
	err := t.db.WithContext(ctx).
		First(&rec, "user_id = ? AND device_id = ? AND trial_type = ? AND is_active", userID, deviceID, trialType).
		Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DistinctUsersForDevice lists user ids that started any trial from the given
// fingerprint within the rolling window, excluding the requesting user.
func (t *TrialStore) DistinctUsersForDevice(ctx context.Context, deviceID string, exclude domain.UserID, since time.Time) ([]domain.UserID, error) {
	var ids []uuid.UUID
	err := t.db.WithContext(ctx).
		Model(&domain.TrialRecord{}).
		Distinct("user_id").
		Where("device_id = ? AND user_id <> ? AND created_at >= ?", deviceID, exclude, since).
		Pluck("user_id", &ids).
		Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountPriorTrials counts ended trials of the same type for the user, on any
// device. Active trials are excluded; those are the idempotent-return case.
// The exclude id keeps a trial under revalidation from counting itself once
// natural expiry has deactivated it (uuid.Nil excludes nothing).
func (t *TrialStore) CountPriorTrials(ctx context.Context, userID domain.UserID, trialType domain.TrialType, exclude domain.TrialID) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&domain.TrialRecord{}).
		Where("user_id = ? AND trial_type = ? AND NOT is_active AND id <> ?", userID, trialType, exclude).
		Count(&n).
		Error
	return n, err
}

func (t *TrialStore) Deactivate(ctx context.Context, id domain.TrialID, at time.Time, reason string) error {
	updates := map[string]any{
		"is_active":  false,
		"updated_at": at,
	}
	if reason != "" {
		updates["revoked_at"] = at
		updates["revoke_reason"] = reason
	}
	return t.db.WithContext(ctx).
		Model(&domain.TrialRecord{}).
		Where("id = ?", id).
		Updates(updates).
		Error
}

// AdvanceUsage moves the authoritative usage counter forward. It never
// rewinds: a lower client-reported count leaves the row untouched.
func (t *TrialStore) AdvanceUsage(ctx context.Context, id domain.TrialID, used int, at time.Time) error {
	return t.db.WithContext(ctx).
		Model(&domain.TrialRecord{}).
		Where("id = ? AND generations_used < ?", id, used).
		Updates(map[string]any{"generations_used": used, "updated_at": at}).
		Error
}
