package impl

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"trialgate/internal/abuse"
	"trialgate/internal/attestation"
	"trialgate/internal/domain"
	"trialgate/internal/dto"
	"trialgate/internal/netutil"
	"trialgate/internal/observability/metrics"
	"trialgate/internal/observability/middleware"
	"trialgate/internal/service"
	"trialgate/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var _ service.ValidationService = (*ValidationServiceImpl)(nil)

// Policy holds the per-grant trial parameters.
type Policy struct {
	TrialDuration    time.Duration
	GenerationsLimit int
}

type trialTx interface {
	GetActive(ctx context.Context, userID domain.UserID, deviceID string, trialType domain.TrialType) (*domain.TrialRecord, error)
	Create(ctx context.Context, rec *domain.TrialRecord) error
	GetByID(ctx context.Context, id domain.TrialID) (*domain.TrialRecord, error)
	Deactivate(ctx context.Context, id domain.TrialID, at time.Time, reason string) error
	AdvanceUsage(ctx context.Context, id domain.TrialID, used int, at time.Time) error
}

type dataStore interface {
	WithTx(ctx context.Context, fn func(tx trialTx) error) error
}

type attestor interface {
	Verify(tokenStr, deviceID string) (*attestation.Claims, error)
}

type abuseScorer interface {
	Score(ctx context.Context, in abuse.ScoreInput) (domain.AbuseVerdict, error)
	Observe(ctx context.Context, deviceID string)
}

type ValidationServiceImpl struct {
	store    dataStore
	attestor attestor
	engine   abuseScorer
	policy   Policy
	now      func() time.Time
}

func NewValidationServiceImpl(st *store.Store, att attestor, engine abuseScorer, policy Policy) *ValidationServiceImpl {
	return &ValidationServiceImpl{
		store:    gormStoreAdapter{store: st},
		attestor: att,
		engine:   engine,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type gormStoreAdapter struct{ store *store.Store }

func (g gormStoreAdapter) WithTx(ctx context.Context, fn func(tx trialTx) error) error {
	if g.store == nil {
		return errors.New("nil store")
	}
	return g.store.WithTx(ctx, func(tx *store.Store) error {
		return fn(tx.Trials())
	})
}

// StartTrial grants, denies, or returns the already-active trial for the
// (user, device, trialType) key. Issuing it twice never creates a duplicate.
func (s *ValidationServiceImpl) StartTrial(ctx context.Context, userID domain.UserID, req dto.StartTrialRequest, ip, ua string) (*dto.TrialValidationResult, error) {
	result := "granted"
	defer func() {
		metrics.TrialStartsTotal.WithLabelValues(result).Inc()
	}()

	deviceID := strings.TrimSpace(req.DeviceID)
	trialType := domain.TrialType(req.TrialType)
	if deviceID == "" {
		result = "invalid"
		return nil, ErrEmptyDeviceID
	}
	if !trialType.Valid() {
		result = "invalid"
		return nil, ErrInvalidTrialType
	}
	if req.UserID != "" && req.UserID != userID.String() {
		result = "invalid"
		return nil, ErrUserMismatch
	}

	if _, err := s.attestor.Verify(req.AttestationToken, deviceID); err != nil {
		result = "attestation_rejected"
		metrics.AttestationRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	now := s.now()
	reqID := middleware.RequestIDFromContext(ctx)
	ua = netutil.TruncateUserAgent(ua)

	// The attempt is recorded win or lose so the next call from the same
	// fingerprint sees it in the rapid-retry window.
	defer s.engine.Observe(ctx, deviceID)

	// Idempotent fast path before scoring: a repeat call for an active trial
	// returns its verdict and is not treated as a fresh start attempt.
	var existing *domain.TrialRecord
	err := s.store.WithTx(ctx, func(tx trialTx) error {
		rec, err := tx.GetActive(ctx, userID, deviceID, trialType)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		existing = rec
		return nil
	})
	if err != nil {
		result = "error"
		return nil, err
	}
	if existing != nil {
		slog.Info("startTrial idempotent hit",
			"trial_id", existing.ID, "user_id", userID, "trial_type", trialType, "request_id", reqID)
		res := resultFromRecord(existing, now)
		res.Reason = "trial already active"
		return res, nil
	}

	verdict, err := s.engine.Score(ctx, abuse.ScoreInput{
		UserID:    userID,
		DeviceID:  deviceID,
		TrialType: trialType,
		Simulator: req.Simulator,
	})
	if err != nil {
		result = "error"
		return nil, err
	}
	if verdict.IsAbuse {
		result = "denied_abuse"
		slog.Warn("startTrial denied",
			"user_id", userID, "trial_type", trialType, "confidence", verdict.Confidence,
			"patterns", patternStrings(verdict.MatchedPatterns), "ip", ip, "ua", ua, "request_id", reqID)
		for _, p := range verdict.MatchedPatterns {
			metrics.AbuseVerdictsTotal.WithLabelValues(string(p)).Inc()
		}
		return deniedResult(verdict), nil
	}

	rec := &domain.TrialRecord{
		ID:               uuid.New(),
		UserID:           userID,
		DeviceID:         deviceID,
		TrialType:        trialType,
		StartDate:        now,
		ExpiresAt:        now.Add(s.policy.TrialDuration),
		IsActive:         true,
		ServerValidated:  true,
		AbuseScore:       verdict.Confidence,
		GenerationsLimit: s.policy.GenerationsLimit,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.store.WithTx(ctx, func(tx trialTx) error {
		if err := tx.Create(ctx, rec); err != nil {
			// Concurrent start for the same key: the partial unique index
			// wins the race, so hand back the record that got there first.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				winner, getErr := tx.GetActive(ctx, userID, deviceID, trialType)
				if getErr != nil {
					return getErr
				}
				rec = winner
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		result = "error"
		return nil, err
	}

	slog.Info("trial granted",
		"trial_id", rec.ID, "user_id", userID, "trial_type", trialType,
		"expires_at", rec.ExpiresAt, "confidence", verdict.Confidence, "request_id", reqID)
	res := resultFromRecord(rec, now)
	res.Reason = verdict.Reason
	return res, nil
}

// ValidateTrial reconfirms an existing trial, advances the authoritative
// usage counter, and revokes the record when a revalidation scores as abuse.
func (s *ValidationServiceImpl) ValidateTrial(ctx context.Context, userID domain.UserID, req dto.ValidateTrialRequest, ip, ua string) (*dto.TrialValidationResult, error) {
	result := "confirmed"
	defer func() {
		metrics.TrialValidationsTotal.WithLabelValues(result).Inc()
	}()

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		result = "invalid"
		return nil, ErrEmptyDeviceID
	}
	trialID, err := uuid.Parse(strings.TrimSpace(req.TrialID))
	if err != nil {
		result = "invalid"
		return nil, ErrInvalidTrialID
	}

	if _, err := s.attestor.Verify(req.AttestationToken, deviceID); err != nil {
		result = "attestation_rejected"
		metrics.AttestationRejectionsTotal.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	now := s.now()
	reqID := middleware.RequestIDFromContext(ctx)

	var out *dto.TrialValidationResult
	err = s.store.WithTx(ctx, func(tx trialTx) error {
		rec, err := tx.GetByID(ctx, trialID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return domain.ErrTrialNotFound
			}
			return err
		}
		if rec.DeviceID != deviceID {
			return domain.ErrDeviceMismatch
		}
		if rec.UserID != userID {
			return ErrUserMismatch
		}

		if rec.RevokedAt != nil {
			result = "revoked"
			out = revokedResult(rec)
			return nil
		}

		// Server-authoritative counters; the client's optimistic count only
		// ever advances ours.
		if req.GenerationsUsed > rec.GenerationsUsed {
			if err := tx.AdvanceUsage(ctx, rec.ID, req.GenerationsUsed, now); err != nil {
				return err
			}
			rec.GenerationsUsed = req.GenerationsUsed
		}

		verdict, err := s.engine.Score(ctx, abuse.ScoreInput{
			UserID:    userID,
			DeviceID:  deviceID,
			TrialType: rec.TrialType,
			TrialID:   rec.ID,
			Simulator: req.Simulator,
		})
		if err != nil {
			return err
		}
		if verdict.IsAbuse {
			result = "revoked_abuse"
			reason := "abuse detected on revalidation: " + verdict.Reason
			if err := tx.Deactivate(ctx, rec.ID, now, reason); err != nil {
				return err
			}
			slog.Warn("trial revoked on revalidation",
				"trial_id", rec.ID, "user_id", userID, "confidence", verdict.Confidence,
				"patterns", patternStrings(verdict.MatchedPatterns), "request_id", reqID)
			for _, p := range verdict.MatchedPatterns {
				metrics.AbuseVerdictsTotal.WithLabelValues(string(p)).Inc()
			}
			rec.RevokedAt = &now
			rec.RevokeReason = reason
			out = revokedResult(rec)
			out.MatchedPatterns = patternStrings(verdict.MatchedPatterns)
			return nil
		}

		if rec.IsActive && rec.Exhausted(now) {
			result = "expired"
			if err := tx.Deactivate(ctx, rec.ID, now, ""); err != nil {
				return err
			}
			rec.IsActive = false
		}

		out = resultFromRecord(rec, now)
		return nil
	})
	if err != nil {
		if result == "confirmed" {
			result = "error"
		}
		return nil, err
	}
	return out, nil
}

func resultFromRecord(rec *domain.TrialRecord, now time.Time) *dto.TrialValidationResult {
	start := rec.StartDate
	exp := rec.ExpiresAt
	active := rec.IsActive && !rec.Exhausted(now)
	return &dto.TrialValidationResult{
		IsValid:              true,
		IsActive:             active,
		TrialID:              rec.ID.String(),
		TrialType:            string(rec.TrialType),
		StartDate:            &start,
		ExpiresAt:            &exp,
		DaysRemaining:        rec.DaysRemaining(now),
		GenerationsRemaining: rec.GenerationsRemaining(),
		ServerValidated:      true,
	}
}

func deniedResult(verdict domain.AbuseVerdict) *dto.TrialValidationResult {
	return &dto.TrialValidationResult{
		IsValid:         false,
		IsActive:        false,
		ServerValidated: true,
		AbuseDetected:   true,
		MatchedPatterns: patternStrings(verdict.MatchedPatterns),
		Reason:          verdict.Reason,
	}
}

func revokedResult(rec *domain.TrialRecord) *dto.TrialValidationResult {
	return &dto.TrialValidationResult{
		IsValid:         false,
		IsActive:        false,
		TrialID:         rec.ID.String(),
		TrialType:       string(rec.TrialType),
		ServerValidated: true,
		Revoked:         true,
		AbuseDetected:   strings.HasPrefix(rec.RevokeReason, "abuse"),
		Reason:          rec.RevokeReason,
	}
}

func patternStrings(tags []domain.PatternTag) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrAttestationExpired):
		return "expired"
	case errors.Is(err, domain.ErrDebugTokenRejected):
		return "debug_class"
	case errors.Is(err, domain.ErrDeviceMismatch):
		return "device_mismatch"
	default:
		return "invalid"
	}
}
