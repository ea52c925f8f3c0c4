package impl

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"trialgate/internal/abuse"
	"trialgate/internal/attestation"
	"trialgate/internal/domain"
	"trialgate/internal/dto"
	"trialgate/internal/observability/metrics"
	"trialgate/internal/store"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("trialgate-test")
	os.Exit(m.Run())
}

// memTx is an in-memory trialTx mimicking the partial unique index on
// (user_id, device_id, trial_type) WHERE is_active.
type memTx struct {
	records map[domain.TrialID]*domain.TrialRecord
}

func newMemTx() *memTx {
	return &memTx{records: map[domain.TrialID]*domain.TrialRecord{}}
}

func (m *memTx) GetActive(_ context.Context, userID domain.UserID, deviceID string, trialType domain.TrialType) (*domain.TrialRecord, error) {
	for _, r := range m.records {
		if r.UserID == userID && r.DeviceID == deviceID && r.TrialType == trialType && r.IsActive {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrRecordNotFound
}

func (m *memTx) Create(_ context.Context, rec *domain.TrialRecord) error {
	if rec.IsActive {
		for _, r := range m.records {
			if r.UserID == rec.UserID && r.DeviceID == rec.DeviceID && r.TrialType == rec.TrialType && r.IsActive {
				return gorm.ErrDuplicatedKey
			}
		}
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memTx) GetByID(_ context.Context, id domain.TrialID) (*domain.TrialRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, store.ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memTx) Deactivate(_ context.Context, id domain.TrialID, at time.Time, reason string) error {
	r, ok := m.records[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	r.IsActive = false
	r.UpdatedAt = at
	if reason != "" {
		r.RevokedAt = &at
		r.RevokeReason = reason
	}
	return nil
}

func (m *memTx) AdvanceUsage(_ context.Context, id domain.TrialID, used int, at time.Time) error {
	r, ok := m.records[id]
	if !ok {
		return store.ErrRecordNotFound
	}
	if used > r.GenerationsUsed {
		r.GenerationsUsed = used
		r.UpdatedAt = at
	}
	return nil
}

type memStore struct{ tx *memTx }

func (m memStore) WithTx(_ context.Context, fn func(tx trialTx) error) error {
	return fn(m.tx)
}

type attestorStub struct {
	err     error
	devices []string
}

func (a *attestorStub) Verify(_ string, deviceID string) (*attestation.Claims, error) {
	a.devices = append(a.devices, deviceID)
	if a.err != nil {
		return nil, a.err
	}
	return &attestation.Claims{Class: string(attestation.ClassProduction), DeviceID: deviceID}, nil
}

type scorerStub struct {
	verdict  domain.AbuseVerdict
	err      error
	scored   int
	observed []string
}

func (s *scorerStub) Score(context.Context, abuse.ScoreInput) (domain.AbuseVerdict, error) {
	s.scored++
	return s.verdict, s.err
}

func (s *scorerStub) Observe(_ context.Context, deviceID string) {
	s.observed = append(s.observed, deviceID)
}

type fixture struct {
	svc    *ValidationServiceImpl
	tx     *memTx
	att    *attestorStub
	scorer *scorerStub
	now    time.Time
}

func newFixture() *fixture {
	tx := newMemTx()
	att := &attestorStub{}
	scorer := &scorerStub{}
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := &ValidationServiceImpl{
		store:    memStore{tx: tx},
		attestor: att,
		engine:   scorer,
		policy:   Policy{TrialDuration: 72 * time.Hour, GenerationsLimit: 25},
		now:      func() time.Time { return now },
	}
	return &fixture{svc: svc, tx: tx, att: att, scorer: scorer, now: now}
}

func startReq(deviceID string) dto.StartTrialRequest {
	return dto.StartTrialRequest{
		DeviceID:         deviceID,
		TrialType:        string(domain.TrialLimited),
		AttestationToken: "tok",
	}
}

func TestStartTrialGrants(t *testing.T) {
	f := newFixture()
	userID := uuid.New()

	res, err := f.svc.StartTrial(context.Background(), userID, startReq("dev-1"), "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if !res.IsValid || !res.IsActive {
		t.Fatalf("result = %+v, want valid active", res)
	}
	if !res.ServerValidated {
		t.Fatal("granted result must be server validated")
	}
	if res.DaysRemaining != 3 {
		t.Fatalf("days remaining = %d, want 3", res.DaysRemaining)
	}
	if res.GenerationsRemaining != 25 {
		t.Fatalf("generations remaining = %d, want 25", res.GenerationsRemaining)
	}
	if got := res.ExpiresAt; got == nil || !got.Equal(f.now.Add(72*time.Hour)) {
		t.Fatalf("expires at = %v, want %v", got, f.now.Add(72*time.Hour))
	}
	if len(f.scorer.observed) != 1 {
		t.Fatalf("observed %d attempts, want 1", len(f.scorer.observed))
	}
}

func TestStartTrialIdempotentSameID(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	ctx := context.Background()

	first, err := f.svc.StartTrial(ctx, userID, startReq("dev-1"), "", "")
	if err != nil {
		t.Fatalf("first StartTrial: %v", err)
	}
	second, err := f.svc.StartTrial(ctx, userID, startReq("dev-1"), "", "")
	if err != nil {
		t.Fatalf("second StartTrial: %v", err)
	}
	if first.TrialID != second.TrialID {
		t.Fatalf("trial ids differ: %s vs %s", first.TrialID, second.TrialID)
	}
	if len(f.tx.records) != 1 {
		t.Fatalf("stored %d records, want 1", len(f.tx.records))
	}
	// Repeat call must not be scored as a fresh start attempt.
	if f.scorer.scored != 1 {
		t.Fatalf("scored %d times, want 1", f.scorer.scored)
	}
	if second.Reason != "trial already active" {
		t.Fatalf("reason = %q", second.Reason)
	}
}

func TestStartTrialDeniedOnAbuse(t *testing.T) {
	f := newFixture()
	f.scorer.verdict = domain.AbuseVerdict{
		IsAbuse:         true,
		Confidence:      0.7,
		MatchedPatterns: []domain.PatternTag{domain.PatternMultiDeviceReuse},
		Reason:          "3 distinct accounts on this device",
	}

	res, err := f.svc.StartTrial(context.Background(), uuid.New(), startReq("dev-1"), "", "")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if res.IsValid || res.IsActive {
		t.Fatalf("denied result = %+v, want invalid", res)
	}
	if !res.AbuseDetected {
		t.Fatal("denial must set abuseDetected")
	}
	if len(res.MatchedPatterns) != 1 || res.MatchedPatterns[0] != "multiDeviceReuse" {
		t.Fatalf("matched patterns = %v", res.MatchedPatterns)
	}
	if len(f.tx.records) != 0 {
		t.Fatal("denied start must not persist a record")
	}
	// Denied attempts still land in the retry window.
	if len(f.scorer.observed) != 1 {
		t.Fatalf("observed %d attempts, want 1", len(f.scorer.observed))
	}
}

func TestStartTrialAttestationRejected(t *testing.T) {
	f := newFixture()
	f.att.err = domain.ErrAttestationInvalid

	_, err := f.svc.StartTrial(context.Background(), uuid.New(), startReq("dev-1"), "", "")
	if !errors.Is(err, domain.ErrAttestationInvalid) {
		t.Fatalf("err = %v, want attestation rejection", err)
	}
	if f.scorer.scored != 0 {
		t.Fatal("rejected request must not be scored")
	}
	if len(f.tx.records) != 0 {
		t.Fatal("rejected request must not persist a record")
	}
}

func TestStartTrialValidation(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	ctx := context.Background()

	if _, err := f.svc.StartTrial(ctx, userID, startReq(""), "", ""); !errors.Is(err, ErrEmptyDeviceID) {
		t.Fatalf("empty device: err = %v", err)
	}
	req := startReq("dev-1")
	req.TrialType = "eternal"
	if _, err := f.svc.StartTrial(ctx, userID, req, "", ""); !errors.Is(err, ErrInvalidTrialType) {
		t.Fatalf("bad type: err = %v", err)
	}
	req = startReq("dev-1")
	req.UserID = uuid.New().String()
	if _, err := f.svc.StartTrial(ctx, userID, req, "", ""); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("foreign user: err = %v", err)
	}
}

func TestStartTrialDuplicateRaceReturnsWinner(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	winner := &domain.TrialRecord{
		ID: uuid.New(), UserID: userID, DeviceID: "dev-1", TrialType: domain.TrialLimited,
		StartDate: f.now, ExpiresAt: f.now.Add(72 * time.Hour), IsActive: true,
		ServerValidated: true, GenerationsLimit: 25,
	}

	// The loser's fast path misses, then its insert hits the unique index.
	calls := 0
	f.svc.store = txHook{tx: f.tx, before: func(tx *memTx) {
		calls++
		if calls == 2 {
			_ = tx.Create(context.Background(), winner)
		}
	}}

	res, err := f.svc.StartTrial(context.Background(), userID, startReq("dev-1"), "", "")
	if err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if res.TrialID != winner.ID.String() {
		t.Fatalf("trial id = %s, want the winner %s", res.TrialID, winner.ID)
	}
	if len(f.tx.records) != 1 {
		t.Fatalf("stored %d records, want 1", len(f.tx.records))
	}
}

// txHook runs a callback before each transaction, simulating a concurrent
// writer sneaking in between the fast path and the insert.
type txHook struct {
	tx     *memTx
	before func(tx *memTx)
}

func (h txHook) WithTx(_ context.Context, fn func(tx trialTx) error) error {
	if h.before != nil {
		h.before(h.tx)
	}
	return fn(h.tx)
}

func validateReq(trialID, deviceID string) dto.ValidateTrialRequest {
	return dto.ValidateTrialRequest{
		TrialID:          trialID,
		DeviceID:         deviceID,
		AttestationToken: "tok",
	}
}

func seedTrial(f *fixture, userID domain.UserID) *domain.TrialRecord {
	rec := &domain.TrialRecord{
		ID: uuid.New(), UserID: userID, DeviceID: "dev-1", TrialType: domain.TrialLimited,
		StartDate: f.now.Add(-24 * time.Hour), ExpiresAt: f.now.Add(48 * time.Hour),
		IsActive: true, ServerValidated: true, GenerationsLimit: 25, GenerationsUsed: 5,
	}
	f.tx.records[rec.ID] = rec
	return rec
}

func TestValidateTrialConfirms(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)

	res, err := f.svc.ValidateTrial(context.Background(), userID, validateReq(rec.ID.String(), "dev-1"), "", "")
	if err != nil {
		t.Fatalf("ValidateTrial: %v", err)
	}
	if !res.IsValid || !res.IsActive {
		t.Fatalf("result = %+v, want valid active", res)
	}
	if res.DaysRemaining != 2 {
		t.Fatalf("days remaining = %d, want 2", res.DaysRemaining)
	}
	if res.GenerationsRemaining != 20 {
		t.Fatalf("generations remaining = %d, want 20", res.GenerationsRemaining)
	}
}

func TestValidateTrialAdvancesUsageNeverRewinds(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)

	req := validateReq(rec.ID.String(), "dev-1")
	req.GenerationsUsed = 9
	res, err := f.svc.ValidateTrial(context.Background(), userID, req, "", "")
	if err != nil {
		t.Fatalf("ValidateTrial: %v", err)
	}
	if res.GenerationsRemaining != 16 {
		t.Fatalf("generations remaining = %d, want 16", res.GenerationsRemaining)
	}

	// A stale lower count must not rewind the authoritative counter.
	req.GenerationsUsed = 2
	res, err = f.svc.ValidateTrial(context.Background(), userID, req, "", "")
	if err != nil {
		t.Fatalf("ValidateTrial: %v", err)
	}
	if res.GenerationsRemaining != 16 {
		t.Fatalf("generations remaining = %d after stale count, want 16", res.GenerationsRemaining)
	}
}

func TestValidateTrialQuotaExhaustionDeactivates(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)

	req := validateReq(rec.ID.String(), "dev-1")
	req.GenerationsUsed = 25
	res, err := f.svc.ValidateTrial(context.Background(), userID, req, "", "")
	if err != nil {
		t.Fatalf("ValidateTrial: %v", err)
	}
	if !res.IsValid || res.IsActive {
		t.Fatalf("result = %+v, want valid but inactive", res)
	}
	if f.tx.records[rec.ID].IsActive {
		t.Fatal("exhausted trial must be deactivated in the store")
	}
	if f.tx.records[rec.ID].RevokedAt != nil {
		t.Fatal("quota exhaustion is not a revocation")
	}
}

func TestValidateTrialRevokesOnAbuse(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)
	f.scorer.verdict = domain.AbuseVerdict{
		IsAbuse:         true,
		Confidence:      0.65,
		MatchedPatterns: []domain.PatternTag{domain.PatternUserRepeat},
		Reason:          "2 prior limited trial(s) for this account",
	}

	res, err := f.svc.ValidateTrial(context.Background(), userID, validateReq(rec.ID.String(), "dev-1"), "", "")
	if err != nil {
		t.Fatalf("ValidateTrial: %v", err)
	}
	if res.IsValid || !res.Revoked || !res.AbuseDetected {
		t.Fatalf("result = %+v, want revoked abuse verdict", res)
	}
	stored := f.tx.records[rec.ID]
	if stored.IsActive || stored.RevokedAt == nil {
		t.Fatalf("stored record = %+v, want revoked", stored)
	}

	// The revocation is sticky on the next validation.
	f.scorer.verdict = domain.AbuseVerdict{}
	res, err = f.svc.ValidateTrial(context.Background(), userID, validateReq(rec.ID.String(), "dev-1"), "", "")
	if err != nil {
		t.Fatalf("second ValidateTrial: %v", err)
	}
	if !res.Revoked || !res.AbuseDetected {
		t.Fatalf("result = %+v, want sticky revocation", res)
	}
}

// recordHistory reads abuse history straight off the in-memory records with
// the same match and exclusion semantics as the gorm store.
type recordHistory struct{ tx *memTx }

func (h recordHistory) DistinctUsersForDevice(_ context.Context, deviceID string, exclude domain.UserID, _ time.Time) ([]domain.UserID, error) {
	seen := map[domain.UserID]bool{}
	for _, r := range h.tx.records {
		if r.DeviceID == deviceID && r.UserID != exclude {
			seen[r.UserID] = true
		}
	}
	out := make([]domain.UserID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func (h recordHistory) CountPriorTrials(_ context.Context, userID domain.UserID, trialType domain.TrialType, exclude domain.TrialID) (int64, error) {
	var n int64
	for _, r := range h.tx.records {
		if r.UserID == userID && r.TrialType == trialType && !r.IsActive && r.ID != exclude {
			n++
		}
	}
	return n, nil
}

type nopAttempts struct{}

func (nopAttempts) LastAttempt(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (nopAttempts) RecordAttempt(context.Context, string, time.Time) error { return nil }

func TestValidateTrialExpiredTwiceIsNotAbuse(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)
	// Out of time: the first validation will deactivate the record.
	f.tx.records[rec.ID].ExpiresAt = f.now.Add(-time.Hour)

	// A real engine over the record set: its only history is this one trial.
	f.svc.engine = abuse.NewEngine(abuse.DefaultConfig(), recordHistory{tx: f.tx}, nopAttempts{})

	first, err := f.svc.ValidateTrial(context.Background(), userID, validateReq(rec.ID.String(), "dev-1"), "", "")
	if err != nil {
		t.Fatalf("first ValidateTrial: %v", err)
	}
	if !first.IsValid || first.IsActive || first.Revoked {
		t.Fatalf("first result = %+v, want expired but not revoked", first)
	}
	if f.tx.records[rec.ID].IsActive {
		t.Fatal("expired trial must be deactivated")
	}

	// The deactivated record must not count as its own "prior trial": a
	// second periodic check is routine, not abuse.
	second, err := f.svc.ValidateTrial(context.Background(), userID, validateReq(rec.ID.String(), "dev-1"), "", "")
	if err != nil {
		t.Fatalf("second ValidateTrial: %v", err)
	}
	if !second.IsValid || second.Revoked || second.AbuseDetected {
		t.Fatalf("second result = %+v, want expired but not revoked", second)
	}
	if f.tx.records[rec.ID].RevokedAt != nil {
		t.Fatalf("record revoked: %q", f.tx.records[rec.ID].RevokeReason)
	}
}

func TestValidateTrialOwnershipChecks(t *testing.T) {
	f := newFixture()
	userID := uuid.New()
	rec := seedTrial(f, userID)
	ctx := context.Background()

	if _, err := f.svc.ValidateTrial(ctx, userID, validateReq(uuid.New().String(), "dev-1"), "", ""); !errors.Is(err, domain.ErrTrialNotFound) {
		t.Fatalf("unknown trial: err = %v", err)
	}
	if _, err := f.svc.ValidateTrial(ctx, userID, validateReq(rec.ID.String(), "dev-2"), "", ""); !errors.Is(err, domain.ErrDeviceMismatch) {
		t.Fatalf("foreign device: err = %v", err)
	}
	if _, err := f.svc.ValidateTrial(ctx, uuid.New(), validateReq(rec.ID.String(), "dev-1"), "", ""); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("foreign user: err = %v", err)
	}
	if _, err := f.svc.ValidateTrial(ctx, userID, validateReq("not-a-uuid", "dev-1"), "", ""); !errors.Is(err, ErrInvalidTrialID) {
		t.Fatalf("bad trial id: err = %v", err)
	}
}
