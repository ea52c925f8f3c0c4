package trialclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBlocked means the device is terminally blocked client-side; only a
// server-side support action can clear it.
var ErrBlocked = errors.New("device blocked")

type validationAPI interface {
	StartTrial(ctx context.Context, p StartTrialParams) (*TrialValidationResult, error)
	ValidateTrial(ctx context.Context, p ValidateTrialParams) (*TrialValidationResult, error)
}

// MachineConfig wires the state machine's collaborators. Everything is
// injected; the machine owns no globals and is constructed once at process
// start.
type MachineConfig struct {
	API         validationAPI
	Fingerprint *FingerprintGenerator
	Cache       *Cache
	UserID      string
	Events      EventSink
	GracePeriod time.Duration
	Logger      *slog.Logger
	Platform    string
	AppVersion  string
}

// Machine is the entitlement state machine: the single owner of the local
// cache and the only component that talks to the validation client. Current
// gives a fast synchronous answer; StartTrial and CheckEntitlement are the
// asynchronous transition requests; observers subscribe to state changes.
type Machine struct {
	cfg    MachineConfig
	api    validationAPI
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time

	mu      sync.Mutex
	state   EntitlementState
	record  *CachedRecord
	subs    map[int]func(EntitlementState)
	nextSub int
}

// NewMachine loads the cached record and derives the initial state from it.
// A tampered cache is treated as absent, never as a grant.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.API == nil {
		return nil, errors.New("validation API is required")
	}
	if cfg.Fingerprint == nil {
		return nil, errors.New("fingerprint generator is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Machine{
		cfg:    cfg,
		api:    cfg.API,
		logger: cfg.Logger,
		grace:  cfg.GracePeriod,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   map[int]func(EntitlementState){},
	}

	rec, err := cfg.Cache.Load()
	if err != nil {
		if errors.Is(err, ErrCacheTampered) {
			m.logger.Warn("entitlement cache tampered, discarding")
			emit(cfg.Events, EventAbuseDetected, map[string]any{"reason": "local cache tampered"})
			rec = nil
		} else {
			return nil, err
		}
	}
	m.record = rec
	m.state, _ = Reconcile(rec, nil, m.now(), m.grace)
	return m, nil
}

// Current returns the present entitlement state without touching the network.
func (m *Machine) Current() EntitlementState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an observer for state changes and returns its cancel
// function. Observers are called outside the machine's lock.
func (m *Machine) Subscribe(fn func(EntitlementState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// StartTrial requests a new trial grant from the authority. Repeat calls on
// an already-active entitlement return the current state without a network
// round trip; the server-side idempotency covers the racing cases. A
// cancelled or offline call reverts to the pre-call state — a new trial is
// never granted without a server verdict.
func (m *Machine) StartTrial(ctx context.Context, trialType string) (EntitlementState, error) {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseBlocked:
		st := m.state
		m.mu.Unlock()
		return st, ErrBlocked
	case PhaseTrialActive, PhasePremiumActive:
		st := m.state
		m.mu.Unlock()
		return st, nil
	}
	prev := m.state
	pending := EntitlementState{Phase: PhaseTrialPending}
	m.state = pending
	m.mu.Unlock()
	m.notify(pending)

	res, err := m.api.StartTrial(ctx, StartTrialParams{
		UserID:     m.cfg.UserID,
		DeviceID:   m.cfg.Fingerprint.Fingerprint(),
		TrialType:  trialType,
		Simulator:  m.cfg.Fingerprint.Simulator(),
		Platform:   m.cfg.Platform,
		AppVersion: m.cfg.AppVersion,
	})

	m.mu.Lock()
	if err != nil {
		next := prev
		var rej *RejectionError
		if errors.As(err, &rej) {
			// Server refused the request itself (auth, attestation,
			// malformed) — the pending grant resolves to none.
			next = EntitlementState{Phase: PhaseNone, Reason: rej.Reason}
			emit(m.cfg.Events, EventTrialStartBlocked, map[string]any{"reason": rej.Reason})
		}
		m.state = next
		m.mu.Unlock()
		m.notify(next)
		return next, err
	}

	now := m.now()
	st, rec := Reconcile(m.record, res, now, m.grace)

	if res.AbuseDetected {
		params := map[string]any{"reason": res.Reason, "patterns": res.MatchedPatterns}
		emit(m.cfg.Events, EventAbuseDetected, params)
		emit(m.cfg.Events, EventTrialStartBlocked, params)
	} else if st.Phase == PhaseTrialActive {
		emit(m.cfg.Events, EventTrialGranted, map[string]any{
			"trial_id": res.TrialID, "trial_type": res.TrialType,
		})
	}

	m.commitLocked(st, rec)
	m.mu.Unlock()
	m.notify(st)
	return st, nil
}

// CheckEntitlement revalidates the cached trial against the authority and
// reconciles the verdict. While offline the cached state is honored inside
// the grace period and downgraded past it; offline degradation is a resolved
// outcome, not an error.
func (m *Machine) CheckEntitlement(ctx context.Context) (EntitlementState, error) {
	m.mu.Lock()
	if m.state.Phase == PhaseBlocked || m.state.Phase == PhasePremiumActive {
		st := m.state
		m.mu.Unlock()
		return st, nil
	}
	rec := m.record
	if rec == nil || rec.TrialID == "" {
		st := m.state
		m.mu.Unlock()
		return st, nil
	}
	params := ValidateTrialParams{
		TrialID:         rec.TrialID,
		DeviceID:        m.cfg.Fingerprint.Fingerprint(),
		Simulator:       m.cfg.Fingerprint.Simulator(),
		GenerationsUsed: rec.GenerationsUsed,
	}
	m.mu.Unlock()

	res, err := m.api.ValidateTrial(ctx, params)

	m.mu.Lock()
	now := m.now()
	if err != nil {
		if IsOffline(err) {
			st, _ := Reconcile(m.record, nil, now, m.grace)
			m.state = st
			m.mu.Unlock()
			m.notify(st)
			return st, nil
		}
		var rej *RejectionError
		if errors.As(err, &rej) && rej.Status == 404 {
			// The record no longer exists server-side; the cache is stale.
			if cerr := m.cfg.Cache.Clear(); cerr != nil {
				m.logger.Warn("clear stale cache", "error", cerr)
			}
			m.record = nil
			st := EntitlementState{Phase: PhaseNone, Reason: rej.Reason}
			m.state = st
			m.mu.Unlock()
			m.notify(st)
			return st, err
		}
		st := m.state
		m.mu.Unlock()
		return st, err
	}

	st, newRec := Reconcile(m.record, res, now, m.grace)
	if res.AbuseDetected {
		emit(m.cfg.Events, EventAbuseDetected, map[string]any{
			"reason": res.Reason, "patterns": res.MatchedPatterns,
		})
	}
	m.commitLocked(st, newRec)
	m.mu.Unlock()
	m.notify(st)
	return st, nil
}

// ApplyPurchase is the hook for the external purchase flow: a confirmed
// purchase promotes the entitlement to premium. Blocked stays blocked.
func (m *Machine) ApplyPurchase(receipt string) EntitlementState {
	m.mu.Lock()
	if m.state.Phase == PhaseBlocked {
		st := m.state
		m.mu.Unlock()
		return st
	}
	rec := m.record
	if rec == nil {
		rec = &CachedRecord{LastValidatedAt: m.now()}
	}
	rec.Premium = true
	rec.PurchaseReceipt = receipt
	st := EntitlementState{Phase: PhasePremiumActive, GenerationsRemaining: -1}
	// The purchase flow is its own authority; persisting here is not a
	// speculative grant.
	if err := m.cfg.Cache.Store(rec); err != nil {
		m.logger.Warn("persist purchase", "error", err)
	}
	m.record = rec
	m.state = st
	m.mu.Unlock()
	m.notify(st)
	return st
}

// ConsumeGeneration optimistically decrements the local usage quota between
// validations. The decrement is speculative and stays in memory; the server
// count wins on the next CheckEntitlement.
func (m *Machine) ConsumeGeneration() (EntitlementState, bool) {
	m.mu.Lock()
	if !m.state.CanGenerate() {
		st := m.state
		m.mu.Unlock()
		return st, false
	}
	if m.record != nil {
		m.record.GenerationsUsed++
		if m.record.GenerationsRemaining > 0 {
			m.record.GenerationsRemaining--
		}
	}
	st := m.state
	if st.GenerationsRemaining > 0 {
		st.GenerationsRemaining--
	}
	if st.GenerationsRemaining == 0 && st.Phase == PhaseTrialActive {
		st.Phase = PhaseTrialExpired
		st.Reason = "generation quota exhausted"
	}
	m.state = st
	m.mu.Unlock()
	m.notify(st)
	return st, true
}

// commitLocked installs the reconciled state and persists the record when the
// reconciliation produced a new server-validated one. The cache is never
// written before a server response.
func (m *Machine) commitLocked(st EntitlementState, rec *CachedRecord) {
	if rec != nil && rec != m.record {
		if m.record != nil && m.record.TrialID == rec.TrialID {
			// Carry the monotonic local usage counter across verdicts.
			if m.record.GenerationsUsed > rec.GenerationsUsed {
				rec.GenerationsUsed = m.record.GenerationsUsed
			}
			rec.Premium = m.record.Premium
			rec.PurchaseReceipt = m.record.PurchaseReceipt
		}
		if rec.ServerValidated {
			if err := m.cfg.Cache.Store(rec); err != nil {
				m.logger.Warn("persist entitlement cache", "error", err)
			}
		}
	}
	m.record = rec
	m.state = st
}

func (m *Machine) notify(st EntitlementState) {
	m.mu.Lock()
	fns := make([]func(EntitlementState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
