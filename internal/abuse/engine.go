// Package abuse scores trial requests against the historical record of a
// device fingerprint and a user account. The engine is the server-side
// authority; clients only ever see the resulting verdict.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"trialgate/internal/domain"
)

// TrialHistory is the read contract against accumulated trial records.
type TrialHistory interface {
	DistinctUsersForDevice(ctx context.Context, deviceID string, exclude domain.UserID, since time.Time) ([]domain.UserID, error)
	CountPriorTrials(ctx context.Context, userID domain.UserID, trialType domain.TrialType, exclude domain.TrialID) (int64, error)
}

// AttemptWindow tracks the most recent trial-start attempt per fingerprint.
type AttemptWindow interface {
	LastAttempt(ctx context.Context, deviceID string) (time.Time, bool, error)
	RecordAttempt(ctx context.Context, deviceID string, at time.Time) error
}

// Weights are the per-pattern contributions to the confidence score.
// multiDeviceReuse and userRepeat are conclusive enough to cross the default
// threshold alone; simulatorUsage and rapidRetry only tip a borderline case.
type Weights struct {
	MultiDeviceReuse float64
	UserRepeat       float64
	SimulatorUsage   float64
	RapidRetry       float64
}

func DefaultWeights() Weights {
	return Weights{
		MultiDeviceReuse: 0.70,
		UserRepeat:       0.65,
		SimulatorUsage:   0.20,
		RapidRetry:       0.35,
	}
}

type Config struct {
	Weights          Weights
	Threshold        float64 // confidence at or above which isAbuse is set
	GrayBandLow      float64 // lower edge of the report-only band
	ReuseWindow      time.Duration
	MinRetryInterval time.Duration
	MinDistinctUsers int // prior distinct users on a fingerprint that trips reuse
}

func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		Threshold:        0.6,
		GrayBandLow:      0.4,
		ReuseWindow:      90 * 24 * time.Hour,
		MinRetryInterval: 60 * time.Second,
		MinDistinctUsers: 2,
	}
}

type Engine struct {
	cfg      Config
	history  TrialHistory
	attempts AttemptWindow
	now      func() time.Time
}

func NewEngine(cfg Config, history TrialHistory, attempts AttemptWindow) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.6
	}
	if cfg.GrayBandLow <= 0 || cfg.GrayBandLow >= cfg.Threshold {
		cfg.GrayBandLow = cfg.Threshold * 2 / 3
	}
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = 90 * 24 * time.Hour
	}
	if cfg.MinRetryInterval <= 0 {
		cfg.MinRetryInterval = 60 * time.Second
	}
	if cfg.MinDistinctUsers <= 0 {
		cfg.MinDistinctUsers = 2
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Engine{
		cfg:      cfg,
		history:  history,
		attempts: attempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ScoreInput identifies the request being scored. TrialID is set when the
// request revalidates an existing trial, so that record never counts against
// its own owner; it stays uuid.Nil for start requests.
type ScoreInput struct {
	UserID    domain.UserID
	DeviceID  string
	TrialType domain.TrialType
	TrialID   domain.TrialID
	Simulator bool
}

// Score computes a fresh AbuseVerdict for the request. Store failures degrade
// to the restrictive side for reuse history (the pattern is skipped but the
// error propagates) — the caller decides whether to fail the whole request.
func (e *Engine) Score(ctx context.Context, in ScoreInput) (domain.AbuseVerdict, error) {
	var (
		matched []domain.PatternTag
		sum     float64
		notes   []string
	)

	users, err := e.history.DistinctUsersForDevice(ctx, in.DeviceID, in.UserID, e.now().Add(-e.cfg.ReuseWindow))
	if err != nil {
		return domain.AbuseVerdict{}, fmt.Errorf("reuse history: %w", err)
	}
	if len(users) >= e.cfg.MinDistinctUsers {
		matched = append(matched, domain.PatternMultiDeviceReuse)
		sum += e.cfg.Weights.MultiDeviceReuse
		notes = append(notes, fmt.Sprintf("%d distinct accounts on this device within %s", len(users), e.cfg.ReuseWindow))
	}

	prior, err := e.history.CountPriorTrials(ctx, in.UserID, in.TrialType, in.TrialID)
	if err != nil {
		return domain.AbuseVerdict{}, fmt.Errorf("user history: %w", err)
	}
	if prior > 0 {
		matched = append(matched, domain.PatternUserRepeat)
		sum += e.cfg.Weights.UserRepeat
		notes = append(notes, fmt.Sprintf("%d prior %s trial(s) for this account", prior, in.TrialType))
	}

	if in.Simulator {
		matched = append(matched, domain.PatternSimulatorUsage)
		sum += e.cfg.Weights.SimulatorUsage
		notes = append(notes, "simulator flag set")
	}

	if last, ok, err := e.attempts.LastAttempt(ctx, in.DeviceID); err != nil {
		// The attempt window is advisory; losing redis must not turn every
		// request into a denial.
		slog.Warn("attempt window unavailable", "error", err)
	} else if ok && e.now().Sub(last) < e.cfg.MinRetryInterval {
		matched = append(matched, domain.PatternRapidRetry)
		sum += e.cfg.Weights.RapidRetry
		notes = append(notes, fmt.Sprintf("repeat attempt %s after previous", e.now().Sub(last).Round(time.Second)))
	}

	confidence := sum
	if confidence > 1 {
		confidence = 1
	}

	verdict := domain.AbuseVerdict{
		IsAbuse:         confidence >= e.cfg.Threshold,
		Confidence:      confidence,
		MatchedPatterns: matched,
	}
	switch {
	case verdict.IsAbuse:
		verdict.Reason = strings.Join(notes, "; ")
	case confidence >= e.cfg.GrayBandLow:
		// Borderline: surfaced for review, never auto-blocked.
		verdict.Reason = "review: " + strings.Join(notes, "; ")
	}

	sort.Slice(verdict.MatchedPatterns, func(i, j int) bool {
		return verdict.MatchedPatterns[i] < verdict.MatchedPatterns[j]
	})
	return verdict, nil
}

// Observe records the attempt so the next request from the same fingerprint
// can be checked for rapid retry. Called after Score, win or lose.
func (e *Engine) Observe(ctx context.Context, deviceID string) {
	if err := e.attempts.RecordAttempt(ctx, deviceID, e.now()); err != nil {
		slog.Warn("record attempt failed", "error", err)
	}
}
