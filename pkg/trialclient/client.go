package trialclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultCallBudget  = 10 * time.Second
	defaultRetryBase   = 1 * time.Second
	defaultRetryFactor = 2
	defaultMaxAttempts = 3
)

var (
	// ErrTimeout means the total call budget elapsed; fall back to cached state.
	ErrTimeout = errors.New("validation call timed out")
	// ErrUnavailable means transport failures or 5xx persisted through retries.
	ErrUnavailable = errors.New("validation authority unreachable")
)

// RejectionError is a terminal 4xx from the authority: authentication or
// attestation was refused, or the request was malformed. Never retried.
type RejectionError struct {
	Status int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("validation rejected (%d): %s", e.Status, e.Reason)
}

// IsOffline reports whether err means the server could not be reached, as
// opposed to the server answering with a rejection.
func IsOffline(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// ClientConfig configures the remote validation client.
type ClientConfig struct {
	BaseURL       string
	IdentityToken func() string // authenticated user identity JWT
	Attestation   AttestationProvider
	HTTPClient    *http.Client
	Logger        *slog.Logger

	// CallBudget caps the whole call including retries. Zero means 10s.
	CallBudget  time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

// Client talks to the validation authority. Retries transient failures with
// exponential backoff inside a fixed call budget, surfaces 4xx immediately,
// and coalesces concurrent identical calls into one request.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	sf   singleflight.Group
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Attestation == nil {
		return nil, errors.New("attestation provider is required")
	}
	if cfg.CallBudget <= 0 {
		cfg.CallBudget = defaultCallBudget
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}, nil
}

// StartTrialParams identifies a trial start request.
type StartTrialParams struct {
	UserID     string
	DeviceID   string
	TrialType  string
	Simulator  bool
	Platform   string
	AppVersion string
}

// ValidateTrialParams identifies a revalidation request.
type ValidateTrialParams struct {
	TrialID         string
	DeviceID        string
	Simulator       bool
	GenerationsUsed int
}

// StartTrial requests a new trial grant. Idempotent server-side; concurrent
// calls for the same (user, device, type) key share one in-flight request.
func (c *Client) StartTrial(ctx context.Context, p StartTrialParams) (*TrialValidationResult, error) {
	key := "start|" + p.UserID + "|" + p.DeviceID + "|" + p.TrialType
	return c.coalesce(ctx, key, func(ctx context.Context, token string) (*TrialValidationResult, error) {
		return c.post(ctx, "/v1/trials/start", startTrialRequest{
			UserID:           p.UserID,
			DeviceID:         p.DeviceID,
			TrialType:        p.TrialType,
			AttestationToken: token,
			Simulator:        p.Simulator,
			Platform:         p.Platform,
			AppVersion:       p.AppVersion,
		})
	})
}

// ValidateTrial reconfirms an existing trial and syncs usage counters.
func (c *Client) ValidateTrial(ctx context.Context, p ValidateTrialParams) (*TrialValidationResult, error) {
	key := "validate|" + p.TrialID + "|" + p.DeviceID
	return c.coalesce(ctx, key, func(ctx context.Context, token string) (*TrialValidationResult, error) {
		return c.post(ctx, "/v1/trials/validate", validateTrialRequest{
			TrialID:          p.TrialID,
			DeviceID:         p.DeviceID,
			AttestationToken: token,
			Simulator:        p.Simulator,
			GenerationsUsed:  p.GenerationsUsed,
		})
	})
}

func (c *Client) coalesce(ctx context.Context, key string, call func(ctx context.Context, token string) (*TrialValidationResult, error)) (*TrialValidationResult, error) {
	v, err, _ := c.sf.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallBudget)
		defer cancel()

		tok, err := c.cfg.Attestation.Token(ctx, false)
		if err != nil {
			return nil, err
		}
		return call(ctx, tok.Value)
	})
	if err != nil {
		return nil, err
	}
	res := *(v.(*TrialValidationResult)) // copy: the result is shared across coalesced callers
	return &res, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*TrialValidationResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	delay := c.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, budgetError(ctx, lastErr)
			case <-time.After(delay):
			}
			delay *= defaultRetryFactor
		}

		res, err := c.doOnce(ctx, path, body)
		if err == nil {
			return res, nil
		}
		var rej *RejectionError
		if errors.As(err, &rej) {
			return nil, err // terminal, never retried
		}
		if ctx.Err() != nil {
			return nil, budgetError(ctx, err)
		}
		lastErr = err
		c.cfg.Logger.Warn("validation call failed, retrying",
			"path", path, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte) (*TrialValidationResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.IdentityToken != nil {
		req.Header.Set("Authorization", "Bearer "+c.cfg.IdentityToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out TrialValidationResult
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &RejectionError{Status: resp.StatusCode, Reason: errorReason(raw, resp.Status)}
	default:
		return nil, fmt.Errorf("server responded %s", resp.Status)
	}
}

func budgetError(ctx context.Context, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	}
	return ctx.Err()
}

func errorReason(raw []byte, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return fallback
}
