package trialclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotInitialized is returned when a token is requested before the
	// provider was wired to a platform attestation mechanism.
	ErrNotInitialized = errors.New("attestation provider not initialized")
	// ErrTokenGeneration wraps transport or platform failures while minting.
	ErrTokenGeneration = errors.New("attestation token generation failed")
)

// Attestation token classes. Debug tokens flow through the same pipeline as
// production ones; the server decides whether to accept them.
const (
	TokenClassProduction = "production"
	TokenClassDebug      = "debug"
)

// AttestationToken is an opaque, short-lived proof that the request comes
// from a genuine client. Only the server interprets the value. Tokens are
// never persisted beyond the process lifetime.
type AttestationToken struct {
	Value     string
	ExpiresAt time.Time
	Class     string
}

// Usable reports whether the token can still accompany a call at now,
// leaving a small slack so a token does not expire mid-flight.
func (t AttestationToken) Usable(now time.Time) bool {
	return t.Value != "" && now.Add(5*time.Second).Before(t.ExpiresAt)
}

type AttestationProvider interface {
	// Token returns a usable attestation token, minting a fresh one when the
	// cached token expired or forceRefresh is set.
	Token(ctx context.Context, forceRefresh bool) (AttestationToken, error)
}

// GenerateTokenFunc is the platform hook that actually mints a token.
type GenerateTokenFunc func(ctx context.Context) (AttestationToken, error)

// CachingProvider wraps a platform mint hook and reuses tokens until expiry.
type CachingProvider struct {
	generate GenerateTokenFunc

	mu     sync.Mutex
	cached AttestationToken
	now    func() time.Time
}

func NewCachingProvider(generate GenerateTokenFunc) *CachingProvider {
	return &CachingProvider{
		generate: generate,
		now:      time.Now,
	}
}

func (p *CachingProvider) Token(ctx context.Context, forceRefresh bool) (AttestationToken, error) {
	if p == nil || p.generate == nil {
		return AttestationToken{}, ErrNotInitialized
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !forceRefresh && p.cached.Usable(p.now()) {
		return p.cached, nil
	}

	tok, err := p.generate(ctx)
	if err != nil {
		return AttestationToken{}, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}
	if tok.Value == "" {
		return AttestationToken{}, fmt.Errorf("%w: empty token", ErrTokenGeneration)
	}
	p.cached = tok
	return tok, nil
}

// StaticProvider returns the same token on every call. Test helper.
func StaticProvider(tok AttestationToken) AttestationProvider {
	return staticProvider{tok: tok}
}

type staticProvider struct{ tok AttestationToken }

func (s staticProvider) Token(context.Context, bool) (AttestationToken, error) {
	return s.tok, nil
}
