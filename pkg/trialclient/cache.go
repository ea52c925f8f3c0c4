package trialclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/hkdf"
)

const cacheKeyInfo = "trialgate/cache-mac/v1"

// ErrCacheTampered means the persisted record failed its integrity check.
// Callers treat the cache as absent — the restrictive outcome — but can log
// or report the event.
var ErrCacheTampered = errors.New("entitlement cache integrity check failed")

// CachedRecord is the advisory local copy of the server-owned trial record,
// plus the timestamp of the last successful server validation. Its absence is
// equivalent to EntitlementState none.
type CachedRecord struct {
	TrialID              string    `json:"trialId,omitempty"`
	TrialType            string    `json:"trialType,omitempty"`
	StartDate            time.Time `json:"startDate,omitempty"`
	ExpiresAt            time.Time `json:"expiresAt,omitempty"`
	IsActive             bool      `json:"isActive"`
	GenerationsRemaining int       `json:"generationsRemaining"`
	GenerationsUsed      int       `json:"generationsUsed,omitempty"`
	ServerValidated      bool      `json:"serverValidated"`
	Revoked              bool      `json:"revoked,omitempty"`
	RevokeReason         string    `json:"revokeReason,omitempty"`
	Premium              bool      `json:"premium,omitempty"`
	PurchaseReceipt      string    `json:"purchaseReceipt,omitempty"`
	LastValidatedAt      time.Time `json:"lastValidatedAt"`
}

type cacheEnvelope struct {
	Version int             `json:"version"`
	Record  json.RawMessage `json:"record"`
	MAC     string          `json:"mac"`
}

// Cache persists the entitlement record with an HMAC keyed off the device
// fingerprint, so copying the file to another device or editing it in place
// both invalidate it. Only the state machine writes it, and only after a
// successful reconciliation.
type Cache struct {
	path   string
	macKey []byte
}

// NewCache derives the per-device MAC key and prepares the cache directory.
func NewCache(dir, fingerprint string) (*Cache, error) {
	if fingerprint == "" {
		return nil, errors.New("fingerprint is required")
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".trialgate")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(fingerprint), nil, []byte(cacheKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}

	return &Cache{
		path:   filepath.Join(dir, "entitlement.json"),
		macKey: key,
	}, nil
}

// Load returns the cached record, nil when absent, and ErrCacheTampered when
// the integrity check fails.
func (c *Cache) Load() (*CachedRecord, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrCacheTampered
	}
	want, err := hex.DecodeString(env.MAC)
	if err != nil {
		return nil, ErrCacheTampered
	}
	if !hmac.Equal(want, c.mac(env.Record)) {
		return nil, ErrCacheTampered
	}

	var rec CachedRecord
	if err := json.Unmarshal(env.Record, &rec); err != nil {
		return nil, ErrCacheTampered
	}
	return &rec, nil
}

// Store atomically replaces the cached record.
func (c *Cache) Store(rec *CachedRecord) error {
	if rec == nil {
		return c.Clear()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env := cacheEnvelope{
		Version: 1,
		Record:  payload,
		MAC:     hex.EncodeToString(c.mac(payload)),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize cache: %w", err)
	}
	return nil
}

// Clear removes the cached record; a missing file is not an error.
func (c *Cache) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Cache) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, c.macKey)
	m.Write(payload)
	return m.Sum(nil)
}
