// Package attestation issues and verifies the short-lived device attestation
// tokens that accompany every trial validation call. Tokens are Ed25519-signed
// JWTs bound to a device fingerprint and carry an explicit class claim; the
// debug class travels through the same pipeline as production tokens and is
// rejected by the verifier outside dev environments.
package attestation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"trialgate/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

type Class string

const (
	ClassProduction Class = "production"
	ClassDebug      Class = "debug"
)

type Claims struct {
	Class    string `json:"cls"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Signer holds an Ed25519 keypair for minting attestation tokens. In
// production the platform attestation service holds the private key; the
// in-process signer exists for dev setups, the CLI, and tests.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	Issuer  string
}

// NewSigner creates a signer from base64-encoded ed25519 private key bytes.
// An empty key generates an ephemeral pair (good for local dev).
func NewSigner(privB64, issuer string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, priv, _ = ed25519.GenerateKey(rand.Reader)
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
		Issuer:  issuer,
	}, nil
}

// PublicKeyBase64 exposes the matching verification key for configuration.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.public)
}

// PrivateKeyBase64 exports the signing key so a dev setup can hand it to a
// local client. Never log this outside dev.
func (s *Signer) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.private)
}

// Mint issues a token for the given device fingerprint and class.
func (s *Signer) Mint(deviceID string, class Class, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Class:    string(class),
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := t.SignedString(s.private)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verifier checks attestation tokens server-side.
type Verifier struct {
	public     ed25519.PublicKey
	issuer     string
	allowDebug bool
}

// NewVerifier builds a verifier from a base64-encoded ed25519 public key.
// allowDebug must only be true in dev environments.
func NewVerifier(pubB64, issuer string, allowDebug bool) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid ed25519 public key size")
	}
	return &Verifier{public: ed25519.PublicKey(raw), issuer: issuer, allowDebug: allowDebug}, nil
}

// Verify parses the token and binds it to the claimed device fingerprint.
// All failures map onto the domain attestation sentinels so callers surface
// them without retrying.
func (v *Verifier) Verify(tokenStr, deviceID string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	tok, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.public, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrAttestationExpired
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAttestationInvalid, err)
	}
	if !tok.Valid {
		return nil, domain.ErrAttestationInvalid
	}
	if claims.DeviceID != deviceID {
		return nil, domain.ErrDeviceMismatch
	}
	switch Class(claims.Class) {
	case ClassProduction:
	case ClassDebug:
		if !v.allowDebug {
			return nil, domain.ErrDebugTokenRejected
		}
	default:
		return nil, domain.ErrAttestationInvalid
	}
	return claims, nil
}
