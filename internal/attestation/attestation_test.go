package attestation

import (
	"errors"
	"testing"
	"time"

	"trialgate/internal/domain"
)

const testIssuer = "http://localhost:8083"

func newPair(t *testing.T, allowDebug bool) (*Signer, *Verifier) {
	t.Helper()
	signer, err := NewSigner("", testIssuer)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := NewVerifier(signer.PublicKeyBase64(), testIssuer, allowDebug)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return signer, verifier
}

func TestVerifyProductionToken(t *testing.T) {
	signer, verifier := newPair(t, false)

	tok, exp, err := signer.Mint("fp-abc", ClassProduction, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry not in the future: %v", exp)
	}

	claims, err := verifier.Verify(tok, "fp-abc")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.DeviceID != "fp-abc" || claims.Class != string(ClassProduction) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestDebugTokenRejectedInProduction(t *testing.T) {
	signer, verifier := newPair(t, false)

	tok, _, err := signer.Mint("fp-abc", ClassDebug, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(tok, "fp-abc"); !errors.Is(err, domain.ErrDebugTokenRejected) {
		t.Fatalf("want ErrDebugTokenRejected, got %v", err)
	}
}

func TestDebugTokenAllowedInDev(t *testing.T) {
	signer, verifier := newPair(t, true)

	tok, _, err := signer.Mint("fp-abc", ClassDebug, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(tok, "fp-abc"); err != nil {
		t.Fatalf("debug token should pass in dev: %v", err)
	}
}

func TestDeviceBinding(t *testing.T) {
	signer, verifier := newPair(t, false)

	tok, _, err := signer.Mint("fp-abc", ClassProduction, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(tok, "fp-other"); !errors.Is(err, domain.ErrDeviceMismatch) {
		t.Fatalf("want ErrDeviceMismatch, got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	signer, verifier := newPair(t, false)

	tok, _, err := signer.Mint("fp-abc", ClassProduction, -time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(tok, "fp-abc"); !errors.Is(err, domain.ErrAttestationExpired) {
		t.Fatalf("want ErrAttestationExpired, got %v", err)
	}
}

func TestForeignSignerRejected(t *testing.T) {
	_, verifier := newPair(t, false)
	other, err := NewSigner("", testIssuer)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	tok, _, err := other.Mint("fp-abc", ClassProduction, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := verifier.Verify(tok, "fp-abc"); !errors.Is(err, domain.ErrAttestationInvalid) {
		t.Fatalf("want ErrAttestationInvalid, got %v", err)
	}
}
