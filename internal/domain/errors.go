package domain

import "errors"

var (
	ErrTrialNotFound        = errors.New("trial not found")
	ErrDeviceMismatch       = errors.New("device fingerprint mismatch")
	ErrAttestationInvalid   = errors.New("attestation token invalid")
	ErrAttestationExpired   = errors.New("attestation token expired")
	ErrDebugTokenRejected   = errors.New("debug attestation token rejected")
	ErrIdentityTokenInvalid = errors.New("identity token invalid")
)
