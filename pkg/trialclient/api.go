// Package trialclient is the client SDK for the trialgate validation
// authority: device fingerprinting, attestation tokens, the remote validation
// client, and the entitlement state machine with its tamper-resistant local
// cache. UI layers observe entitlement changes through a subscription and
// never talk to the server directly.
package trialclient

import "time"

// Wire types for the /v1/trials endpoints. Kept in sync with the server by
// contract, not by import; the SDK builds against released server versions.

type startTrialRequest struct {
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"`
	TrialType        string `json:"trialType"`
	AttestationToken string `json:"attestationToken"`
	Simulator        bool   `json:"simulator,omitempty"`
	Platform         string `json:"platform,omitempty"`
	AppVersion       string `json:"appVersion,omitempty"`
}

type validateTrialRequest struct {
	TrialID          string `json:"trialId"`
	DeviceID         string `json:"deviceId"`
	AttestationToken string `json:"attestationToken"`
	Simulator        bool   `json:"simulator,omitempty"`
	GenerationsUsed  int    `json:"generationsUsed,omitempty"`
}

// TrialValidationResult is the server's verdict for both start and validate.
type TrialValidationResult struct {
	IsValid              bool       `json:"isValid"`
	IsActive             bool       `json:"isActive"`
	TrialID              string     `json:"trialId,omitempty"`
	TrialType            string     `json:"trialType,omitempty"`
	StartDate            *time.Time `json:"startDate,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	DaysRemaining        int        `json:"daysRemaining"`
	GenerationsRemaining int        `json:"generationsRemaining"`
	ServerValidated      bool       `json:"serverValidated"`
	AbuseDetected        bool       `json:"abuseDetected"`
	Revoked              bool       `json:"revoked,omitempty"`
	MatchedPatterns      []string   `json:"matchedPatterns,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

// Trial types accepted by the authority.
const (
	TrialLimited   = "limited"
	TrialUnlimited = "unlimited"
	TrialFreemium  = "freemium"
)
