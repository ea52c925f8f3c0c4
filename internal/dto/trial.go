package dto

import "time"

type StartTrialRequest struct {
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"` // device fingerprint
	TrialType        string `json:"trialType"`
	AttestationToken string `json:"attestationToken"`
	Simulator        bool   `json:"simulator,omitempty"`
	Platform         string `json:"platform,omitempty"`
	AppVersion       string `json:"appVersion,omitempty"`
}

type ValidateTrialRequest struct {
	TrialID          string `json:"trialId"`
	DeviceID         string `json:"deviceId"`
	AttestationToken string `json:"attestationToken"`
	Simulator        bool   `json:"simulator,omitempty"`
	// GenerationsUsed is the client's optimistic local counter. The server
	// only ever advances its own count, never rewinds it.
	GenerationsUsed int `json:"generationsUsed,omitempty"`
}

// TrialValidationResult is the single verdict shape both endpoints return.
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
