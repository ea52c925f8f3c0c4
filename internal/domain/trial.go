package domain

import "time"

type TrialType string

const (
	TrialLimited   TrialType = "limited"
	TrialUnlimited TrialType = "unlimited"
	TrialFreemium  TrialType = "freemium"
)

// Valid reports whether t is one of the known trial types.
func (t TrialType) Valid() bool {
	switch t {
	case TrialLimited, TrialUnlimited, TrialFreemium:
		return true
	}
	return false
}

// TrialRecord is the entitlement of record. The server owns it; clients only
// ever hold an advisory copy. At most one active record may exist per
// (user_id, device_id, trial_type) — enforced by a partial unique index.
type TrialRecord struct {
	ID               TrialID    `gorm:"type:uuid;primaryKey" json:"trialId"`
	UserID           UserID     `gorm:"type:uuid;index" json:"userId"`
	DeviceID         string     `gorm:"type:text;not null;index" json:"deviceId"` // device fingerprint hash
	TrialType        TrialType  `gorm:"type:text;not null" json:"trialType"`
	StartDate        time.Time  `gorm:"not null" json:"startDate"`
	ExpiresAt        time.Time  `gorm:"not null" json:"expiresAt"`
	IsActive         bool       `gorm:"not null;default:true" json:"isActive"`
	ServerValidated  bool       `gorm:"not null;default:true" json:"serverValidated"`
	AbuseScore       float64    `gorm:"not null;default:0" json:"abuseScore"`
	GenerationsLimit int        `gorm:"not null;default:0" json:"generationsLimit"`
	GenerationsUsed  int        `gorm:"not null;default:0" json:"generationsUsed"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevokeReason     string     `gorm:"type:text" json:"revokeReason,omitempty"`
	CreatedAt        time.Time  `gorm:"not null" json:"createdAt"`
	UpdatedAt        time.Time  `gorm:"not null" json:"updatedAt"`
}

func (TrialRecord) TableName() string { return "trial_records" }

// DaysRemaining rounds up so a trial expiring later today still counts as one day.
func (r *TrialRecord) DaysRemaining(now time.Time) int {
	if !now.Before(r.ExpiresAt) {
		return 0
	}
	d := r.ExpiresAt.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// GenerationsRemaining returns the unused part of the generation quota. A zero
// limit means the quota is not enforced for this trial type.
func (r *TrialRecord) GenerationsRemaining() int {
	if r.GenerationsLimit <= 0 {
		return -1
	}
	rem := r.GenerationsLimit - r.GenerationsUsed
	if rem < 0 {
		return 0
	}
	return rem
}

// Exhausted reports whether the trial is out of time or out of quota.
func (r *TrialRecord) Exhausted(now time.Time) bool {
	if r.DaysRemaining(now) <= 0 {
		return true
	}
	return r.GenerationsLimit > 0 && r.GenerationsUsed >= r.GenerationsLimit
}
