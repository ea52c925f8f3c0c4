package trialclient

import "time"

// DefaultGracePeriod bounds how long a cached, server-validated state is
// honored while the authority is unreachable.
const DefaultGracePeriod = 72 * time.Hour

// Reconcile merges the cached record with a fresh server verdict into the
// entitlement state the UI should see, plus the record to persist (nil means
// leave the cache untouched; a record equal to the input cached pointer means
// no rewrite is needed).
//
// A server-validated fresh verdict always wins over the cache, including when
// it is less favorable — that is what resolves clock skew and local
// tampering. Without a fresh verdict the cache is honored only inside the
// grace period; past it, optimistically-active states downgrade to
// needsRevalidation instead of failing open.
func Reconcile(cached *CachedRecord, fresh *TrialValidationResult, now time.Time, grace time.Duration) (EntitlementState, *CachedRecord) {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	if fresh != nil && fresh.ServerValidated {
		return reconcileFresh(cached, fresh, now)
	}
	return reconcileOffline(cached, now, grace), cached
}

func reconcileFresh(cached *CachedRecord, fresh *TrialValidationResult, now time.Time) (EntitlementState, *CachedRecord) {
	switch {
	case fresh.Revoked:
		rec := recordFromResult(fresh, now)
		return EntitlementState{Phase: PhaseBlocked, Reason: fresh.Reason}, rec

	case fresh.AbuseDetected && !fresh.IsValid:
		// Start denial: no trial exists, nothing is persisted as active.
		return EntitlementState{Phase: PhaseNone, Reason: fresh.Reason}, cached

	case fresh.IsValid && fresh.IsActive:
		rec := recordFromResult(fresh, now)
		return EntitlementState{
			Phase:                PhaseTrialActive,
			DaysRemaining:        fresh.DaysRemaining,
			GenerationsRemaining: fresh.GenerationsRemaining,
			Reason:               fresh.Reason,
		}, rec

	case fresh.IsValid && !fresh.IsActive:
		rec := recordFromResult(fresh, now)
		return EntitlementState{Phase: PhaseTrialExpired, Reason: fresh.Reason}, rec

	default:
		// Invalid without abuse: malformed or unknown trial. Restrictive.
		return EntitlementState{Phase: PhaseNone, Reason: fresh.Reason}, cached
	}
}

func reconcileOffline(cached *CachedRecord, now time.Time, grace time.Duration) EntitlementState {
	if cached == nil {
		return EntitlementState{Phase: PhaseNone}
	}
	if cached.Revoked {
		return EntitlementState{Phase: PhaseBlocked, Reason: cached.RevokeReason}
	}
	if cached.Premium {
		return EntitlementState{Phase: PhasePremiumActive, GenerationsRemaining: -1}
	}
	if !cached.IsActive {
		return EntitlementState{Phase: PhaseTrialExpired}
	}
	if !now.Before(cached.ExpiresAt) {
		// Locally computed expiry while offline.
		return EntitlementState{Phase: PhaseTrialExpired}
	}

	state := EntitlementState{
		Phase:                PhaseTrialActive,
		DaysRemaining:        daysUntil(cached.ExpiresAt, now),
		GenerationsRemaining: cached.GenerationsRemaining,
	}
	if now.Sub(cached.LastValidatedAt) > grace {
		state.NeedsRevalidation = true
		state.Reason = "offline grace period exceeded"
	}
	return state
}

func recordFromResult(fresh *TrialValidationResult, now time.Time) *CachedRecord {
	rec := &CachedRecord{
		TrialID:              fresh.TrialID,
		TrialType:            fresh.TrialType,
		IsActive:             fresh.IsActive,
		GenerationsRemaining: fresh.GenerationsRemaining,
		ServerValidated:      fresh.ServerValidated,
		Revoked:              fresh.Revoked,
		LastValidatedAt:      now,
	}
	if fresh.Revoked {
		rec.RevokeReason = fresh.Reason
	}
	if fresh.StartDate != nil {
		rec.StartDate = *fresh.StartDate
	}
	if fresh.ExpiresAt != nil {
		rec.ExpiresAt = *fresh.ExpiresAt
	}
	return rec
}

func daysUntil(expiry, now time.Time) int {
	if !now.Before(expiry) {
		return 0
	}
	d := expiry.Sub(now)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}
