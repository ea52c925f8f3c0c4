package trialclient

// Phase is the derived, client-side entitlement phase.
type Phase string

const (
	PhaseNone          Phase = "none"
	PhaseTrialPending  Phase = "trialPending"
	PhaseTrialActive   Phase = "trialActive"
	PhaseTrialExpired  Phase = "trialExpired"
	PhasePremiumActive Phase = "premiumActive"
	PhaseBlocked       Phase = "blocked"
)

// EntitlementState is the view the UI observes. It is rebuilt from the cached
// record and fresh verdicts on every reconciliation; nothing mutates it in
// place.
type EntitlementState struct {
	Phase                Phase
	DaysRemaining        int
	GenerationsRemaining int // -1 when the quota is not enforced

	// NeedsRevalidation marks an optimistically-active state past the
	// offline grace period: privileged actions stay blocked until a server
	// verdict is obtained.
	NeedsRevalidation bool

	Reason string
}

// CanGenerate gates privileged actions (starting a generation).
func (s EntitlementState) CanGenerate() bool {
	switch s.Phase {
	case PhasePremiumActive:
		return true
	case PhaseTrialActive:
		return !s.NeedsRevalidation && s.GenerationsRemaining != 0
	default:
		return false
	}
}
