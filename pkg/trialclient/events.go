package trialclient

// Analytics event names emitted for every verdict.
const (
	EventTrialGranted      = "trial_granted"
	EventTrialStartBlocked = "trial_start_blocked"
	EventAbuseDetected     = "abuse_detected"
)

// EventSink receives structured analytics events. Implementations must
// tolerate concurrent calls; slow sinks only delay their own goroutine.
type EventSink interface {
	Emit(event string, params map[string]any)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(string, map[string]any) {}

// emit is fire-and-forget: analytics must never block the state machine.
func emit(sink EventSink, event string, params map[string]any) {
	if sink == nil {
		return
	}
	go sink.Emit(event, params)
}
