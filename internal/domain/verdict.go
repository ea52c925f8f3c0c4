package domain

// PatternTag labels one abuse pattern matched while scoring a request.
type PatternTag string

const (
	PatternMultiDeviceReuse PatternTag = "multiDeviceReuse"
	PatternUserRepeat       PatternTag = "userRepeat"
	PatternSimulatorUsage   PatternTag = "simulatorUsage"
	PatternRapidRetry       PatternTag = "rapidRetry"
)

// AbuseVerdict is produced fresh per validation call. It is never cached as
// ground truth beyond the call that produced it; a stale verdict must not
// retroactively un-block a device.
type AbuseVerdict struct {
	IsAbuse         bool         `json:"isAbuse"`
	Confidence      float64      `json:"confidence"`
	MatchedPatterns []PatternTag `json:"matchedPatterns,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// Matched reports whether tag is among the matched patterns.
func (v AbuseVerdict) Matched(tag PatternTag) bool {
	for _, p := range v.MatchedPatterns {
		if p == tag {
			return true
		}
	}
	return false
}
