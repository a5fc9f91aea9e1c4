// Package trust implements the fusion math for continuous verification:
// a pure aggregator that folds a sliding window of verification events
// into a bounded trust score, and the named escalation bands that map
// scores to alert severities and session status transitions.
package trust

import (
	"math"

	"github.com/veristream-io/veristream/pkg/verify"
)

// DefaultWindowSize is the number of most recent events considered by the
// aggregator when no explicit window size is configured.
const DefaultWindowSize = 10

// Score band thresholds. Scores at or above ThresholdNormal need no action;
// each band below it escalates one step further.
const (
	ThresholdNormal     = 70
	ThresholdWarning    = 60
	ThresholdSuspicious = 50
)

// Band classifies a trust score into one of the escalation bands.
type Band int

const (
	// BandNormal is score >= 70: no alert.
	BandNormal Band = iota
	// BandWarning is 60 <= score < 70: medium alert, status unchanged.
	BandWarning
	// BandSuspicious is 50 <= score < 60: high alert, status becomes suspicious.
	BandSuspicious
	// BandCritical is score < 50: critical alert, session is terminated.
	BandCritical
)

// String returns the band name.
func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandWarning:
		return "warning"
	case BandSuspicious:
		return "suspicious"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Severity returns the alert severity for the band. ok is false for
// BandNormal, which raises no alert.
func (b Band) Severity() (sev verify.Severity, ok bool) {
	switch b {
	case BandWarning:
		return verify.SeverityMedium, true
	case BandSuspicious:
		return verify.SeverityHigh, true
	case BandCritical:
		return verify.SeverityCritical, true
	default:
		return "", false
	}
}

// Classify maps a trust score to its escalation band.
func Classify(score int) Band {
	switch {
	case score >= ThresholdNormal:
		return BandNormal
	case score >= ThresholdWarning:
		return BandWarning
	case score >= ThresholdSuspicious:
		return BandSuspicious
	default:
		return BandCritical
	}
}

// Window returns the last min(w, len(logs)) events in arrival order.
// It returns a view into logs, not a copy.
func Window(logs []verify.Event, w int) []verify.Event {
	if w <= 0 {
		w = DefaultWindowSize
	}
	if len(logs) <= w {
		return logs
	}
	return logs[len(logs)-w:]
}

// Score computes round(100 * mean(confidence)) over the window.
// ok is false for an empty window: no event means no recomputation, so the
// caller keeps its prior score rather than resetting trust during idle
// periods. Score is a pure function of its input and holds no state.
func Score(window []verify.Event) (score int, ok bool) {
	if len(window) == 0 {
		return 0, false
	}

	var sum float64
	for _, ev := range window {
		sum += ev.Confidence
	}

	mean := sum / float64(len(window))
	return int(math.Round(mean * 100)), true
}
