// Package verify defines the core domain types for continuous biometric
// verification: modalities, verification events, alerts, and the shared
// error taxonomy. Events are immutable facts produced by comparators and
// owned by a session once accepted.
package verify

import (
	"time"

	"github.com/google/uuid"
)

// Modality identifies one biometric channel.
type Modality string

const (
	// ModalityVoice is voiceprint similarity.
	ModalityVoice Modality = "voice"
	// ModalityKeystroke is typing-rhythm similarity.
	ModalityKeystroke Modality = "keystroke"
	// ModalityMouse is pointer-movement similarity.
	ModalityMouse Modality = "mouse"
	// ModalityCombined is a fused result produced upstream of the engine.
	ModalityCombined Modality = "combined"
)

// Valid reports whether the modality is one of the known channels.
func (m Modality) Valid() bool {
	switch m {
	case ModalityVoice, ModalityKeystroke, ModalityMouse, ModalityCombined:
		return true
	}
	return false
}

// Event is a single verification fact produced by a comparator.
// Events are immutable once created.
type Event struct {
	// ID is the unique event identifier, used for replay deduplication.
	ID string `json:"id"`
	// Modality is the biometric channel that produced this event.
	Modality Modality `json:"modality"`
	// Verified is the comparator's own threshold decision (opaque to the engine).
	Verified bool `json:"verified"`
	// Confidence is the comparator similarity score in [0,1].
	Confidence float64 `json:"confidence"`
	// Timestamp is when the comparator produced the result.
	Timestamp time.Time `json:"timestamp"`
	// Details is an opaque payload kept for audit, never interpreted.
	Details map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a generated ID and UTC timestamp.
func NewEvent(modality Modality, verified bool, confidence float64) Event {
	return Event{
		ID:         uuid.New().String(),
		Modality:   modality,
		Verified:   verified,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// Result is what a comparator returns for a live sample.
type Result struct {
	Verified   bool           `json:"verified"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// Event converts a comparator result into a verification event.
func (r Result) Event(modality Modality) Event {
	ev := NewEvent(modality, r.Verified, r.Confidence)
	ev.Details = r.Details
	return ev
}

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertType names the condition that raised an alert.
type AlertType string

const (
	// AlertLowConfidence flags a single failed comparator check while the
	// overall trust score is still healthy.
	AlertLowConfidence AlertType = "low_confidence"
	// AlertLowTrustScore flags a trust score in the warning or suspicious band.
	AlertLowTrustScore AlertType = "low_trust_score"
	// AlertSessionTerminated flags the critical band; the session is closed.
	AlertSessionTerminated AlertType = "session_terminated"
	// AlertTrustRecovered flags a suspicious session returning to active.
	AlertTrustRecovered AlertType = "trust_recovered"
)

// Alert is an escalation record appended to a session by the state machine.
// Alerts are immutable once created.
type Alert struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      AlertType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewAlert creates an alert with a generated ID and UTC timestamp.
func NewAlert(alertType AlertType, severity Severity, message string) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
	}
}

// ValidateEvent checks an event before it is allowed to touch session state.
// It returns ErrInvalidEvent (wrapped with the reason) for a confidence
// outside [0,1], an unknown modality, or a missing timestamp.
func ValidateEvent(ev Event) error {
	if !ev.Modality.Valid() {
		return invalidEventf("unknown modality %q", ev.Modality)
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return invalidEventf("confidence %v outside [0,1]", ev.Confidence)
	}
	if ev.Timestamp.IsZero() {
		return invalidEventf("missing timestamp")
	}
	return nil
}
