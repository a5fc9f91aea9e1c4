// Package session provides the stateful core of the verification engine:
// the durable session record, the storage backends that persist it, the
// per-session state machine that serializes event application, and the
// registry that owns all live sessions.
package session

import (
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

// Status is the lifecycle state of a consultation session.
type Status string

const (
	// StatusActive is the initial state; verification is proceeding normally.
	StatusActive Status = "active"
	// StatusSuspicious means the trust score dropped into the suspicious band.
	StatusSuspicious Status = "suspicious"
	// StatusTerminated means escalation closed the session. Terminal.
	StatusTerminated Status = "terminated"
	// StatusCompleted means the session owner ended the session. Terminal.
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further events are accepted in this status.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusCompleted
}

// Record is the durable state of one session. The verification log and
// alert list are append-only; TrustScore is always derived from the last
// W log entries and never set directly by callers.
type Record struct {
	// SessionID is the opaque unique identifier, assigned at creation.
	SessionID string `json:"sessionId"`
	// SubjectID is the identity being continuously verified.
	SubjectID string `json:"subjectId"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// StartTime is when the consultation started.
	StartTime time.Time `json:"startTime"`
	// EndTime is set when the session reaches a terminal status.
	EndTime *time.Time `json:"endTime,omitempty"`
	// VerificationLogs is the append-only event log; insertion order
	// defines the sliding window.
	VerificationLogs []verify.Event `json:"verificationLogs"`
	// Alerts is the append-only alert log.
	Alerts []verify.Alert `json:"alerts"`
	// TrustScore is the fused trust summary in [0,100].
	TrustScore int `json:"overallTrustScore"`
	// RecoveryStreak counts consecutive normal-band events while the
	// session is suspicious; it drives the recovery transition.
	RecoveryStreak int `json:"recoveryStreak,omitempty"`
}

// NewRecord creates an active session record with a starting trust score of 100.
func NewRecord(sessionID, subjectID string) *Record {
	return &Record{
		SessionID:        sessionID,
		SubjectID:        subjectID,
		Status:           StatusActive,
		StartTime:        time.Now().UTC(),
		VerificationLogs: make([]verify.Event, 0),
		Alerts:           make([]verify.Alert, 0),
		TrustScore:       100,
	}
}

// Clone returns a deep copy. The state machine mutates a clone and swaps
// it in only after the durable write succeeds, so a failed persist leaves
// the in-memory record identical to the last durable state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.VerificationLogs = make([]verify.Event, len(r.VerificationLogs))
	copy(cp.VerificationLogs, r.VerificationLogs)
	cp.Alerts = make([]verify.Alert, len(r.Alerts))
	copy(cp.Alerts, r.Alerts)
	if r.EndTime != nil {
		t := *r.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// ListOptions filters session listing.
type ListOptions struct {
	// Status filters by lifecycle state (empty = all).
	Status Status
	// Limit caps the number of results (0 = no cap).
	Limit int
	// Offset skips the first N results.
	Offset int
}
