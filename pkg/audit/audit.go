// Package audit records an append-only trail of engine activity: accepted
// and rejected verification events, raised alerts, and session lifecycle
// transitions. The trail is for forensics; nothing in the engine reads it
// back.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	SessionID string         `json:"session_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Modality  string         `json:"modality,omitempty"`
	Result    string         `json:"result"`
	Score     int            `json:"score,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger is the audit sink consumed by the engine.
type Logger interface {
	Log(entry *Entry)
	Close() error
}

// LogEventAccepted records a successfully applied verification event.
func LogEventAccepted(l Logger, sessionID, subjectID string, ev verify.Event, score int) {
	if l == nil {
		return
	}
	l.Log(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: "verification.accepted",
		SessionID: sessionID,
		SubjectID: subjectID,
		Modality:  string(ev.Modality),
		Result:    "accepted",
		Score:     score,
		Metadata:  map[string]any{"event_id": ev.ID, "confidence": ev.Confidence, "verified": ev.Verified},
	})
}

// LogEventRejected records an event that never touched session state.
func LogEventRejected(l Logger, sessionID string, ev verify.Event, err error) {
	if l == nil {
		return
	}
	l.Log(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: "verification.rejected",
		SessionID: sessionID,
		Modality:  string(ev.Modality),
		Result:    "rejected",
		Error:     err.Error(),
	})
}

// LogAlert records an escalation alert in the same apply that raised it.
func LogAlert(l Logger, sessionID, subjectID string, alert verify.Alert, score int) {
	if l == nil {
		return
	}
	l.Log(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: "alert." + string(alert.Type),
		SessionID: sessionID,
		SubjectID: subjectID,
		Result:    string(alert.Severity),
		Score:     score,
		Metadata:  map[string]any{"alert_id": alert.ID, "message": alert.Message},
	})
}

// LogLifecycle records a session lifecycle operation (start, end, evict).
func LogLifecycle(l Logger, sessionID, subjectID, action, result string) {
	if l == nil {
		return
	}
	l.Log(&Entry{
		Timestamp: time.Now().UTC(),
		EventType: "session." + action,
		SessionID: sessionID,
		SubjectID: subjectID,
		Result:    result,
	})
}

// InMemoryLogger stores entries in memory (for tests).
type InMemoryLogger struct {
	entries []Entry
	mu      sync.RWMutex
}

// NewInMemoryLogger creates a new in-memory audit logger.
func NewInMemoryLogger() *InMemoryLogger {
	return &InMemoryLogger{entries: make([]Entry, 0)}
}

// Log records an entry.
func (l *InMemoryLogger) Log(entry *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, *entry)
}

// Entries returns a copy of all recorded entries.
func (l *InMemoryLogger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Close is a no-op for the in-memory logger.
func (l *InMemoryLogger) Close() error { return nil }

// FileLogger appends entries as JSON lines to a file.
type FileLogger struct {
	f  *os.File
	mu sync.Mutex
}

// NewFileLogger opens (or creates) the audit file in append mode.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileLogger{f: f}, nil
}

// Log appends one JSON line. Encoding failures are dropped silently;
// auditing must never fail the submit path.
func (l *FileLogger) Log(entry *Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.f.Write(append(data, '\n'))
}

// Close flushes and closes the audit file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
