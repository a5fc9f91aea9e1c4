package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/veristream-io/veristream/pkg/verify"
)

func TestInMemoryLogger(t *testing.T) {
	l := NewInMemoryLogger()
	defer func() { _ = l.Close() }()

	ev := verify.NewEvent(verify.ModalityVoice, true, 0.92)
	LogEventAccepted(l, "sess-1", "patient-7", ev, 92)
	LogEventRejected(l, "sess-1", ev, errors.New("confidence out of range"))

	alert := verify.NewAlert(verify.AlertLowTrustScore, verify.SeverityMedium, "confidence warning: trust score 64")
	LogAlert(l, "sess-1", "patient-7", alert, 64)
	LogLifecycle(l, "sess-1", "patient-7", "end", "completed")

	entries := l.Entries()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}

	if entries[0].EventType != "verification.accepted" || entries[0].Score != 92 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[0].Metadata["event_id"] != ev.ID {
		t.Errorf("entry 0 event_id = %v, want %s", entries[0].Metadata["event_id"], ev.ID)
	}
	if entries[1].Result != "rejected" || entries[1].Error == "" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].EventType != "alert.low_trust_score" || entries[2].Result != "medium" {
		t.Errorf("entry 2 = %+v", entries[2])
	}
	if entries[3].EventType != "session.end" || entries[3].Result != "completed" {
		t.Errorf("entry 3 = %+v", entries[3])
	}
}

func TestNilLoggerSafe(t *testing.T) {
	// Helpers must be no-ops without a configured sink.
	ev := verify.NewEvent(verify.ModalityVoice, true, 0.9)
	LogEventAccepted(nil, "sess-1", "patient-7", ev, 90)
	LogEventRejected(nil, "sess-1", ev, errors.New("boom"))
	LogAlert(nil, "sess-1", "patient-7", verify.Alert{}, 0)
	LogLifecycle(nil, "sess-1", "patient-7", "start", "active")
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	LogEventAccepted(l, "sess-1", "patient-7", verify.NewEvent(verify.ModalityKeystroke, true, 0.88), 88)
	LogLifecycle(l, "sess-1", "patient-7", "end", "completed")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path) // #nosec G304 - temp dir path
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("parse line: %v", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Modality != "keystroke" || entries[0].Score != 88 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].EventType != "session.end" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for i := 0; i < 2; i++ {
		l, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger: %v", err)
		}
		LogLifecycle(l, "sess-1", "patient-7", "start", "active")
		_ = l.Close()
	}

	data, err := os.ReadFile(path) // #nosec G304 - temp dir path
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("lines = %d, want 2 across reopen", lines)
	}
}
