package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

// failingBackend rejects saves on demand while serving everything else
// from an in-memory backend.
type failingBackend struct {
	*MemoryBackend
	fail bool
}

func (b *failingBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.SaveRecord(ctx, rec)
}

// stallingBackend blocks saves until the caller's deadline fires.
type stallingBackend struct {
	*MemoryBackend
	stall bool
}

func (b *stallingBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if b.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.MemoryBackend.SaveRecord(ctx, rec)
}

func testMonitor(t *testing.T, backend StorageBackend, opts Options) *Monitor {
	t.Helper()
	rec := NewRecord("sess-1", "subject-1")
	if err := backend.SaveRecord(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return newMonitor(rec, backend, nil, nil, opts)
}

func confEvent(confidence float64) verify.Event {
	return verify.NewEvent(verify.ModalityVoice, confidence >= 0.5, confidence)
}

func TestSubmitHealthyStream(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		out, err := mon.Submit(ctx, confEvent(0.9))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if out.Score != 90 {
			t.Errorf("submit %d: score = %d, want 90", i, out.Score)
		}
		if out.Status != StatusActive {
			t.Errorf("submit %d: status = %s, want active", i, out.Status)
		}
		if out.Alert != nil {
			t.Errorf("submit %d: unexpected alert %+v", i, out.Alert)
		}
	}

	rec := mon.Snapshot()
	if len(rec.VerificationLogs) != 20 {
		t.Errorf("log length = %d, want 20", len(rec.VerificationLogs))
	}
	if len(rec.Alerts) != 0 {
		t.Errorf("alerts = %d, want 0", len(rec.Alerts))
	}
}

func TestSubmitWarningBand(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	out, err := mon.Submit(ctx, confEvent(0.65))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Score != 65 {
		t.Errorf("score = %d, want 65", out.Score)
	}
	if out.Status != StatusActive {
		t.Errorf("status = %s, want active", out.Status)
	}
	if out.Alert == nil {
		t.Fatal("expected a warning alert")
	}
	if out.Alert.Type != verify.AlertLowTrustScore {
		t.Errorf("alert type = %s, want %s", out.Alert.Type, verify.AlertLowTrustScore)
	}
	if out.Alert.Severity != verify.SeverityMedium {
		t.Errorf("alert severity = %s, want medium", out.Alert.Severity)
	}
	if got := len(mon.Snapshot().Alerts); got != 1 {
		t.Errorf("persisted alerts = %d, want exactly 1", got)
	}
}

func TestSubmitSuspiciousBand(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	out, err := mon.Submit(ctx, confEvent(0.55))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Score != 55 {
		t.Errorf("score = %d, want 55", out.Score)
	}
	if out.Status != StatusSuspicious {
		t.Errorf("status = %s, want suspicious", out.Status)
	}
	if out.Alert == nil || out.Alert.Severity != verify.SeverityHigh {
		t.Errorf("expected a high severity alert, got %+v", out.Alert)
	}
}

func TestSubmitCriticalTerminates(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	out, err := mon.Submit(ctx, confEvent(0.3))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Score != 30 {
		t.Errorf("score = %d, want 30", out.Score)
	}
	if out.Status != StatusTerminated {
		t.Errorf("status = %s, want terminated", out.Status)
	}
	if out.Alert == nil || out.Alert.Type != verify.AlertSessionTerminated {
		t.Errorf("expected session_terminated alert, got %+v", out.Alert)
	}
	if out.Alert.Severity != verify.SeverityCritical {
		t.Errorf("alert severity = %s, want critical", out.Alert.Severity)
	}

	rec := mon.Snapshot()
	if rec.EndTime == nil {
		t.Error("EndTime not set on termination")
	}
}

func TestSubmitAfterTerminalRejected(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	if _, err := mon.Submit(ctx, confEvent(0.2)); err != nil {
		t.Fatalf("terminating submit: %v", err)
	}
	before := mon.Snapshot()

	_, err := mon.Submit(ctx, confEvent(0.95))
	if !errors.Is(err, verify.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}

	after := mon.Snapshot()
	if len(after.VerificationLogs) != len(before.VerificationLogs) {
		t.Errorf("log grew on rejected submit: %d -> %d",
			len(before.VerificationLogs), len(after.VerificationLogs))
	}
	if after.TrustScore != before.TrustScore {
		t.Errorf("score changed on rejected submit: %d -> %d",
			before.TrustScore, after.TrustScore)
	}
}

func TestEscalationBandBoundaries(t *testing.T) {
	// Window of 1 makes each event's confidence the whole window mean.
	tests := []struct {
		confidence float64
		score      int
		status     Status
		severity   verify.Severity
		alert      bool
	}{
		{0.70, 70, StatusActive, "", false},
		{0.69, 69, StatusActive, verify.SeverityMedium, true},
		{0.60, 60, StatusActive, verify.SeverityMedium, true},
		{0.59, 59, StatusSuspicious, verify.SeverityHigh, true},
		{0.50, 50, StatusSuspicious, verify.SeverityHigh, true},
		{0.49, 49, StatusTerminated, verify.SeverityCritical, true},
	}

	for _, tt := range tests {
		mon := testMonitor(t, NewMemoryBackend(), Options{WindowSize: 1})
		out, err := mon.Submit(context.Background(), confEvent(tt.confidence))
		if err != nil {
			t.Fatalf("confidence %.2f: %v", tt.confidence, err)
		}
		if out.Score != tt.score {
			t.Errorf("confidence %.2f: score = %d, want %d", tt.confidence, out.Score, tt.score)
		}
		if out.Status != tt.status {
			t.Errorf("confidence %.2f: status = %s, want %s", tt.confidence, out.Status, tt.status)
		}
		if tt.alert != (out.Alert != nil) {
			t.Errorf("confidence %.2f: alert = %v, want alert %v", tt.confidence, out.Alert, tt.alert)
		}
		if tt.alert && out.Alert.Severity != tt.severity {
			t.Errorf("confidence %.2f: severity = %s, want %s", tt.confidence, out.Alert.Severity, tt.severity)
		}
	}
}

func TestFailedCheckInNormalBand(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		if _, err := mon.Submit(ctx, confEvent(0.95)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	// One failed check that still leaves the window mean normal.
	ev := verify.NewEvent(verify.ModalityVoice, false, 0.45)
	out, err := mon.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("submit failed check: %v", err)
	}
	if out.Status != StatusActive {
		t.Errorf("status = %s, want active", out.Status)
	}
	if out.Alert == nil || out.Alert.Type != verify.AlertLowConfidence {
		t.Errorf("expected low_confidence alert, got %+v", out.Alert)
	}
	if out.Alert.Severity != verify.SeverityLow {
		t.Errorf("alert severity = %s, want low", out.Alert.Severity)
	}
}

func TestRecoveryFromSuspicious(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	out, err := mon.Submit(ctx, confEvent(0.55))
	if err != nil {
		t.Fatalf("suspicious submit: %v", err)
	}
	if out.Status != StatusSuspicious {
		t.Fatalf("status = %s, want suspicious", out.Status)
	}

	// Two normal-band applies keep the session suspicious.
	for i := 0; i < 2; i++ {
		out, err = mon.Submit(ctx, confEvent(0.95))
		if err != nil {
			t.Fatalf("recovery submit %d: %v", i, err)
		}
		if out.Status != StatusSuspicious {
			t.Errorf("recovery submit %d: status = %s, want suspicious", i, out.Status)
		}
		if out.Alert != nil {
			t.Errorf("recovery submit %d: unexpected alert %+v", i, out.Alert)
		}
	}

	// The third consecutive one restores it.
	out, err = mon.Submit(ctx, confEvent(0.95))
	if err != nil {
		t.Fatalf("final recovery submit: %v", err)
	}
	if out.Status != StatusActive {
		t.Errorf("status = %s, want active", out.Status)
	}
	if out.Alert == nil || out.Alert.Type != verify.AlertTrustRecovered {
		t.Errorf("expected trust_recovered alert, got %+v", out.Alert)
	}
	if out.Alert.Severity != verify.SeverityLow {
		t.Errorf("alert severity = %s, want low", out.Alert.Severity)
	}
}

func TestRecoveryStreakResetsOnBadEvent(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{WindowSize: 1})
	ctx := context.Background()

	if _, err := mon.Submit(ctx, confEvent(0.55)); err != nil {
		t.Fatalf("suspicious submit: %v", err)
	}

	// Two normal, then a warning-band event, then two normal again: the
	// streak must restart, so the session is still suspicious.
	for _, c := range []float64{0.95, 0.95, 0.65, 0.95, 0.95} {
		if _, err := mon.Submit(ctx, confEvent(c)); err != nil {
			t.Fatalf("submit %.2f: %v", c, err)
		}
	}
	if got := mon.Snapshot().Status; got != StatusSuspicious {
		t.Errorf("status = %s, want suspicious after streak reset", got)
	}

	// One more normal event completes a fresh streak of three.
	out, err := mon.Submit(ctx, confEvent(0.95))
	if err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if out.Status != StatusActive {
		t.Errorf("status = %s, want active", out.Status)
	}
}

func TestDuplicateEventAbsorbed(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	ev := confEvent(0.9)
	first, err := mon.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first submit marked duplicate")
	}

	second, err := mon.Submit(ctx, ev)
	if err != nil {
		t.Fatalf("replayed submit: %v", err)
	}
	if !second.Duplicate {
		t.Error("replayed submit not marked duplicate")
	}
	if second.Score != first.Score {
		t.Errorf("replay changed score: %d -> %d", first.Score, second.Score)
	}
	if got := len(mon.Snapshot().VerificationLogs); got != 1 {
		t.Errorf("log length = %d, want 1 after replay", got)
	}
}

func TestDuplicateEventCountedWhenDedupeOff(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{DedupeReplays: false})
	ctx := context.Background()

	ev := confEvent(0.9)
	for i := 0; i < 2; i++ {
		out, err := mon.Submit(ctx, ev)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if out.Duplicate {
			t.Errorf("submit %d marked duplicate with dedupe off", i)
		}
	}
	if got := len(mon.Snapshot().VerificationLogs); got != 2 {
		t.Errorf("log length = %d, want 2", got)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	mon := testMonitor(t, backend, Options{})
	ctx := context.Background()

	if _, err := mon.Submit(ctx, confEvent(0.9)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := mon.Snapshot()

	backend.fail = true
	_, err := mon.Submit(ctx, confEvent(0.2))
	if !errors.Is(err, verify.ErrPersistenceFailure) {
		t.Fatalf("err = %v, want ErrPersistenceFailure", err)
	}

	after := mon.Snapshot()
	if len(after.VerificationLogs) != len(before.VerificationLogs) {
		t.Errorf("log grew on failed persist: %d -> %d",
			len(before.VerificationLogs), len(after.VerificationLogs))
	}
	if after.Status != before.Status || after.TrustScore != before.TrustScore {
		t.Errorf("state changed on failed persist: %s/%d -> %s/%d",
			before.Status, before.TrustScore, after.Status, after.TrustScore)
	}

	// The same event succeeds once the backend recovers.
	backend.fail = false
	out, err := mon.Submit(ctx, confEvent(0.9))
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if out.Duplicate {
		t.Error("retry after failed persist marked duplicate")
	}
}

func TestPersistenceTimeout(t *testing.T) {
	backend := &stallingBackend{MemoryBackend: NewMemoryBackend(), stall: false}
	mon := testMonitor(t, backend, Options{PersistTimeout: 25 * time.Millisecond})

	backend.stall = true
	_, err := mon.Submit(context.Background(), confEvent(0.9))
	if !errors.Is(err, verify.ErrPersistenceTimeout) {
		t.Fatalf("err = %v, want ErrPersistenceTimeout", err)
	}
	if got := len(mon.Snapshot().VerificationLogs); got != 0 {
		t.Errorf("log length = %d, want 0 after timeout", got)
	}
}

func TestInvalidEventRejected(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	ev := confEvent(0.9)
	ev.Confidence = 1.7
	_, err := mon.Submit(ctx, ev)
	if !errors.Is(err, verify.ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
	if got := len(mon.Snapshot().VerificationLogs); got != 0 {
		t.Errorf("log length = %d, want 0 after rejection", got)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{})
	ctx := context.Background()

	if _, err := mon.Submit(ctx, confEvent(0.9)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := mon.complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec := mon.Snapshot()
	if rec.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.EndTime == nil {
		t.Error("EndTime not set on completion")
	}

	if err := mon.complete(ctx); err != nil {
		t.Errorf("second complete: %v, want nil", err)
	}
	if got := mon.Snapshot().Status; got != StatusCompleted {
		t.Errorf("status changed on repeat complete: %s", got)
	}
}

func TestSlidingWindowDropsOldEvents(t *testing.T) {
	mon := testMonitor(t, NewMemoryBackend(), Options{WindowSize: 3})
	ctx := context.Background()

	// Three poor events fill the window, then three strong ones push them out.
	for _, c := range []float64{0.72, 0.72, 0.72} {
		if _, err := mon.Submit(ctx, confEvent(c)); err != nil {
			t.Fatalf("submit %.2f: %v", c, err)
		}
	}
	for _, c := range []float64{0.96, 0.96, 0.96} {
		if _, err := mon.Submit(ctx, confEvent(c)); err != nil {
			t.Fatalf("submit %.2f: %v", c, err)
		}
	}

	if got := mon.Snapshot().TrustScore; got != 96 {
		t.Errorf("score = %d, want 96 once old events leave the window", got)
	}
}
