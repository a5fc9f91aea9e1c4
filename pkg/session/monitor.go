package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/veristream-io/veristream/internal/observability"
	"github.com/veristream-io/veristream/internal/trust"
	"github.com/veristream-io/veristream/pkg/audit"
	"github.com/veristream-io/veristream/pkg/dispatch"
	obs "github.com/veristream-io/veristream/pkg/observability"
	"github.com/veristream-io/veristream/pkg/verify"
)

// Options tunes the per-session state machine.
type Options struct {
	// WindowSize is the sliding window W over the verification log.
	WindowSize int `yaml:"window_size"`
	// RecoveryStreak is how many consecutive normal-band events clear a
	// suspicious session back to active.
	RecoveryStreak int `yaml:"recovery_streak"`
	// PersistTimeout bounds the durable write inside Submit.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// DedupeReplays makes a resubmitted event ID a no-op success instead
	// of double counting after a persistence timeout retry.
	DedupeReplays bool `yaml:"dedupe_replays"`
	// DedupeDepth is how many recently applied event IDs are remembered.
	DedupeDepth int `yaml:"dedupe_depth"`
}

// DefaultOptions returns the default state machine tuning.
func DefaultOptions() Options {
	return Options{
		WindowSize:     trust.DefaultWindowSize,
		RecoveryStreak: 3,
		PersistTimeout: 3 * time.Second,
		DedupeReplays:  true,
		DedupeDepth:    32,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = def.WindowSize
	}
	if o.RecoveryStreak <= 0 {
		o.RecoveryStreak = def.RecoveryStreak
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = def.PersistTimeout
	}
	if o.DedupeDepth <= 0 {
		o.DedupeDepth = def.DedupeDepth
	}
	return o
}

// Outcome reports what one Submit call did.
type Outcome struct {
	// SessionID is the session the event was applied to.
	SessionID string
	// Event is the applied event.
	Event verify.Event
	// Score is the trust score after the apply.
	Score int
	// Status is the session status after the apply.
	Status Status
	// Band names the escalation band the new score fell into.
	Band string
	// Alert is the escalation alert raised by this apply, if any.
	Alert *verify.Alert
	// Duplicate is true when a replayed event ID was absorbed as a no-op.
	Duplicate bool
}

// Monitor is the state machine for one live session. All mutations go
// through its mutex, so exactly one Submit is applied at a time per
// session while independent sessions proceed concurrently.
type Monitor struct {
	id      string
	subject string

	mu      sync.Mutex
	rec     *Record
	applied []string

	backend StorageBackend
	broker  dispatch.Broker
	auditor audit.Logger
	opts    Options
}

func newMonitor(rec *Record, backend StorageBackend, broker dispatch.Broker, auditor audit.Logger, opts Options) *Monitor {
	return &Monitor{
		id:      rec.SessionID,
		subject: rec.SubjectID,
		rec:     rec,
		backend: backend,
		broker:  broker,
		auditor: auditor,
		opts:    opts.withDefaults(),
	}
}

// ID returns the session identifier.
func (m *Monitor) ID() string { return m.id }

// Snapshot returns a deep copy of the current record.
func (m *Monitor) Snapshot() *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Clone()
}

// Submit applies one verification event: append, re-window, recompute the
// trust score, run the escalation policy, persist atomically, then notify.
// The whole step group is all-or-nothing; any failure leaves the session
// in its last durable state and has no side effect.
func (m *Monitor) Submit(ctx context.Context, ev verify.Event) (*Outcome, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "session.submit",
		attribute.String("session.id", m.id),
		attribute.String("event.modality", string(ev.Modality)),
	)
	defer span.End()

	if err := verify.ValidateEvent(ev); err != nil {
		obs.RecordEvent(string(ev.Modality), "rejected", time.Since(start))
		audit.LogEventRejected(m.auditor, m.id, ev, err)
		return nil, err
	}

	m.mu.Lock()
	out, transition, err := m.applyLocked(ctx, ev)
	m.mu.Unlock()

	if err != nil {
		obs.RecordEvent(string(ev.Modality), outcomeLabel(err), time.Since(start))
		return nil, err
	}
	if out.Duplicate {
		obs.RecordEvent(string(ev.Modality), "duplicate", time.Since(start))
		return out, nil
	}

	obs.RecordEvent(string(ev.Modality), "accepted", time.Since(start))
	obs.SetTrustScore(m.id, out.Score)
	audit.LogEventAccepted(m.auditor, m.id, m.subject, ev, out.Score)

	if transition != "" {
		obs.RecordSessionTransition(transition)
	}
	if out.Alert != nil {
		obs.RecordAlert(string(out.Alert.Type), string(out.Alert.Severity))
		audit.LogAlert(m.auditor, m.id, m.subject, *out.Alert, out.Score)
	}

	m.publish(ctx, out)
	return out, nil
}

// applyLocked runs steps (1)-(6) of the apply under the session lock and
// swaps the working copy in only after the durable write succeeds.
func (m *Monitor) applyLocked(ctx context.Context, ev verify.Event) (*Outcome, string, error) {
	if m.rec.Status.Terminal() {
		return nil, "", verify.ErrSessionClosed
	}

	if m.opts.DedupeReplays && m.seen(ev.ID) {
		return &Outcome{
			SessionID: m.id,
			Event:     ev,
			Score:     m.rec.TrustScore,
			Status:    m.rec.Status,
			Band:      trust.Classify(m.rec.TrustScore).String(),
			Duplicate: true,
		}, "", nil
	}

	next := m.rec.Clone()
	next.VerificationLogs = append(next.VerificationLogs, ev)

	window := trust.Window(next.VerificationLogs, m.opts.WindowSize)
	if score, ok := trust.Score(window); ok {
		next.TrustScore = score
	}

	band := trust.Classify(next.TrustScore)
	alert, transition := m.escalate(next, band, ev)

	if err := m.persist(ctx, next); err != nil {
		return nil, "", err
	}

	m.rec = next
	m.remember(ev.ID)

	return &Outcome{
		SessionID: m.id,
		Event:     ev,
		Score:     next.TrustScore,
		Status:    next.Status,
		Band:      band.String(),
		Alert:     alert,
	}, transition, nil
}

// escalate applies the banded escalation policy to the working copy and
// returns the alert raised, if any, plus the lifecycle transition name.
func (m *Monitor) escalate(next *Record, band trust.Band, ev verify.Event) (*verify.Alert, string) {
	switch band {
	case trust.BandNormal:
		if next.Status == StatusSuspicious {
			next.RecoveryStreak++
			if next.RecoveryStreak < m.opts.RecoveryStreak {
				return nil, ""
			}
			next.Status = StatusActive
			next.RecoveryStreak = 0
			a := verify.NewAlert(verify.AlertTrustRecovered, verify.SeverityLow,
				fmt.Sprintf("trust score %d held normal for %d consecutive checks; session restored to active", next.TrustScore, m.opts.RecoveryStreak))
			a.Details = map[string]any{"score": next.TrustScore, "band": band.String()}
			next.Alerts = append(next.Alerts, a)
			return &a, "recovered"
		}
		if !ev.Verified {
			a := verify.NewAlert(verify.AlertLowConfidence, verify.SeverityLow,
				fmt.Sprintf("%s check failed (confidence %.2f) while trust score %d remains normal", ev.Modality, ev.Confidence, next.TrustScore))
			a.Details = map[string]any{"score": next.TrustScore, "modality": string(ev.Modality)}
			next.Alerts = append(next.Alerts, a)
			return &a, ""
		}
		return nil, ""

	case trust.BandWarning:
		next.RecoveryStreak = 0
		a := verify.NewAlert(verify.AlertLowTrustScore, verify.SeverityMedium,
			fmt.Sprintf("confidence warning: trust score %d", next.TrustScore))
		a.Details = map[string]any{"score": next.TrustScore, "band": band.String()}
		next.Alerts = append(next.Alerts, a)
		return &a, ""

	case trust.BandSuspicious:
		next.RecoveryStreak = 0
		a := verify.NewAlert(verify.AlertLowTrustScore, verify.SeverityHigh,
			fmt.Sprintf("trust score %d below suspicious threshold", next.TrustScore))
		a.Details = map[string]any{"score": next.TrustScore, "band": band.String()}
		next.Alerts = append(next.Alerts, a)
		if next.Status == StatusActive {
			next.Status = StatusSuspicious
			return &a, "suspicious"
		}
		return &a, ""

	default: // trust.BandCritical
		next.RecoveryStreak = 0
		a := verify.NewAlert(verify.AlertSessionTerminated, verify.SeverityCritical,
			fmt.Sprintf("trust score %d below critical threshold; session terminated", next.TrustScore))
		a.Details = map[string]any{"score": next.TrustScore, "band": band.String()}
		next.Alerts = append(next.Alerts, a)
		next.Status = StatusTerminated
		now := time.Now().UTC()
		next.EndTime = &now
		return &a, "terminated"
	}
}

// complete is the graceful close. Idempotent: closing a terminal session
// is a no-op, never an error.
func (m *Monitor) complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec.Status.Terminal() {
		return nil
	}

	next := m.rec.Clone()
	next.Status = StatusCompleted
	now := time.Now().UTC()
	next.EndTime = &now

	if err := m.persist(ctx, next); err != nil {
		return err
	}

	m.rec = next
	obs.RecordSessionTransition("completed")
	audit.LogLifecycle(m.auditor, m.id, m.subject, "end", "completed")
	return nil
}

// persist writes the working copy with a bounded timeout and maps storage
// failures onto the engine's error taxonomy.
func (m *Monitor) persist(ctx context.Context, next *Record) error {
	pctx := ctx
	if m.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.opts.PersistTimeout)
		defer cancel()
	}

	pctx, span := observability.StartSpan(pctx, "session.persist",
		attribute.String("session.id", m.id))
	err := m.backend.SaveRecord(pctx, next)
	span.End()

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", verify.ErrPersistenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", verify.ErrPersistenceFailure, err)
}

func (m *Monitor) publish(ctx context.Context, out *Outcome) {
	if m.broker == nil {
		return
	}

	now := time.Now().UTC()
	ev := out.Event
	m.broker.Publish(ctx, m.id, dispatch.Notification{
		Kind:      dispatch.KindResult,
		SessionID: m.id,
		Score:     out.Score,
		Status:    string(out.Status),
		Event:     &ev,
		Timestamp: now,
	})
	obs.RecordNotification(string(dispatch.KindResult))

	if out.Alert != nil {
		m.broker.Publish(ctx, m.id, dispatch.Notification{
			Kind:      dispatch.KindAlert,
			SessionID: m.id,
			Score:     out.Score,
			Status:    string(out.Status),
			Alert:     out.Alert,
			Timestamp: now,
		})
		obs.RecordNotification(string(dispatch.KindAlert))
	}
}

func (m *Monitor) seen(eventID string) bool {
	for _, id := range m.applied {
		if id == eventID {
			return true
		}
	}
	return false
}

func (m *Monitor) remember(eventID string) {
	m.applied = append(m.applied, eventID)
	if len(m.applied) > m.opts.DedupeDepth {
		m.applied = m.applied[len(m.applied)-m.opts.DedupeDepth:]
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, verify.ErrSessionClosed):
		return "closed"
	case errors.Is(err, verify.ErrPersistenceTimeout):
		return "persist_timeout"
	case errors.Is(err, verify.ErrPersistenceFailure):
		return "persist_error"
	default:
		return "error"
	}
}
