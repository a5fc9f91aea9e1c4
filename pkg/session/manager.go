package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/veristream-io/veristream/pkg/audit"
	"github.com/veristream-io/veristream/pkg/dispatch"
	obs "github.com/veristream-io/veristream/pkg/observability"
	"github.com/veristream-io/veristream/pkg/verify"
)

// Manager is the session registry. It owns the mapping from session ID to
// live Monitor, enforces one in-flight apply per session (the Monitor's
// lock), and lets independent sessions proceed concurrently. The registry
// map is guarded by its own lock, independent of any session's lock.
type Manager struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
	limiters map[string]*rate.Limiter
	pending  map[string]struct{}

	backend StorageBackend
	broker  dispatch.Broker
	auditor audit.Logger
	opts    Options

	eventsPerSec float64
	burst        int
	janitorSpec  string
	cron         *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBroker sets the notification broker; without one, applies are
// persisted and audited but not fanned out.
func WithBroker(b dispatch.Broker) ManagerOption {
	return func(m *Manager) { m.broker = b }
}

// WithAuditor sets the audit trail sink.
func WithAuditor(l audit.Logger) ManagerOption {
	return func(m *Manager) { m.auditor = l }
}

// WithRateLimit caps event submissions per session. Submissions beyond
// the limit fail with verify.ErrRateLimited.
func WithRateLimit(eventsPerSec float64, burst int) ManagerOption {
	return func(m *Manager) {
		m.eventsPerSec = eventsPerSec
		m.burst = burst
	}
}

// WithJanitorSchedule enables the terminal-session sweeper on a cron
// schedule (e.g. "@every 1m"). Terminal sessions are evicted from the
// in-memory registry once persisted; re-reading them only hits the store.
func WithJanitorSchedule(spec string) ManagerOption {
	return func(m *Manager) { m.janitorSpec = spec }
}

// NewManager creates a session registry over the given storage backend.
func NewManager(backend StorageBackend, opts Options, mopts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		monitors: make(map[string]*Monitor),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]struct{}),
		backend:  backend,
		opts:     opts.withDefaults(),
	}
	for _, opt := range mopts {
		opt(m)
	}

	if m.janitorSpec != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(m.janitorSpec, func() {
			if n := m.EvictTerminal(); n > 0 {
				log.Printf("[Session] janitor evicted %d terminal session(s)", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("janitor schedule %q: %w", m.janitorSpec, err)
		}
		m.cron.Start()
	}

	return m, nil
}

// Start creates a session for a subject with a generated session ID.
func (m *Manager) Start(ctx context.Context, subjectID string) (*Record, error) {
	return m.StartWithID(ctx, uuid.New().String(), subjectID)
}

// StartWithID creates a session under a caller-chosen ID. It fails with
// verify.ErrDuplicateSession if the ID is already known, whether live,
// mid-creation, or durable. The store I/O runs outside the registry lock
// so a slow create never stalls submits to other sessions.
func (m *Manager) StartWithID(ctx context.Context, sessionID, subjectID string) (*Record, error) {
	if err := m.reserve(sessionID); err != nil {
		return nil, err
	}

	rec, err := m.createRecord(ctx, sessionID, subjectID)

	m.mu.Lock()
	delete(m.pending, sessionID)
	if err == nil {
		// A submit may have resurrected the session between the save
		// landing and this install; keep the monitor it already uses.
		if _, ok := m.monitors[sessionID]; !ok {
			m.monitors[sessionID] = newMonitor(rec, m.backend, m.broker, m.auditor, m.opts)
			if m.eventsPerSec > 0 {
				m.limiters[sessionID] = rate.NewLimiter(rate.Limit(m.eventsPerSec), m.burst)
			}
		}
	}
	live := len(m.monitors)
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	obs.RecordSessionTransition("started")
	obs.SetActiveSessions(live)
	audit.LogLifecycle(m.auditor, sessionID, subjectID, "start", "active")

	return rec.Clone(), nil
}

// reserve claims a session ID in the registry so the creating goroutine
// can do its store I/O without holding the registry lock.
func (m *Manager) reserve(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.monitors[sessionID]; ok {
		return fmt.Errorf("%w: %s", verify.ErrDuplicateSession, sessionID)
	}
	if _, ok := m.pending[sessionID]; ok {
		return fmt.Errorf("%w: %s", verify.ErrDuplicateSession, sessionID)
	}
	m.pending[sessionID] = struct{}{}
	return nil
}

// createRecord checks the durable store for a prior session under the
// same ID and writes the fresh record, both bounded by the configured
// persistence timeout.
func (m *Manager) createRecord(ctx context.Context, sessionID, subjectID string) (*Record, error) {
	if m.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.PersistTimeout)
		defer cancel()
	}

	if _, err := m.backend.LoadRecord(ctx, sessionID); err == nil {
		return nil, fmt.Errorf("%w: %s", verify.ErrDuplicateSession, sessionID)
	} else if !errors.Is(err, verify.ErrSessionNotFound) {
		return nil, fmt.Errorf("check session %s: %w", sessionID, err)
	}

	rec := NewRecord(sessionID, subjectID)
	if err := m.backend.SaveRecord(ctx, rec); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: save session %s", verify.ErrPersistenceTimeout, sessionID)
		}
		return nil, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return rec, nil
}

// Get returns a snapshot of the session: the live monitor's state if one
// exists, otherwise the durable record. Terminal sessions are served from
// the store and never get a new monitor.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	mon, ok := m.monitors[sessionID]
	m.mu.RUnlock()

	if ok {
		return mon.Snapshot(), nil
	}
	return m.backend.LoadRecord(ctx, sessionID)
}

// List returns durable records for a subject.
func (m *Manager) List(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error) {
	return m.backend.ListRecords(ctx, subjectID, opts)
}

// Submit routes one verification event to the session's state machine.
// A session persisted as non-terminal but absent from the registry (after
// a restart) gets its monitor recreated on first submit.
func (m *Manager) Submit(ctx context.Context, sessionID string, ev verify.Event) (*Outcome, error) {
	mon, err := m.ensureMonitor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if limiter := m.limiter(sessionID); limiter != nil && !limiter.Allow() {
		obs.RecordEvent(string(ev.Modality), "rate_limited", 0)
		return nil, fmt.Errorf("%w: session %s", verify.ErrRateLimited, sessionID)
	}

	return mon.Submit(ctx, ev)
}

// Subscribe registers an observer for a session's notifications.
// Observers joining late see only future notifications; replay comes from
// the durable verification log instead.
func (m *Manager) Subscribe(sessionID string) (<-chan dispatch.Notification, func(), error) {
	if m.broker == nil {
		return nil, nil, errors.New("no broker configured")
	}
	ch, cancel := m.broker.Subscribe(sessionID)
	return ch, cancel, nil
}

// End gracefully completes a session. Idempotent: ending a terminal
// session is a no-op, not an error.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	mon, err := m.ensureMonitor(ctx, sessionID)
	if errors.Is(err, verify.ErrSessionClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	return mon.complete(ctx)
}

// EvictTerminal removes monitors whose sessions reached a terminal state
// and returns how many were evicted. Their durable records remain.
func (m *Manager) EvictTerminal() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, mon := range m.monitors {
		rec := mon.Snapshot()
		if !rec.Status.Terminal() {
			continue
		}
		delete(m.monitors, id)
		delete(m.limiters, id)
		obs.DropTrustScore(id)
		obs.RecordSessionTransition("evicted")
		audit.LogLifecycle(m.auditor, id, rec.SubjectID, "evict", string(rec.Status))
		evicted++
	}

	obs.SetActiveSessions(len(m.monitors))
	return evicted
}

// ActiveCount returns the number of live monitors in the registry.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.monitors)
}

// Close stops the janitor and drops all live monitors. The storage
// backend and broker are owned by the caller and are not closed here.
func (m *Manager) Close() error {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitors = make(map[string]*Monitor)
	m.limiters = make(map[string]*rate.Limiter)
	obs.SetActiveSessions(0)
	return nil
}

// ensureMonitor returns the live monitor for a session, recreating one
// from the durable record if the session is still open. Terminal sessions
// yield verify.ErrSessionClosed.
func (m *Manager) ensureMonitor(ctx context.Context, sessionID string) (*Monitor, error) {
	m.mu.RLock()
	mon, ok := m.monitors[sessionID]
	m.mu.RUnlock()
	if ok {
		return mon, nil
	}

	rec, err := m.backend.LoadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", verify.ErrSessionClosed, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another submit may have raced us here.
	if mon, ok := m.monitors[sessionID]; ok {
		return mon, nil
	}

	mon = newMonitor(rec, m.backend, m.broker, m.auditor, m.opts)
	m.monitors[sessionID] = mon
	if m.eventsPerSec > 0 {
		m.limiters[sessionID] = rate.NewLimiter(rate.Limit(m.eventsPerSec), m.burst)
	}
	obs.SetActiveSessions(len(m.monitors))

	return mon, nil
}

func (m *Manager) limiter(sessionID string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[sessionID]
}
