package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber channel buffer.
const DefaultBufferSize = 64

// LocalBroker is an in-process broker using buffered channels per
// subscriber. A notification that does not fit a subscriber's buffer is
// dropped for that subscriber only; the drop is counted, not retried.
type LocalBroker struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Notification
	nextID  int
	bufSize int
	closed  bool
	dropped atomic.Int64
	onDrop  DropHandler
}

// LocalOption configures a LocalBroker.
type LocalOption func(*LocalBroker)

// WithDropHandler invokes fn for every notification a slow subscriber
// misses, in addition to the broker's own drop counter.
func WithDropHandler(fn DropHandler) LocalOption {
	return func(b *LocalBroker) { b.onDrop = fn }
}

// NewLocalBroker creates a local broker. bufSize <= 0 uses DefaultBufferSize.
func NewLocalBroker(bufSize int, opts ...LocalOption) *LocalBroker {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	b := &LocalBroker{
		subs:    make(map[string]map[int]chan Notification),
		bufSize: bufSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers to every current subscriber of the session without
// blocking. Subscribers whose buffer is full miss this notification.
func (b *LocalBroker) Publish(_ context.Context, sessionID string, n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sessionID)
			}
		}
	}
}

// Subscribe registers an observer for a session. The returned cancel
// function is idempotent and closes the observer's channel.
func (b *LocalBroker) Subscribe(sessionID string) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Notification)
	}
	id := b.nextID
	b.nextID++
	b.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subs, sessionID)
				}
			}
			close(ch)
		})
	}

	return ch, cancel
}

// Dropped returns how many notifications were discarded because a
// subscriber's buffer was full.
func (b *LocalBroker) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and rejects further publishes.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan Notification)
	return nil
}
