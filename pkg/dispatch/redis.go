package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans notifications out over Redis pub/sub so observers in
// other processes can follow a session. Semantics match LocalBroker:
// at-most-once, no replay, no backpressure guarantee.
type RedisBroker struct {
	client *redis.Client
	prefix string
	onDrop DropHandler

	mu      sync.Mutex
	cancels []context.CancelFunc
	closed  bool
}

// RedisOption configures a RedisBroker.
type RedisOption func(*RedisBroker)

// WithRedisDropHandler invokes fn for every notification a slow local
// subscriber misses.
func WithRedisDropHandler(fn DropHandler) RedisOption {
	return func(b *RedisBroker) { b.onDrop = fn }
}

// NewRedisBroker creates a broker on an existing Redis client.
// If prefix is empty, "veristream:notify:" is used.
func NewRedisBroker(client *redis.Client, prefix string, opts ...RedisOption) *RedisBroker {
	if prefix == "" {
		prefix = "veristream:notify:"
	}
	b := &RedisBroker{
		client: client,
		prefix: prefix,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) channelKey(sessionID string) string {
	return b.prefix + sessionID
}

// Publish marshals the notification and publishes it asynchronously.
// The submit path never waits on the network round trip.
func (b *RedisBroker) Publish(ctx context.Context, sessionID string, n Notification) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	payload, err := json.Marshal(n)
	if err != nil {
		log.Printf("[Dispatch] marshal notification for %s: %v", sessionID, err)
		return
	}

	go func() {
		if err := b.client.Publish(context.WithoutCancel(ctx), b.channelKey(sessionID), payload).Err(); err != nil {
			log.Printf("[Dispatch] publish to %s: %v", sessionID, err)
		}
	}()
}

// Subscribe follows a session's Redis channel. Messages that fail to
// decode are skipped; the subscription survives them.
func (b *RedisBroker) Subscribe(sessionID string) (<-chan Notification, func()) {
	out := make(chan Notification, DefaultBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channelKey(sessionID))

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					log.Printf("[Dispatch] decode notification on %s: %v", sessionID, err)
					continue
				}
				select {
				case out <- n:
				default:
					// Slow subscriber: drop, same contract as LocalBroker.
					if b.onDrop != nil {
						b.onDrop(sessionID)
					}
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}
}

// Close cancels all subscriptions. The Redis client is owned by the
// caller and is not closed here.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	return nil
}
