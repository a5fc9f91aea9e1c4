package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veristream-io/veristream/pkg/verify"
)

// RedisBackend implements StorageBackend using Redis.
// It provides distributed session storage suitable for multi-node deployments.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "veristream:session:").
	Prefix string
	// SessionTTL is the record expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis storage backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "veristream:session:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "veristream:session:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (b *RedisBackend) recordKey(sessionID string) string {
	return b.prefix + "record:" + sessionID
}

func (b *RedisBackend) subjectIndexKey(subjectID string) string {
	return b.prefix + "subject:" + subjectID
}

func (b *RedisBackend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveRecord writes the full session record as a single SET, so readers
// observe either the previous record or the new one, never a mix.
func (b *RedisBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.recordKey(rec.SessionID), data, b.ttl)
	pipe.SAdd(ctx, b.subjectIndexKey(rec.SubjectID), rec.SessionID)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.subjectIndexKey(rec.SubjectID), b.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// LoadRecord retrieves a session record by ID.
func (b *RedisBackend) LoadRecord(ctx context.Context, sessionID string) (*Record, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	data, err := b.client.Get(ctx, b.recordKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return &rec, nil
}

// DeleteRecord removes a session record and its subject index entry.
func (b *RedisBackend) DeleteRecord(ctx context.Context, sessionID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	rec, err := b.LoadRecord(ctx, sessionID)
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.recordKey(sessionID))
	pipe.SRem(ctx, b.subjectIndexKey(rec.SubjectID), sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// ListRecords returns a subject's session records ordered by session ID.
func (b *RedisBackend) ListRecords(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	ids, err := b.client.SMembers(ctx, b.subjectIndexKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subject sessions: %w", err)
	}
	// SMembers order is unspecified.
	sort.Strings(ids)

	var records []*Record
	for _, id := range ids {
		rec, err := b.LoadRecord(ctx, id)
		if errors.Is(err, verify.ErrSessionNotFound) {
			// Record expired; drop the stale index entry.
			_ = b.client.SRem(ctx, b.subjectIndexKey(subjectID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		records = append(records, rec)
	}

	return paginate(records, opts), nil
}

// Ping checks connectivity to Redis.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
