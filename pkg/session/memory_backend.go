package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/veristream-io/veristream/pkg/verify"
)

// MemoryBackend is an in-process StorageBackend. Records do not survive a
// restart; it exists for tests and single-node development setups.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func (b *MemoryBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.records[rec.SessionID] = rec.Clone()
	return nil
}

func (b *MemoryBackend) LoadRecord(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := b.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) DeleteRecord(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	if _, ok := b.records[sessionID]; !ok {
		return fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
	}
	delete(b.records, sessionID)
	return nil
}

func (b *MemoryBackend) ListRecords(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}

	var out []*Record
	for _, rec := range b.records {
		if rec.SubjectID != subjectID {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })

	return paginate(out, opts), nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return ctx.Err()
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.records = nil
	return nil
}

// paginate applies offset and limit to an already ordered result set.
func paginate(recs []*Record, opts ListOptions) []*Record {
	if opts.Offset > 0 {
		if opts.Offset >= len(recs) {
			return nil
		}
		recs = recs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(recs) {
		recs = recs[:opts.Limit]
	}
	return recs
}
