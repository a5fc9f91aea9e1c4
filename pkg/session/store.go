package session

import (
	"context"
	"errors"
)

// ErrStorageClosed is returned when operating on a closed storage backend.
var ErrStorageClosed = errors.New("storage backend is closed")

// StorageBackend abstracts durable session persistence.
// Implementations must be safe for concurrent use, and SaveRecord must be
// atomic per call: a reader never observes a partially written record.
type StorageBackend interface {
	// SaveRecord creates or replaces the full session record.
	SaveRecord(ctx context.Context, rec *Record) error

	// LoadRecord retrieves a session record by ID.
	// Returns verify.ErrSessionNotFound if the session doesn't exist.
	LoadRecord(ctx context.Context, sessionID string) (*Record, error)

	// DeleteRecord removes a session record.
	DeleteRecord(ctx context.Context, sessionID string) error

	// ListRecords returns records for a subject matching the filter options,
	// ordered by session ID for deterministic pagination.
	ListRecords(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
