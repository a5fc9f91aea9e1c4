package session

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/veristream-io/veristream/pkg/verify"
)

// FirestoreBackend implements StorageBackend using Google Cloud Firestore.
// Each session record is one document; Firestore document writes are
// atomic, which gives SaveRecord its all-or-nothing guarantee.
//
// Important Notes:
//   - Filtered listings (subject + status) need a composite index
//   - Documents are keyed by session ID within a single collection
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig contains configuration for the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
}

// FirestoreOption configures a FirestoreBackend.
type FirestoreOption func(*FirestoreConfig)

// WithProjectID sets the GCP project ID.
func WithProjectID(projectID string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.ProjectID = projectID
	}
}

// WithCredentialsFile sets the path to service account credentials.
// Without it, Application Default Credentials are used.
func WithCredentialsFile(path string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.CredentialsFile = path
	}
}

// WithCollection sets the Firestore collection name (default: "sessions").
func WithCollection(name string) FirestoreOption {
	return func(c *FirestoreConfig) {
		c.Collection = name
	}
}

// NewFirestoreBackend creates a Firestore storage backend.
//
// Example:
//
//	backend, err := session.NewFirestoreBackend(ctx,
//	    session.WithProjectID("my-project"),
//	    session.WithCredentialsFile("/path/to/credentials.json"),
//	)
func NewFirestoreBackend(ctx context.Context, opts ...FirestoreOption) (*FirestoreBackend, error) {
	config := &FirestoreConfig{Collection: "sessions"}
	for _, opt := range opts {
		opt(config)
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreBackend{
		client:     client,
		collection: config.Collection,
	}, nil
}

func (b *FirestoreBackend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveRecord writes the full session record in one document write.
func (b *FirestoreBackend) SaveRecord(ctx context.Context, rec *Record) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	doc := b.client.Collection(b.collection).Doc(rec.SessionID)
	if _, err := doc.Set(ctx, rec); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// LoadRecord retrieves a session record by ID.
func (b *FirestoreBackend) LoadRecord(ctx context.Context, sessionID string) (*Record, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	snap, err := b.client.Collection(b.collection).Doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	var rec Record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

// DeleteRecord removes a session record.
func (b *FirestoreBackend) DeleteRecord(ctx context.Context, sessionID string) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	doc := b.client.Collection(b.collection).Doc(sessionID)
	if _, err := doc.Get(ctx); status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
	} else if err != nil {
		return fmt.Errorf("load session record: %w", err)
	}

	if _, err := doc.Delete(ctx); err != nil {
		return fmt.Errorf("delete session record: %w", err)
	}
	return nil
}

// ListRecords returns a subject's session records ordered by session ID.
func (b *FirestoreBackend) ListRecords(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}

	query := b.client.Collection(b.collection).
		Where("SubjectID", "==", subjectID).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if opts.Status != "" {
		query = query.Where("Status", "==", string(opts.Status))
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var records []*Record
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate session records: %w", err)
		}

		var rec Record
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// Ping verifies Firestore is reachable with a cheap single-document read.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}

	iter := b.client.Collection(b.collection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("firestore ping failed: %w", err)
	}
	return nil
}

// Close closes the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
