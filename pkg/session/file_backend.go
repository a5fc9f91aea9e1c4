package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/veristream-io/veristream/pkg/verify"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements StorageBackend on the local filesystem.
// Storage layout:
//
//	~/.veristream/sessions/
//	  └── <subject-id>/
//	      └── <session-id>.json    # Full session record
//
// Each save rewrites the record to a temp file and renames it into place,
// so readers never observe a partially written record.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a file-based storage backend.
// If baseDir is empty, uses ~/.veristream/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".veristream", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir}, nil
}

// SaveRecord writes the full session record atomically.
func (f *FileBackend) SaveRecord(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Validate path components to prevent path traversal
	if err := validatePathComponent(rec.SubjectID); err != nil {
		return fmt.Errorf("invalid subject ID: %w", err)
	}
	if err := validatePathComponent(rec.SessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	subjectDir := filepath.Join(f.baseDir, rec.SubjectID)
	if err := os.MkdirAll(subjectDir, 0700); err != nil {
		return fmt.Errorf("create subject directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	recordPath := filepath.Join(subjectDir, rec.SessionID+".json")
	tmp, err := os.CreateTemp(subjectDir, "."+rec.SessionID+"-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpPath, recordPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace session record: %w", err)
	}

	return nil
}

// LoadRecord retrieves a session record by ID.
func (f *FileBackend) LoadRecord(ctx context.Context, sessionID string) (*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return f.loadRecordUnlocked(sessionID)
}

// DeleteRecord removes a session record.
func (f *FileBackend) DeleteRecord(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := f.loadRecordUnlocked(sessionID)
	if err != nil {
		return err
	}

	recordPath := filepath.Join(f.baseDir, rec.SubjectID, sessionID+".json")
	if err := os.Remove(recordPath); err != nil {
		return fmt.Errorf("remove session record: %w", err)
	}
	return nil
}

// ListRecords returns a subject's session records ordered by session ID.
func (f *FileBackend) ListRecords(ctx context.Context, subjectID string, opts ListOptions) ([]*Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Validate subject ID to prevent path traversal
	if err := validatePathComponent(subjectID); err != nil {
		return nil, fmt.Errorf("invalid subject ID: %w", err)
	}

	subjectDir := filepath.Join(f.baseDir, subjectID)
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subject directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(subjectDir, name)) // #nosec G304 - path components validated to prevent traversal
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse session record %s: %w", name, err)
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].SessionID < records[j].SessionID })

	return paginate(records, opts), nil
}

// Ping reports whether the base directory is reachable.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return fmt.Errorf("stat base directory: %w", err)
	}
	return nil
}

// Close releases the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

// loadRecordUnlocked scans subject directories for the session record.
// Caller must hold appropriate lock.
func (f *FileBackend) loadRecordUnlocked(sessionID string) (*Record, error) {
	// Validate session ID to prevent path traversal
	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		recordPath := filepath.Join(f.baseDir, entry.Name(), sessionID+".json")
		data, err := os.ReadFile(recordPath) // #nosec G304 - path components validated to prevent traversal
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse session record: %w", err)
		}
		return &rec, nil
	}

	return nil, fmt.Errorf("%w: %s", verify.ErrSessionNotFound, sessionID)
}
