package comparator

import (
	"context"
	"fmt"
	"sync"

	"github.com/veristream-io/veristream/pkg/verify"
)

// Static is a canned-result comparator for tests and local development.
// Verify returns the configured result for every enrolled subject.
type Static struct {
	modality verify.Modality
	result   verify.Result
	err      error

	mu       sync.RWMutex
	enrolled map[string]bool
}

// NewStatic creates a comparator that always answers with result.
func NewStatic(modality verify.Modality, result verify.Result) *Static {
	return &Static{
		modality: modality,
		result:   result,
		enrolled: make(map[string]bool),
	}
}

// NewFailingStatic creates a comparator whose Verify always fails.
func NewFailingStatic(modality verify.Modality, err error) *Static {
	return &Static{
		modality: modality,
		err:      err,
		enrolled: make(map[string]bool),
	}
}

// Modality identifies the biometric channel this comparator covers.
func (s *Static) Modality() verify.Modality { return s.modality }

// Enroll registers the subject.
func (s *Static) Enroll(_ context.Context, subjectID string, _ []byte) error {
	if s.err != nil {
		return s.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled[subjectID] = true
	return nil
}

// Verify returns the canned result for enrolled subjects.
func (s *Static) Verify(_ context.Context, subjectID string, _ []byte) (verify.Result, error) {
	if s.err != nil {
		return verify.Result{}, s.err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enrolled[subjectID] {
		return verify.Result{}, fmt.Errorf("subject %s not enrolled for %s", subjectID, s.modality)
	}
	return s.result, nil
}
