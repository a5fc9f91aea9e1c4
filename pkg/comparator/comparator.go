// Package comparator defines the contract between the verification engine
// and the per-modality biometric services, plus adapters for reaching
// them. Comparators own the biometric math; the engine only consumes
// their verified/confidence results.
package comparator

import (
	"context"

	"github.com/veristream-io/veristream/pkg/verify"
)

// Comparator is one biometric matching service for a single modality.
type Comparator interface {
	// Modality identifies the biometric channel this comparator covers.
	Modality() verify.Modality

	// Enroll registers a reference sample for a subject.
	Enroll(ctx context.Context, subjectID string, sample []byte) error

	// Verify matches a live sample against the subject's enrollment and
	// returns the comparator's own decision and confidence in [0,1].
	Verify(ctx context.Context, subjectID string, sample []byte) (verify.Result, error)
}

// HealthReporter is implemented by comparators that can report liveness.
type HealthReporter interface {
	Health(ctx context.Context) error
}
