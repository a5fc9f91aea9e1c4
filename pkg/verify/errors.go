package verify

import (
	"errors"
	"fmt"
)

// Error taxonomy for the verification engine. Callers match with errors.Is;
// none of these are fatal to the process and a failure in one session never
// affects another.
var (
	// ErrInvalidEvent is returned when an event is rejected before any
	// mutation (confidence out of range, unknown modality, missing timestamp).
	ErrInvalidEvent = errors.New("invalid verification event")
	// ErrSessionClosed is returned when submitting to a terminated or
	// completed session. The call has no side effect.
	ErrSessionClosed = errors.New("session is closed")
	// ErrSessionNotFound is returned when a session ID is unknown to both
	// the registry and the durable store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when creating a session whose ID is
	// already registered and live.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrPersistenceTimeout is returned when the durable write did not
	// complete in time. The in-memory state is rolled back; callers may retry.
	ErrPersistenceTimeout = errors.New("persistence timed out")
	// ErrPersistenceFailure is returned when the durable write failed.
	// The in-memory state is rolled back; callers may retry.
	ErrPersistenceFailure = errors.New("persistence failed")
	// ErrRateLimited is returned when a session receives events faster than
	// its configured submission rate.
	ErrRateLimited = errors.New("submission rate limit exceeded")
)

func invalidEventf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
