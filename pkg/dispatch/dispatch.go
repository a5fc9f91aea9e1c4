// Package dispatch fans verification results and alerts out to session
// observers. Delivery is best-effort and at-most-once: publishing never
// blocks or fails the submit path, late subscribers see only future
// notifications, and slow subscribers are dropped rather than buffered
// without bound. Clients needing replay read the durable session log.
package dispatch

import (
	"context"
	"time"

	"github.com/veristream-io/veristream/pkg/verify"
)

// Kind distinguishes notification payloads.
type Kind string

const (
	// KindResult is emitted after every accepted verification event.
	KindResult Kind = "result"
	// KindAlert is emitted when the escalation policy raises an alert.
	KindAlert Kind = "alert"
)

// Notification is the payload delivered to session observers.
type Notification struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"sessionId"`
	Score     int           `json:"score"`
	Status    string        `json:"status"`
	Event     *verify.Event `json:"event,omitempty"`
	Alert     *verify.Alert `json:"alert,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// DropHandler observes notifications discarded because a subscriber's
// buffer was full. Handlers run on the publishing path and must not block.
type DropHandler func(sessionID string)

// Broker delivers notifications to whatever observers are subscribed to a
// session. Implementations must be safe for concurrent use.
type Broker interface {
	// Publish delivers a notification to current subscribers of the session.
	// Fire-and-forget: it must never block and never returns a delivery error.
	Publish(ctx context.Context, sessionID string, n Notification)

	// Subscribe registers an observer for a session and returns its channel
	// plus a cancel function that releases the subscription.
	Subscribe(sessionID string) (<-chan Notification, func())

	// Close releases all subscriptions.
	Close() error
}
