package sessions

import (
	"context"
	"time"
)

// Store is the registry mapping session identifiers to live sessions. It is
// the only shared mutable structure in the transport; all mutation is atomic
// with respect to concurrent lookups, and no lock is held across blocking
// work.
type Store interface {
	// Create allocates a new session with a fresh unique id.
	Create(ctx context.Context, mode Mode) (Session, error)

	// Get looks up a session by id. ErrSessionNotFound if absent.
	Get(ctx context.Context, id string) (Session, error)

	// Remove retires a session and releases its queues. Removing an unknown
	// id is a no-op.
	Remove(ctx context.Context, id string) error

	// Sweep removes sessions idle for longer than idleFor, skipping sessions
	// with an attached consumer. It iterates a snapshot so the registry is
	// never locked for the scan's duration. Returns the number removed.
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
}
