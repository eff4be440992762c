package sessions

import (
	"context"
	"errors"
)

// Mode selects whether a session persists across HTTP exchanges.
type Mode int

const (
	// ModeStateful sessions persist across requests and are looked up by id.
	ModeStateful Mode = iota
	// ModeStateless sessions are created and destroyed around a single
	// request/response exchange; their queues never outlive it.
	ModeStateless
)

func (m Mode) String() string {
	if m == ModeStateless {
		return "stateless"
	}
	return "stateful"
}

// ConflictPolicy decides what happens when a consumer attaches to a session
// whose outbound stream already has one.
type ConflictPolicy int

const (
	// RejectNew refuses the second attach with ErrSessionConflict, leaving
	// the prior consumer undisturbed.
	RejectNew ConflictPolicy = iota
	// EvictPrior terminates the prior consumer's stream and hands the
	// session to the new one.
	EvictPrior
)

var (
	// ErrSessionNotFound indicates the referenced session id does not exist
	// or has expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionConflict indicates a second concurrent consumer attach under
	// the RejectNew policy.
	ErrSessionConflict = errors.New("session stream already attached")
	// ErrChannelClosed indicates a queue operation raced with session
	// teardown. It is a benign termination signal, not a failure.
	ErrChannelClosed = errors.New("session channel closed")
	// ErrBackpressure indicates an inbound enqueue exceeded its bounded wait.
	// The caller may retry.
	ErrBackpressure = errors.New("inbound queue full")
	// ErrEventIDUnknown indicates a resume cursor that is not (or no longer)
	// in the outbound backlog.
	ErrEventIDUnknown = errors.New("unknown event id")
	// ErrAwaitExists indicates there is already a waiter registered for the
	// correlation key.
	ErrAwaitExists = errors.New("await already registered")
	// ErrAwaitCanceled is returned from Awaiter.Recv when the await was
	// canceled or the session was cleaned up.
	ErrAwaitCanceled = errors.New("await canceled")
)

// MessageHandler is invoked by Consume for each outbound frame, in publish
// order. Returning an error stops consumption and propagates out of Consume.
type MessageHandler func(ctx context.Context, eventID string, payload []byte) error

// ConsumeOptions tunes a single Consume attach.
type ConsumeOptions struct {
	// LastEventID resumes delivery from the frame after this cursor. Empty
	// starts with the next published frame.
	LastEventID string
	// Policy resolves attach conflicts. Zero value is RejectNew.
	Policy ConflictPolicy
	// OnAttach, if set, is called once the consumer slot is claimed and the
	// cursor validated, before the first delivery. Transports use it to
	// commit response headers only after attach errors are ruled out.
	OnAttach func()
}

// Awaiter is a one-shot receive for the response to a specific in-flight
// request. Recv blocks until the response is fulfilled, the await is
// canceled, or ctx ends. Cancel releases the slot; it is idempotent.
type Awaiter interface {
	Recv(ctx context.Context) ([]byte, error)
	Cancel(ctx context.Context) error
}
