package sessions

import (
	"context"
	"time"
)

// Session is one client's correlation context: an opaque id binding the
// client to a pair of bounded message queues, possibly spanning multiple HTTP
// requests. Implementations must be safe for concurrent use.
type Session interface {
	// ID returns the session's opaque, process-unique identifier. Ids are
	// never reused: recreating a retired session yields a fresh id.
	ID() string

	// Mode reports whether the session is stateful or stateless.
	Mode() Mode

	// CreatedAt returns the creation timestamp.
	CreatedAt() time.Time

	// LastActivity returns the time of the most recent client activity, used
	// for idle detection.
	LastActivity() time.Time

	// Touch records client activity now. Keep-alive traffic must not Touch.
	Touch()

	// PushInbound enqueues one decoded client message for service logic. It
	// blocks while the inbound queue is full, up to the store's bound, then
	// fails with ErrBackpressure. ErrChannelClosed after teardown.
	PushInbound(ctx context.Context, payload []byte) error

	// Recv blocks until the next inbound message, teardown
	// (ErrChannelClosed), or ctx cancellation.
	Recv(ctx context.Context) ([]byte, error)

	// Publish appends one outbound frame to the session's backlog and wakes
	// the attached consumer, returning the frame's event id. Frames are
	// delivered in publish order.
	Publish(ctx context.Context, payload []byte) (eventID string, err error)

	// Consume attaches the session's single outbound consumer and invokes fn
	// for each frame until ctx is canceled, the session closes, or fn fails.
	// A second concurrent attach is resolved per opts.Policy. An unknown
	// opts.LastEventID fails with ErrEventIDUnknown.
	Consume(ctx context.Context, opts ConsumeOptions, fn MessageHandler) error

	// Attached reports whether an outbound consumer is currently attached.
	Attached() bool

	// BeginAwait registers a one-shot waiter for the response correlated by
	// correlationID. Exactly one waiter may exist per key; ttl bounds
	// abandoned waits.
	BeginAwait(ctx context.Context, correlationID string, ttl time.Duration) (Awaiter, error)

	// Fulfill delivers a response payload to a registered waiter, reporting
	// whether anyone received it. No waiter is not an error; the caller
	// falls back to Publish.
	Fulfill(ctx context.Context, correlationID string, payload []byte) (delivered bool, err error)

	// SetAuthorization stores the forwarded bearer credential for service
	// logic to read. The transport only calls this when forwarding is
	// enabled and the inbound request carried a credential.
	SetAuthorization(token string)

	// Authorization returns the forwarded credential, if any.
	Authorization() (token string, ok bool)

	// Close tears the session down: both queues close, blocked callers are
	// released, pending awaits are canceled. Idempotent.
	Close() error
}
