package rpcbridge

import (
	"context"
)

// Conn is the per-session message pipe presented to service logic. It hides
// all HTTP framing: messages arrive and leave as opaque JSON payloads.
type Conn interface {
	// SessionID returns the opaque identifier of the session this connection
	// belongs to.
	SessionID() string

	// Recv blocks until the next inbound message is available, the session is
	// torn down (sessions.ErrChannelClosed), or ctx is canceled.
	Recv(ctx context.Context) ([]byte, error)

	// Send emits one outbound message. Responses to in-flight client requests
	// are delivered on the originating exchange when one is waiting; all other
	// messages ride the session's standalone stream.
	Send(ctx context.Context, msg []byte) error

	// Authorization returns the bearer credential forwarded from the most
	// recent inbound request, if credential forwarding is enabled and a
	// credential was presented. The transport performs no validation; whether
	// and how to trust the credential is the service's concern.
	Authorization() (token string, ok bool)
}

// Handler is the service logic attached to a single session. ServeBridge is
// invoked on its own goroutine and should run until ctx is canceled or Recv
// reports closure; returning ends the session.
type Handler interface {
	ServeBridge(ctx context.Context, conn Conn) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn Conn) error

func (f HandlerFunc) ServeBridge(ctx context.Context, conn Conn) error {
	return f(ctx, conn)
}

// Factory builds a fresh Handler for each session. Instances must not share
// mutable state unless they synchronize it themselves.
type Factory interface {
	NewHandler(ctx context.Context) (Handler, error)
}

// FactoryFunc adapts a plain function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Handler, error)

func (f FactoryFunc) NewHandler(ctx context.Context) (Handler, error) {
	return f(ctx)
}
