// Package engine owns the per-session service runtime: it builds one handler
// per session from the capability-typed factory, runs it on its own
// goroutine, routes its outbound messages, and sweeps idle sessions.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	rpcbridge "github.com/rpcbridge/rpcbridge-go"
	"github.com/rpcbridge/rpcbridge-go/auth"
	"github.com/rpcbridge/rpcbridge-go/internal/jsonrpc"
	"github.com/rpcbridge/rpcbridge-go/sessions"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
)

// Engine coordinates session lifecycles between a Store and a Factory. One
// Engine serves one transport handler; its lifecycle context (the one passed
// to New) bounds every session goroutine it spawns.
type Engine struct {
	store   sessions.Store
	factory rpcbridge.Factory
	log     *slog.Logger

	lifecycle context.Context

	sweepInterval time.Duration
	idleTimeout   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for session lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithSweepInterval sets how often idle sessions are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithIdleTimeout sets how long a session may sit without client activity
// before a sweep retires it.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// New constructs an Engine. lifecycle bounds all session goroutines: when it
// is canceled every session's handler sees cancellation and the store winds
// down without waiting for in-flight messages beyond what handlers drain
// themselves.
func New(lifecycle context.Context, store sessions.Store, factory rpcbridge.Factory, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		factory:       factory,
		log:           slog.Default(),
		lifecycle:     lifecycle,
		sweepInterval: defaultSweepInterval,
		idleTimeout:   defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession allocates a session and starts its service handler. bearer is
// the creation-time forwarded credential, or empty when there is none; it is
// stored on the session and stamped onto the handler's context before the
// handler starts.
func (e *Engine) CreateSession(ctx context.Context, mode sessions.Mode, bearer string) (sessions.Session, error) {
	sess, err := e.store.Create(ctx, mode)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		sess.SetAuthorization(bearer)
	}

	go e.serveSession(sess, bearer)
	return sess, nil
}

// LoadSession resolves an existing session by id.
func (e *Engine) LoadSession(ctx context.Context, id string) (sessions.Session, error) {
	return e.store.Get(ctx, id)
}

// DeleteSession retires a session. The closure propagates to the handler
// goroutine through its Recv, which reports ErrChannelClosed.
func (e *Engine) DeleteSession(ctx context.Context, sess sessions.Session) error {
	return e.store.Remove(ctx, sess.ID())
}

// serveSession runs the session's handler until it returns, then retires the
// session. Handler failures are scoped to the one session; they never touch
// the store or other sessions.
func (e *Engine) serveSession(sess sessions.Session, bearer string) {
	ctx, cancel := context.WithCancel(e.lifecycle)
	defer cancel()
	if bearer != "" {
		ctx = auth.WithToken(ctx, bearer)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("session.handler.panic", slog.String("session_id", sess.ID()), slog.Any("panic", r))
		}
		_ = e.store.Remove(context.WithoutCancel(ctx), sess.ID())
	}()

	handler, err := e.factory.NewHandler(ctx)
	if err != nil {
		e.log.Error("session.handler.build.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		return
	}

	conn := &conn{sess: sess, eng: e}
	if err := handler.ServeBridge(ctx, conn); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, sessions.ErrChannelClosed) {
			e.log.Debug("session.handler.done", slog.String("session_id", sess.ID()))
			return
		}
		e.log.Error("session.handler.fail", slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
	}
}

// routeOutbound delivers one service-produced message. A JSON-RPC response
// whose id has a registered waiter completes that rendezvous; everything else
// rides the session's standalone stream.
func (e *Engine) routeOutbound(ctx context.Context, sess sessions.Session, msg []byte) error {
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &any); err == nil {
		if res := any.AsResponse(); res != nil && !res.ID.IsNil() {
			delivered, err := sess.Fulfill(ctx, res.ID.String(), msg)
			if err != nil {
				return err
			}
			if delivered {
				return nil
			}
		}
	}

	_, err := sess.Publish(ctx, msg)
	return err
}

// Run drives the periodic idle sweep until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := e.store.Sweep(ctx, e.idleTimeout)
			if err != nil {
				e.log.Error("session.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				e.log.Info("session.sweep.ok", slog.Int("removed", n))
			}
		}
	}
}

// conn adapts a sessions.Session to the rpcbridge.Conn the handler sees.
type conn struct {
	sess sessions.Session
	eng  *Engine
}

var _ rpcbridge.Conn = (*conn)(nil)

func (c *conn) SessionID() string { return c.sess.ID() }

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	return c.sess.Recv(ctx)
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	return c.eng.routeOutbound(ctx, c.sess, msg)
}

func (c *conn) Authorization() (string, bool) {
	return c.sess.Authorization()
}
