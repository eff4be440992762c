package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	rpcbridge "github.com/rpcbridge/rpcbridge-go"
	"github.com/rpcbridge/rpcbridge-go/auth"
	"github.com/rpcbridge/rpcbridge-go/internal/engine"
	"github.com/rpcbridge/rpcbridge-go/internal/frame"
	"github.com/rpcbridge/rpcbridge-go/internal/jsonrpc"
	"github.com/rpcbridge/rpcbridge-go/internal/logctx"
	"github.com/rpcbridge/rpcbridge-go/sessions"
)

const (
	sessionQueryParam = "sessionId"
	endpointEventName = "endpoint"

	defaultKeepAlive = 15 * time.Second

	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	eventStreamTypes     = []contenttype.MediaType{eventStreamMediaType}
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

type config struct {
	logger        *slog.Logger
	keepAlive     time.Duration
	forwardAuth   bool
	idleTimeout   time.Duration
	sweepInterval time.Duration
}

// Option configures the handler.
type Option func(*config)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeepAliveInterval sets the cadence of keep-alive comments on open
// streams. Zero or negative disables them. Default 15s.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithAuthorizationForwarding captures each request's bearer credential onto
// the session. Off by default.
func WithAuthorizationForwarding() Option {
	return func(c *config) { c.forwardAuth = true }
}

// WithIdleTimeout sets how long a session without client activity survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithSweepInterval sets how often idle sessions are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// Handler is the paired-endpoint transport. It implements http.Handler.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	eng      *engine.Engine
	cfg      config
	postPath string
}

var _ http.Handler = (*Handler)(nil)

// New constructs the transport with the stream mounted at ssePath and the
// message sink at postPath. ctx bounds the session engine.
func New(ctx context.Context, ssePath, postPath string, store sessions.Store, factory rpcbridge.Factory, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if !strings.HasPrefix(ssePath, "/") || !strings.HasPrefix(postPath, "/") {
		return nil, fmt.Errorf("paths must begin with /: %q, %q", ssePath, postPath)
	}
	if ssePath == postPath {
		return nil, fmt.Errorf("stream and message paths must differ")
	}

	cfg := config{
		logger:    slog.Default(),
		keepAlive: defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	engOpts := []engine.Option{engine.WithLogger(log)}
	if cfg.idleTimeout > 0 {
		engOpts = append(engOpts, engine.WithIdleTimeout(cfg.idleTimeout))
	}
	if cfg.sweepInterval > 0 {
		engOpts = append(engOpts, engine.WithSweepInterval(cfg.sweepInterval))
	}
	eng := engine.New(ctx, store, factory, engOpts...)
	go func() { _ = eng.Run(ctx) }()

	h := &Handler{
		mux:      http.NewServeMux(),
		log:      log,
		eng:      eng,
		cfg:      cfg,
		postPath: postPath,
	}
	h.mux.HandleFunc(fmt.Sprintf("GET %s", ssePath), h.handleStream)
	h.mux.HandleFunc(fmt.Sprintf("POST %s", postPath), h.handleMessage)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// handleStream opens the SSE stream, advertising the message endpoint as the
// first event and then relaying everything the service emits.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.DebugContext(ctx, "sse.stream.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamTypes); err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must allow text/event-stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	var bearer string
	if h.cfg.forwardAuth {
		if tok, ok := auth.BearerToken(r); ok {
			bearer = tok
		}
	}

	sess, err := h.eng.CreateSession(ctx, sessions.ModeStateful, bearer)
	if err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Mode: sess.Mode().String()})
	h.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", sess.ID()))

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wf := frame.NewFlushWriter(ctx, w, flusher)
	enc := frame.NewSSEEncoder(wf)
	stop := frame.StartKeepAlive(ctx, enc, h.cfg.keepAlive)
	defer stop()

	// The endpoint advertisement is written from OnAttach so that nothing the
	// service publishes can slip between it and the consumer attach.
	err = sess.Consume(ctx, sessions.ConsumeOptions{
		OnAttach: func() {
			if werr := enc.WriteNamedEvent(endpointEventName, h.postPath+"?"+sessionQueryParam+"="+sess.ID()); werr != nil {
				h.log.DebugContext(ctx, "sse.endpoint.write.fail", slog.String("err", werr.Error()))
			}
		},
	}, func(cbCtx context.Context, eventID string, payload []byte) error {
		return enc.WriteFrame(eventID, payload)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		// Disconnect starts the idle grace period; the sweeper retires the
		// session if the client never comes back.
		h.log.DebugContext(ctx, "sse.stream.client.gone")
	case errors.Is(err, sessions.ErrChannelClosed):
		h.log.DebugContext(ctx, "sse.stream.session.closed")
	default:
		h.log.DebugContext(ctx, "sse.stream.end", slog.String("err", err.Error()))
	}
}

// handleMessage accepts one client-to-service message for the session bound
// in the query string.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.DebugContext(ctx, "sse.post.start")

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchNotSupported) {
			writeJSONError(w, http.StatusBadRequest, "batch arrays are not supported on this transport")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}

	rpcData := &logctx.RPCMessage{Type: msg.Type(), Method: msg.Method}
	if req := msg.AsRequest(); req != nil {
		rpcData.ID = req.ID.String()
	}
	ctx = logctx.WithRPCMessage(ctx, rpcData)

	sessID := r.URL.Query().Get(sessionQueryParam)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+sessionQueryParam+" query parameter")
		return
	}
	sess, err := h.eng.LoadSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", sessID))
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Mode: sess.Mode().String()})

	if h.cfg.forwardAuth {
		if tok, ok := auth.BearerToken(r); ok {
			sess.SetAuthorization(tok)
		}
	}

	if err := sess.PushInbound(ctx, body); err != nil {
		switch {
		case errors.Is(err, sessions.ErrBackpressure):
			h.log.WarnContext(ctx, "session.inbound.backpressure")
			writeJSONError(w, http.StatusServiceUnavailable, "session inbound queue is full")
		case errors.Is(err, sessions.ErrChannelClosed):
			writeJSONError(w, http.StatusNotFound, "session is terminating")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		default:
			h.log.ErrorContext(ctx, "session.inbound.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to enqueue message")
		}
		return
	}

	h.log.DebugContext(ctx, "sse.post.accepted")
	w.WriteHeader(http.StatusAccepted)
}
