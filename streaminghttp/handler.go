package streaminghttp

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
	sessionIDHeader   = "Mcp-Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	defaultKeepAlive = 15 * time.Second
	defaultAwaitTTL  = 2 * time.Minute

	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	ndjsonMediaType      = contenttype.NewMediaType("application/x-ndjson")
	streamMediaTypes     = []contenttype.MediaType{eventStreamMediaType, ndjsonMediaType}
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before (or instead of) a streaming response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	h := w.Header()
	h.Del("Cache-Control")
	h.Del("Connection")
	h.Del("X-Accel-Buffering")
	h.Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

type config struct {
	logger         *slog.Logger
	keepAlive      time.Duration
	stateless      bool
	forwardAuth    bool
	conflictPolicy sessions.ConflictPolicy
	idleTimeout    time.Duration
	sweepInterval  time.Duration
}

// Option configures the handler.
type Option func(*config)

// WithLogger sets the structured logger. It is wrapped so request- and
// session-scoped attributes ride along automatically.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeepAliveInterval sets the cadence of keep-alive frames on open
// streams. Zero or negative disables keep-alives entirely. Default 15s.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithStatelessMode makes every POST run against a throwaway session that is
// torn down when the exchange completes. GET and DELETE are not served.
func WithStatelessMode() Option {
	return func(c *config) { c.stateless = true }
}

// WithAuthorizationForwarding turns on bearer credential forwarding: the
// Authorization header of each POST is captured onto the session, where
// service logic can read it. Off by default.
func WithAuthorizationForwarding() Option {
	return func(c *config) { c.forwardAuth = true }
}

// WithConflictPolicy decides what a second concurrent GET stream on one
// session does: reject the newcomer (default) or evict the prior stream.
func WithConflictPolicy(p sessions.ConflictPolicy) Option {
	return func(c *config) { c.conflictPolicy = p }
}

// WithIdleTimeout sets how long a session without client activity survives
// before the sweeper retires it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithSweepInterval sets how often idle sessions are collected.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// Handler is the unified streaming transport. It implements http.Handler and
// owns the session engine behind it.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	eng *engine.Engine
	cfg config
}

var _ http.Handler = (*Handler)(nil)

// New constructs the transport mounted at endpointPath. ctx bounds the
// session engine: cancel it to stop the sweeper and every session handler.
func New(ctx context.Context, endpointPath string, store sessions.Store, factory rpcbridge.Factory, opts ...Option) (*Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if !strings.HasPrefix(endpointPath, "/") {
		return nil, fmt.Errorf("endpoint path must begin with /: %q", endpointPath)
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
		mux: http.NewServeMux(),
		log: log,
		eng: eng,
		cfg: cfg,
	}
	h.mux.HandleFunc(fmt.Sprintf("POST %s", endpointPath), h.handlePost)
	h.mux.HandleFunc(fmt.Sprintf("GET %s", endpointPath), h.handleGet)
	h.mux.HandleFunc(fmt.Sprintf("DELETE %s", endpointPath), h.handleDelete)
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

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.post.start")

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// Malformed payloads are rejected before any session work.
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
	r = r.WithContext(ctx)

	if h.cfg.stateless {
		h.servePostStateless(w, r, body, msg)
		return
	}

	var sess sessions.Session
	if id := r.Header.Get(sessionIDHeader); id != "" {
		sess, err = h.eng.LoadSession(ctx, id)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
				writeJSONError(w, http.StatusNotFound, "session not found")
				return
			}
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
	} else {
		// First exchange: allocate the session and advertise its id.
		sess, err = h.eng.CreateSession(ctx, sessions.ModeStateful, h.bearerFor(r))
		if err != nil {
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		h.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", sess.ID()))
		w.Header().Set(sessionIDHeader, sess.ID())
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Mode: sess.Mode().String()})
	r = r.WithContext(ctx)
	h.forwardAuthorization(r, sess)

	if req := msg.AsRequest(); req != nil && !req.ID.IsNil() {
		h.servePostRequest(w, r, sess, body, req)
		return
	}
	h.servePostOneWay(w, r, sess, body)
}

// servePostOneWay accepts a notification or response: enqueue and 202.
func (h *Handler) servePostOneWay(w http.ResponseWriter, r *http.Request, sess sessions.Session, body []byte) {
	ctx := r.Context()
	if err := sess.PushInbound(ctx, body); err != nil {
		h.writeQueueError(w, r, err)
		return
	}
	h.log.DebugContext(ctx, "http.post.accepted")
	w.WriteHeader(http.StatusAccepted)
}

// servePostRequest runs the request/response exchange: register the
// rendezvous, enqueue the request, and hold a streaming response open until
// the correlated reply arrives.
func (h *Handler) servePostRequest(w http.ResponseWriter, r *http.Request, sess sessions.Session, body []byte, req *jsonrpc.Request) {
	ctx := r.Context()

	mt, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must allow text/event-stream or application/x-ndjson")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	// Register the waiter before enqueueing so the reply can never race past
	// the rendezvous.
	aw, err := sess.BeginAwait(ctx, req.ID.String(), defaultAwaitTTL)
	if err != nil {
		if errors.Is(err, sessions.ErrAwaitExists) {
			writeJSONError(w, http.StatusConflict, "request id already in flight")
			return
		}
		h.log.ErrorContext(ctx, "rpc.await.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to register request")
		return
	}
	defer func() { _ = aw.Cancel(context.WithoutCancel(ctx)) }()

	if err := sess.PushInbound(ctx, body); err != nil {
		h.writeQueueError(w, r, err)
		return
	}

	setStreamHeaders(w, mt)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	wf := frame.NewFlushWriter(ctx, w, flusher)
	enc := newEncoder(mt, wf)
	stop := frame.StartKeepAlive(ctx, enc, h.cfg.keepAlive)
	defer stop()

	payload, err := aw.Recv(ctx)
	if err != nil {
		// Client disconnect or session teardown; the stream just ends.
		h.log.DebugContext(ctx, "rpc.await.abandoned", slog.String("reason", err.Error()))
		return
	}
	if err := enc.WriteFrame("", payload); err != nil {
		h.log.DebugContext(ctx, "http.post.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.DebugContext(ctx, "http.post.responded")
}

// servePostStateless wraps the exchange in a throwaway session. Its queues
// never outlive the HTTP request.
func (h *Handler) servePostStateless(w http.ResponseWriter, r *http.Request, body []byte, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()

	sess, err := h.eng.CreateSession(ctx, sessions.ModeStateless, h.bearerFor(r))
	if err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	defer func() { _ = h.eng.DeleteSession(context.WithoutCancel(ctx), sess) }()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Mode: sess.Mode().String()})
	r = r.WithContext(ctx)
	h.forwardAuthorization(r, sess)

	if req := msg.AsRequest(); req != nil && !req.ID.IsNil() {
		h.servePostRequest(w, r, sess, body, req)
		return
	}
	h.servePostOneWay(w, r, sess, body)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.get.start")

	if h.cfg.stateless {
		writeJSONError(w, http.StatusMethodNotAllowed, "stateless mode has no standalone streams")
		return
	}

	mt, _, err := contenttype.GetAcceptableMediaType(r, streamMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusUnsupportedMediaType, "accept must allow text/event-stream or application/x-ndjson")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by connection")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+sessionIDHeader+" header")
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

	// Cheap pre-check; the authoritative conflict decision happens at attach.
	if h.cfg.conflictPolicy == sessions.RejectNew && sess.Attached() {
		writeJSONError(w, http.StatusConflict, "session stream already attached")
		return
	}

	setStreamHeaders(w, mt)
	wf := frame.NewFlushWriter(ctx, w, flusher)
	enc := newEncoder(mt, wf)

	// Headers are only committed once the attach succeeds, so attach errors
	// can still pick their own status code.
	attached := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- sess.Consume(ctx, sessions.ConsumeOptions{
			LastEventID: r.Header.Get(lastEventIDHeader),
			Policy:      h.cfg.conflictPolicy,
			OnAttach:    func() { close(attached) },
		}, func(cbCtx context.Context, eventID string, payload []byte) error {
			return enc.WriteFrame(eventID, payload)
		})
	}()

	select {
	case <-attached:
	case err := <-result:
		if err == nil {
			// Attached and evicted before we observed the attach; the stream
			// was valid, so commit the 200 and end it.
			wf.Flush()
			return
		}
		h.writeAttachError(w, r, err)
		return
	}

	h.log.InfoContext(ctx, "http.get.attached")
	stop := frame.StartKeepAlive(ctx, enc, h.cfg.keepAlive)
	defer stop()
	// Commit the 200 and stream headers even before the first frame.
	wf.Flush()

	err = <-result
	switch {
	case err == nil:
		// Evicted by a newer stream.
		h.log.InfoContext(ctx, "http.get.evicted")
	case errors.Is(err, context.Canceled):
		h.log.DebugContext(ctx, "http.get.client.gone")
	case errors.Is(err, sessions.ErrChannelClosed):
		h.log.DebugContext(ctx, "http.get.session.closed")
	default:
		h.log.DebugContext(ctx, "http.get.stream.end", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.DebugContext(ctx, "http.delete.start")

	if h.cfg.stateless {
		writeJSONError(w, http.StatusMethodNotAllowed, "stateless mode has no persistent sessions")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+sessionIDHeader+" header")
		return
	}
	sess, err := h.eng.LoadSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
	w.WriteHeader(http.StatusNoContent)
}

// bearerFor extracts the credential to hand to the engine at session
// creation, where it also lands on the handler's context. Empty when
// forwarding is disabled or the header is missing or malformed.
func (h *Handler) bearerFor(r *http.Request) string {
	if !h.cfg.forwardAuth {
		return ""
	}
	if tok, ok := auth.BearerToken(r); ok {
		return tok
	}
	return ""
}

// forwardAuthorization captures the bearer credential onto the session when
// forwarding is enabled. A missing or malformed header is never an error; it
// simply leaves the session's credential untouched.
func (h *Handler) forwardAuthorization(r *http.Request, sess sessions.Session) {
	if !h.cfg.forwardAuth {
		return
	}
	if tok, ok := auth.BearerToken(r); ok {
		sess.SetAuthorization(tok)
		h.log.DebugContext(r.Context(), "auth.forwarded")
	}
}

func (h *Handler) writeQueueError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, sessions.ErrBackpressure):
		h.log.WarnContext(ctx, "session.inbound.backpressure")
		writeJSONError(w, http.StatusServiceUnavailable, "session inbound queue is full")
	case errors.Is(err, sessions.ErrChannelClosed):
		writeJSONError(w, http.StatusNotFound, "session is terminating")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client gave up; nothing useful to write.
	default:
		h.log.ErrorContext(ctx, "session.inbound.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to enqueue message")
	}
}

func (h *Handler) writeAttachError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, sessions.ErrSessionConflict):
		writeJSONError(w, http.StatusConflict, "session stream already attached")
	case errors.Is(err, sessions.ErrEventIDUnknown):
		writeJSONError(w, http.StatusBadRequest, "unknown last event id")
	case errors.Is(err, sessions.ErrChannelClosed):
		writeJSONError(w, http.StatusNotFound, "session is terminating")
	case errors.Is(err, context.Canceled):
		// Client gave up before the attach completed.
	default:
		h.log.ErrorContext(ctx, "http.get.attach.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to attach stream")
	}
}

func setStreamHeaders(w http.ResponseWriter, mt contenttype.MediaType) {
	h := w.Header()
	h.Set("Content-Type", mt.String())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func newEncoder(mt contenttype.MediaType, wf *frame.FlushWriter) frame.Encoder {
	if mt.Matches(ndjsonMediaType) {
		return frame.NewNDJSONEncoder(wf)
	}
	return frame.NewSSEEncoder(wf)
}
