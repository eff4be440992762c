// Package memoryhost provides the in-process implementation of
// sessions.Store. It is the default backend for single-instance deployments;
// use sessions/redishost when session traffic must survive across processes.
package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/rpcbridge/rpcbridge-go/sessions"
)

const (
	defaultInboundBuffer  = 64
	defaultEnqueueTimeout = 5 * time.Second
	defaultBacklogSize    = 256
)

// Option tunes a Host.
type Option func(*Host)

// WithInboundBuffer sets the capacity of each session's inbound queue.
func WithInboundBuffer(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.inboundBuffer = n
		}
	}
}

// WithEnqueueTimeout bounds how long PushInbound blocks on a full inbound
// queue before failing with ErrBackpressure.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.enqueueTimeout = d
		}
	}
}

// WithBacklogSize bounds the outbound frame backlog retained per session for
// Last-Event-ID resumption. Older frames are dropped as new ones arrive.
func WithBacklogSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.backlogSize = n
		}
	}
}

// Host is an in-memory sessions.Store. The registry lock is held only for
// O(1) map operations, never across queue waits or handler callbacks.
type Host struct {
	mu       sync.RWMutex
	sessions map[string]*session

	inboundBuffer  int
	enqueueTimeout time.Duration
	backlogSize    int
}

var _ sessions.Store = (*Host)(nil)

// New constructs an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		sessions:       make(map[string]*session),
		inboundBuffer:  defaultInboundBuffer,
		enqueueTimeout: defaultEnqueueTimeout,
		backlogSize:    defaultBacklogSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Create(ctx context.Context, mode sessions.Mode) (sessions.Session, error) {
	s := &session{
		id:             uuid.NewString(),
		mode:           mode,
		createdAt:      time.Now(),
		inbound:        make(chan []byte, h.inboundBuffer),
		enqueueTimeout: h.enqueueTimeout,
		backlog:        queue.New(),
		backlogCap:     h.backlogSize,
		nextEventID:    1,
		notify:         make(chan struct{}, 1),
		closed:         make(chan struct{}),
		awaits:         make(map[string]*awaitState),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	return s, nil
}

func (h *Host) Get(ctx context.Context, id string) (sessions.Session, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return s, nil
}

func (h *Host) Remove(ctx context.Context, id string) error {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if ok {
		return s.Close()
	}
	return nil
}

func (h *Host) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	// Iterate a snapshot so removal never holds the registry lock for the
	// scan duration.
	h.mu.RLock()
	snapshot := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	cutoff := time.Now().Add(-idleFor)
	removed := 0
	for _, s := range snapshot {
		if s.Attached() {
			continue
		}
		if s.LastActivity().After(cutoff) {
			continue
		}
		if err := h.Remove(ctx, s.id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Len reports the number of live sessions. Intended for tests and metrics.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

type frame struct {
	id      int64
	payload []byte
}

type consumer struct {
	evicted chan struct{}
}

type session struct {
	id           string
	mode         sessions.Mode
	createdAt    time.Time
	lastActivity atomic.Int64

	inbound        chan []byte
	enqueueTimeout time.Duration

	mu          sync.Mutex
	backlog     *queue.Queue
	backlogCap  int
	nextEventID int64
	cons        *consumer
	notify      chan struct{}

	awaitsMu sync.Mutex
	awaits   map[string]*awaitState

	authToken atomic.Pointer[string]

	closeOnce sync.Once
	closed    chan struct{}
}

var _ sessions.Session = (*session)(nil)

func (s *session) ID() string              { return s.id }
func (s *session) Mode() sessions.Mode     { return s.mode }
func (s *session) CreatedAt() time.Time    { return s.createdAt }
func (s *session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }
func (s *session) Touch()                  { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *session) PushInbound(ctx context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return sessions.ErrChannelClosed
	default:
	}

	p := append([]byte(nil), payload...)

	// Fast path before arming the backpressure timer.
	select {
	case s.inbound <- p:
		s.Touch()
		return nil
	default:
	}

	t := time.NewTimer(s.enqueueTimeout)
	defer t.Stop()
	select {
	case s.inbound <- p:
		s.Touch()
		return nil
	case <-t.C:
		return sessions.ErrBackpressure
	case <-s.closed:
		return sessions.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Recv(ctx context.Context) ([]byte, error) {
	// Drain queued messages even when teardown has started; closure wins
	// only once the queue is empty.
	select {
	case p := <-s.inbound:
		return p, nil
	default:
	}
	select {
	case p := <-s.inbound:
		return p, nil
	case <-s.closed:
		return nil, sessions.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) Publish(ctx context.Context, payload []byte) (string, error) {
	select {
	case <-s.closed:
		return "", sessions.ErrChannelClosed
	default:
	}

	s.mu.Lock()
	f := frame{id: s.nextEventID, payload: append([]byte(nil), payload...)}
	s.nextEventID++
	s.backlog.Add(f)
	for s.backlog.Length() > s.backlogCap {
		s.backlog.Remove()
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return strconv.FormatInt(f.id, 10), nil
}

func (s *session) Consume(ctx context.Context, opts sessions.ConsumeOptions, fn sessions.MessageHandler) error {
	c := &consumer{evicted: make(chan struct{})}

	s.mu.Lock()
	if prior := s.cons; prior != nil {
		if opts.Policy != sessions.EvictPrior {
			s.mu.Unlock()
			return sessions.ErrSessionConflict
		}
		close(prior.evicted)
	}
	s.cons = c

	var cursor int64
	if opts.LastEventID == "" {
		cursor = s.nextEventID
	} else {
		evID, err := strconv.ParseInt(opts.LastEventID, 10, 64)
		if err != nil || !s.backlogContainsLocked(evID) {
			s.cons = nil
			s.mu.Unlock()
			return sessions.ErrEventIDUnknown
		}
		cursor = evID + 1
	}
	s.mu.Unlock()

	if opts.OnAttach != nil {
		opts.OnAttach()
	}

	defer func() {
		s.mu.Lock()
		if s.cons == c {
			s.cons = nil
		}
		s.mu.Unlock()
		// Detach starts the idle grace period so a transient disconnect is
		// only retired by a later sweep.
		s.Touch()
	}()

	for {
		pending := s.framesAfter(cursor)
		for _, f := range pending {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.evicted:
				return nil
			case <-s.closed:
				return sessions.ErrChannelClosed
			default:
			}
			if err := fn(ctx, strconv.FormatInt(f.id, 10), f.payload); err != nil {
				return err
			}
			cursor = f.id + 1
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.evicted:
			return nil
		case <-s.closed:
			return sessions.ErrChannelClosed
		case <-s.notify:
		}
	}
}

func (s *session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cons != nil
}

// backlogContainsLocked reports whether evID is still retained. Callers hold
// s.mu.
func (s *session) backlogContainsLocked(evID int64) bool {
	n := s.backlog.Length()
	if n == 0 {
		return false
	}
	first := s.backlog.Peek().(frame).id
	return evID >= first && evID < s.nextEventID
}

// framesAfter snapshots retained frames with id >= cursor.
func (s *session) framesAfter(cursor int64) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.backlog.Length()
	out := make([]frame, 0, n)
	for i := 0; i < n; i++ {
		f := s.backlog.Get(i).(frame)
		if f.id >= cursor {
			out = append(out, f)
		}
	}
	return out
}

type awaitState struct {
	ch   chan []byte
	done bool
}

func (a *awaitState) cancelLocked() {
	if !a.done {
		a.done = true
		close(a.ch)
	}
}

type awaiter struct {
	s             *session
	correlationID string
	st            *awaitState
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		_ = a.Cancel(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	case data, ok := <-a.st.ch:
		if !ok {
			return nil, sessions.ErrAwaitCanceled
		}
		return data, nil
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	a.s.awaitsMu.Lock()
	if st, ok := a.s.awaits[a.correlationID]; ok {
		st.cancelLocked()
		delete(a.s.awaits, a.correlationID)
	}
	a.s.awaitsMu.Unlock()
	return nil
}

func (s *session) BeginAwait(ctx context.Context, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	s.awaitsMu.Lock()
	if _, exists := s.awaits[correlationID]; exists {
		s.awaitsMu.Unlock()
		return nil, sessions.ErrAwaitExists
	}
	st := &awaitState{ch: make(chan []byte, 1)}
	s.awaits[correlationID] = st
	s.awaitsMu.Unlock()

	if ttl > 0 {
		timer := time.NewTimer(ttl)
		go func() {
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-s.closed:
			case <-timer.C:
				s.awaitsMu.Lock()
				if cur, ok := s.awaits[correlationID]; ok && cur == st {
					st.cancelLocked()
					delete(s.awaits, correlationID)
				}
				s.awaitsMu.Unlock()
			}
		}()
	}

	return &awaiter{s: s, correlationID: correlationID, st: st}, nil
}

func (s *session) Fulfill(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	s.awaitsMu.Lock()
	st, ok := s.awaits[correlationID]
	if !ok || st.done {
		delete(s.awaits, correlationID)
		s.awaitsMu.Unlock()
		return false, nil
	}
	st.done = true
	delete(s.awaits, correlationID)
	ch := st.ch
	s.awaitsMu.Unlock()

	ch <- append([]byte(nil), payload...)
	close(ch)
	return true, nil
}

func (s *session) SetAuthorization(token string) {
	s.authToken.Store(&token)
}

func (s *session) Authorization() (string, bool) {
	p := s.authToken.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.awaitsMu.Lock()
		for id, st := range s.awaits {
			st.cancelLocked()
			delete(s.awaits, id)
		}
		s.awaitsMu.Unlock()
	})
	return nil
}
