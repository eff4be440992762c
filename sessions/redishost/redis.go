package redishost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/rpcbridge/rpcbridge-go/sessions"
)

const (
	defaultInboundBuffer = 64
	defaultEnqueueWait   = 5 * time.Second
	defaultBacklogSize   = 256
	defaultIdleTTL       = 5 * time.Minute

	leaseTTL  = 15 * time.Second
	readBlock = 500 * time.Millisecond
)

// Config for the Redis-backed store. Fields carry envdecode tags so a
// deployment can populate it straight from the environment.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix namespaces every key this store writes. ENV: BRIDGE_KEY_PREFIX
	KeyPrefix string `env:"BRIDGE_KEY_PREFIX,default=bridge:"`
	// InboundBuffer bounds the per-session inbound list. ENV: BRIDGE_INBOUND_BUFFER
	InboundBuffer int `env:"BRIDGE_INBOUND_BUFFER,default=64"`
	// BacklogSize bounds the outbound replay stream. ENV: BRIDGE_BACKLOG_SIZE
	BacklogSize int `env:"BRIDGE_BACKLOG_SIZE,default=256"`
	// IdleTTL is how long a session survives without activity. ENV: BRIDGE_IDLE_TTL
	IdleTTL time.Duration `env:"BRIDGE_IDLE_TTL,default=5m"`
}

// Host is a sessions.Store backed by a single Redis instance.
type Host struct {
	client        *redis.Client
	keyPrefix     string
	inboundBuffer int
	backlogSize   int
	idleTTL       time.Duration
	enqueueWait   time.Duration
}

var _ sessions.Store = (*Host)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Host, error) {
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "bridge:"
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultInboundBuffer
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = defaultBacklogSize
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}

	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Host{
		client:        cl,
		keyPrefix:     cfg.KeyPrefix,
		inboundBuffer: cfg.InboundBuffer,
		backlogSize:   cfg.BacklogSize,
		idleTTL:       cfg.IdleTTL,
		enqueueWait:   defaultEnqueueWait,
	}, nil
}

// NewFromEnv builds a Host from environment variables via envdecode.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Close releases the Redis client.
func (h *Host) Close() error { return h.client.Close() }

func (h *Host) metaKey(id string) string    { return h.keyPrefix + "meta:" + id }
func (h *Host) inboundKey(id string) string { return h.keyPrefix + "in:" + id }
func (h *Host) streamKey(id string) string  { return h.keyPrefix + "out:" + id }
func (h *Host) leaseKey(id string) string   { return h.keyPrefix + "lease:" + id }
func (h *Host) awaitKey(id, corr string) string {
	return h.keyPrefix + "await:" + id + ":" + corr
}
func (h *Host) replyKey(id, corr string) string {
	return h.keyPrefix + "reply:" + id + ":" + corr
}

func (h *Host) Create(ctx context.Context, mode sessions.Mode) (sessions.Session, error) {
	id := uuid.NewString()
	now := time.Now()
	meta := map[string]any{
		"mode":    int(mode),
		"created": now.UnixNano(),
		"last":    now.UnixNano(),
	}
	if err := h.client.HSet(ctx, h.metaKey(id), meta).Err(); err != nil {
		return nil, fmt.Errorf("create session meta: %w", err)
	}
	if err := h.client.Expire(ctx, h.metaKey(id), h.idleTTL).Err(); err != nil {
		return nil, fmt.Errorf("set session ttl: %w", err)
	}
	return &session{h: h, id: id, mode: mode, createdAt: now}, nil
}

func (h *Host) Get(ctx context.Context, id string) (sessions.Session, error) {
	vals, err := h.client.HGetAll(ctx, h.metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session meta: %w", err)
	}
	if len(vals) == 0 {
		return nil, sessions.ErrSessionNotFound
	}

	mode := sessions.ModeStateful
	if m, err := strconv.Atoi(vals["mode"]); err == nil {
		mode = sessions.Mode(m)
	}
	var created time.Time
	if ns, err := strconv.ParseInt(vals["created"], 10, 64); err == nil {
		created = time.Unix(0, ns)
	}
	return &session{h: h, id: id, mode: mode, createdAt: created}, nil
}

func (h *Host) Remove(ctx context.Context, id string) error {
	c := context.WithoutCancel(ctx)
	_ = h.client.Del(c, h.metaKey(id), h.inboundKey(id), h.streamKey(id), h.leaseKey(id)).Err()
	_ = h.deleteByPattern(c, h.keyPrefix+"await:"+id+":*")
	_ = h.deleteByPattern(c, h.keyPrefix+"reply:"+id+":*")
	return nil
}

// Sweep collects queue keys whose meta hash already expired. Idle expiry
// itself is Redis' job: Touch slides the meta TTL, so idleFor is only a
// lower bound here and sessions with a live consumer keep refreshing.
func (h *Host) Sweep(ctx context.Context, idleFor time.Duration) (int, error) {
	removed := 0
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, h.keyPrefix+"out:*", 50).Result()
		if err != nil {
			return removed, fmt.Errorf("scan outbound streams: %w", err)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, h.keyPrefix+"out:")
			n, err := h.client.Exists(ctx, h.metaKey(id)).Result()
			if err != nil {
				return removed, err
			}
			if n == 0 {
				if err := h.Remove(ctx, id); err == nil {
					removed++
				}
			}
		}
		if cur == 0 {
			return removed, nil
		}
		cursor = cur
	}
}

func (h *Host) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_ = h.client.Del(ctx, keys...).Err()
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

type session struct {
	h         *Host
	id        string
	mode      sessions.Mode
	createdAt time.Time
}

var _ sessions.Session = (*session)(nil)

func (s *session) ID() string           { return s.id }
func (s *session) Mode() sessions.Mode  { return s.mode }
func (s *session) CreatedAt() time.Time { return s.createdAt }

func (s *session) LastActivity() time.Time {
	ns, err := s.h.client.HGet(context.Background(), s.h.metaKey(s.id), "last").Int64()
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *session) Touch() {
	ctx := context.Background()
	key := s.h.metaKey(s.id)
	_ = s.h.client.HSet(ctx, key, "last", time.Now().UnixNano()).Err()
	_ = s.h.client.Expire(ctx, key, s.h.idleTTL).Err()
}

func (s *session) alive(ctx context.Context) (bool, error) {
	n, err := s.h.client.Exists(ctx, s.h.metaKey(s.id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PushInbound appends to the bounded inbound list, waiting briefly for a slow
// handler to drain before giving up with ErrBackpressure.
func (s *session) PushInbound(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(s.h.enqueueWait)
	for {
		ok, err := s.alive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return sessions.ErrChannelClosed
		}

		n, err := s.h.client.LLen(ctx, s.h.inboundKey(s.id)).Result()
		if err != nil {
			return fmt.Errorf("inbound depth: %w", err)
		}
		if n < int64(s.h.inboundBuffer) {
			if err := s.h.client.RPush(ctx, s.h.inboundKey(s.id), payload).Err(); err != nil {
				return fmt.Errorf("enqueue inbound: %w", err)
			}
			s.Touch()
			return nil
		}

		if time.Now().After(deadline) {
			return sessions.ErrBackpressure
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *session) Recv(ctx context.Context) ([]byte, error) {
	for {
		// Drain queued messages even after teardown begins, so a handler can
		// finish work that was accepted before the session closed.
		res, err := s.h.client.LPop(ctx, s.h.inboundKey(s.id)).Bytes()
		if err == nil {
			return res, nil
		}
		if err != redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue inbound: %w", err)
		}

		ok, err := s.alive(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, sessions.ErrChannelClosed
		}

		vals, err := s.h.client.BLPop(ctx, readBlock, s.h.inboundKey(s.id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("await inbound: %w", err)
		}
		if len(vals) == 2 {
			return []byte(vals[1]), nil
		}
	}
}

func (s *session) Publish(ctx context.Context, payload []byte) (string, error) {
	ok, err := s.alive(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", sessions.ErrChannelClosed
	}
	id, err := s.h.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.h.streamKey(s.id),
		MaxLen: int64(s.h.backlogSize),
		Approx: true,
		Values: map[string]any{"d": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish outbound: %w", err)
	}
	return id, nil
}

func (s *session) Consume(ctx context.Context, opts sessions.ConsumeOptions, fn sessions.MessageHandler) error {
	// Resolve the start position to a concrete entry id up front: reading
	// from "$" in a loop would drop anything published between two XRead
	// calls.
	var cursor string
	if opts.LastEventID != "" {
		if !validStreamID(opts.LastEventID) {
			return sessions.ErrEventIDUnknown
		}
		cursor = opts.LastEventID
	} else {
		last, err := s.h.client.XRevRangeN(ctx, s.h.streamKey(s.id), "+", "-", 1).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("resolve stream head: %w", err)
		}
		cursor = "0"
		if len(last) > 0 {
			cursor = last[0].ID
		}
	}

	token := uuid.NewString()
	lease := s.h.leaseKey(s.id)
	claimed, err := s.h.client.SetNX(ctx, lease, token, leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("claim consumer lease: %w", err)
	}
	if !claimed {
		if opts.Policy != sessions.EvictPrior {
			return sessions.ErrSessionConflict
		}
		// Overwrite the prior holder's token; its next ownership check fails
		// and its Consume returns.
		if err := s.h.client.Set(ctx, lease, token, leaseTTL).Err(); err != nil {
			return fmt.Errorf("evict consumer lease: %w", err)
		}
	}
	defer func() {
		c := context.WithoutCancel(ctx)
		_, _ = releaseLeaseScript.Run(c, s.h.client, []string{lease}, token).Result()
		// Disconnect starts the idle grace period rather than ending the
		// session outright.
		s.Touch()
	}()

	if opts.OnAttach != nil {
		opts.OnAttach()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		owner, err := s.h.client.Get(ctx, lease).Result()
		if err == redis.Nil || (err == nil && owner != token) {
			return nil // evicted
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("check consumer lease: %w", err)
		}
		_ = s.h.client.Expire(ctx, lease, leaseTTL).Err()
		s.Touch()

		res, err := s.h.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.h.streamKey(s.id), cursor},
			Count:   16,
			Block:   readBlock,
		}).Result()
		if err == redis.Nil {
			ok, aerr := s.alive(ctx)
			if aerr != nil {
				return aerr
			}
			if !ok {
				return sessions.ErrChannelClosed
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read outbound stream: %w", err)
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				cursor = m.ID
				payload := streamPayload(m.Values["d"])
				if err := fn(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

func (s *session) Attached() bool {
	n, err := s.h.client.Exists(context.Background(), s.h.leaseKey(s.id)).Result()
	return err == nil && n == 1
}

func (s *session) BeginAwait(ctx context.Context, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := s.h.awaitKey(s.id, correlationID)
	ok, err := s.h.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("register await: %w", err)
	}
	if !ok {
		return nil, sessions.ErrAwaitExists
	}
	return &awaiter{s: s, correlation: correlationID}, nil
}

func (s *session) Fulfill(ctx context.Context, correlationID string, payload []byte) (bool, error) {
	keys := []string{s.h.awaitKey(s.id, correlationID), s.h.replyKey(s.id, correlationID)}
	n, err := fulfillScript.Run(ctx, s.h.client, keys, payload).Int()
	if err != nil {
		return false, fmt.Errorf("fulfill await: %w", err)
	}
	return n == 1, nil
}

func (s *session) SetAuthorization(token string) {
	_ = s.h.client.HSet(context.Background(), s.h.metaKey(s.id), "auth", token).Err()
}

func (s *session) Authorization() (string, bool) {
	tok, err := s.h.client.HGet(context.Background(), s.h.metaKey(s.id), "auth").Result()
	if err != nil || tok == "" {
		return "", false
	}
	return tok, true
}

func (s *session) Close() error {
	return s.h.Remove(context.Background(), s.id)
}

type awaiter struct {
	s           *session
	correlation string
}

func (a *awaiter) Recv(ctx context.Context) ([]byte, error) {
	list := a.s.h.replyKey(a.s.id, a.correlation)
	for {
		res, err := a.s.h.client.BLPop(ctx, readBlock, list).Result()
		if err == redis.Nil {
			// Await marker gone without a reply means the slot was canceled.
			n, eerr := a.s.h.client.Exists(ctx, a.s.h.awaitKey(a.s.id, a.correlation)).Result()
			if eerr == nil && n == 0 {
				if l, lerr := a.s.h.client.LLen(ctx, list).Result(); lerr == nil && l == 0 {
					return nil, sessions.ErrAwaitCanceled
				}
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("await reply: %w", err)
		}
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}

func (a *awaiter) Cancel(ctx context.Context) error {
	c := context.WithoutCancel(ctx)
	return a.s.h.client.Del(c, a.s.h.awaitKey(a.s.id, a.correlation), a.s.h.replyKey(a.s.id, a.correlation)).Err()
}

// validStreamID accepts Redis stream ids of the form "<ms>-<seq>".
func validStreamID(id string) bool {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok || ms == "" || seq == "" {
		return false
	}
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
		return false
	}
	return true
}

func streamPayload(v any) []byte {
	switch d := v.(type) {
	case string:
		return []byte(d)
	case []byte:
		return d
	default:
		return []byte(fmt.Sprintf("%v", d))
	}
}

// fulfillScript atomically consumes the await marker and pushes the reply, so
// exactly one of Fulfill/Cancel wins for a given correlation id.
var fulfillScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  redis.call('DEL', KEYS[1])
  redis.call('EXPIRE', KEYS[2], 60)
  return 1
end
return 0
`)

// releaseLeaseScript deletes the consumer lease only if we still hold it.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
