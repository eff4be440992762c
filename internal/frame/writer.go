// Package frame turns outbound messages into wire frames on a chunked HTTP
// response (Server-Sent Events or newline-delimited JSON) and owns the
// keep-alive scheduling for idle streams.
package frame

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// FlushWriter wraps an io.Writer + http.Flusher with a mutex and an optional
// context. It serializes concurrent writes/flushes and refuses to write after
// ctx is canceled, so a keep-alive tick can never interleave with a frame or
// touch a torn-down connection.
type FlushWriter struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// NewFlushWriter builds a FlushWriter over an http.ResponseWriter that
// supports flushing. ctx should be the request context.
func NewFlushWriter(ctx context.Context, w io.Writer, f http.Flusher) *FlushWriter {
	return &FlushWriter{w: w, f: f, ctx: ctx}
}

func (l *FlushWriter) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to narrow the race with cancellation.
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *FlushWriter) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}
