package frame

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

// Encoder serializes outbound frames onto an open stream response. Encoding
// is byte-stable: the same payload always produces identical bytes, which is
// what makes backlog replay after Last-Event-ID safe.
//
// Implementations never buffer more than the frame being written; bounding of
// in-flight data is the session queue's job.
type Encoder interface {
	// WriteFrame emits one message frame. eventID may be empty.
	WriteFrame(eventID string, payload []byte) error
	// WriteKeepAlive emits a no-op frame that clients must ignore.
	WriteKeepAlive() error
	// Frames reports the number of message frames written (keep-alives
	// excluded). Used by the keep-alive scheduler to detect idle streams.
	Frames() int64
	// ContentType returns the media type the encoder produces.
	ContentType() string
}

// SSEEncoder writes Server-Sent Events: optional "id:" line, "data:" line,
// blank line terminator. Keep-alives are comment lines.
type SSEEncoder struct {
	w      *FlushWriter
	frames atomic.Int64
}

func NewSSEEncoder(w *FlushWriter) *SSEEncoder {
	return &SSEEncoder{w: w}
}

func (e *SSEEncoder) WriteFrame(eventID string, payload []byte) error {
	// The whole frame goes out in one Write: the flush writer's lock then
	// serializes frames and keep-alive comments at frame granularity, so a
	// concurrent keep-alive tick can never land inside an event.
	var b bytes.Buffer
	b.Grow(len(eventID) + len(payload) + 16)
	if eventID != "" {
		b.WriteString("id: ")
		b.WriteString(eventID)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := e.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE frame: %w", err)
	}
	e.w.Flush()
	e.frames.Add(1)
	return nil
}

// WriteNamedEvent emits an SSE event with an explicit event name. The paired
// SSE transport uses it for the initial "endpoint" advertisement.
func (e *SSEEncoder) WriteNamedEvent(name, data string) error {
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\ndata: ")
	b.WriteString(data)
	b.WriteString("\n\n")
	if _, err := e.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE %s event: %w", name, err)
	}
	e.w.Flush()
	return nil
}

func (e *SSEEncoder) WriteKeepAlive() error {
	if _, err := e.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	e.w.Flush()
	return nil
}

func (e *SSEEncoder) Frames() int64 { return e.frames.Load() }

func (e *SSEEncoder) ContentType() string { return "text/event-stream" }

// NDJSONEncoder writes one JSON message per line. Keep-alives are bare
// newlines, which NDJSON readers skip as empty lines.
type NDJSONEncoder struct {
	w      *FlushWriter
	frames atomic.Int64
}

func NewNDJSONEncoder(w *FlushWriter) *NDJSONEncoder {
	return &NDJSONEncoder{w: w}
}

func (e *NDJSONEncoder) WriteFrame(eventID string, payload []byte) error {
	// NDJSON has no frame-level id; resumption is an SSE-mode feature.
	if bytes.ContainsRune(payload, '\n') {
		return fmt.Errorf("ndjson payload must not contain newlines")
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write ndjson frame: %w", err)
	}
	e.w.Flush()
	e.frames.Add(1)
	return nil
}

func (e *NDJSONEncoder) WriteKeepAlive() error {
	if _, err := e.w.Write([]byte("\n")); err != nil {
		return err
	}
	e.w.Flush()
	return nil
}

func (e *NDJSONEncoder) Frames() int64 { return e.frames.Load() }

func (e *NDJSONEncoder) ContentType() string { return "application/x-ndjson" }
