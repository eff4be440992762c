package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	rpcbridge "github.com/rpcbridge/rpcbridge-go"
	"github.com/rpcbridge/rpcbridge-go/auth"
	"github.com/rpcbridge/rpcbridge-go/internal/jsonrpc"
	"github.com/rpcbridge/rpcbridge-go/sessions"
	"github.com/rpcbridge/rpcbridge-go/sessions/memoryhost"
)

// echoFactory builds the test service: requests are answered with their own
// params under "echo" (plus the forwarded credential, when present), and
// "emit" notifications are rebroadcast on the standalone stream as "event"
// notifications. Requests with method "slow" are answered after a delay.
func echoFactory() rpcbridge.Factory {
	return rpcbridge.FactoryFunc(func(ctx context.Context) (rpcbridge.Handler, error) {
		return rpcbridge.HandlerFunc(func(ctx context.Context, conn rpcbridge.Conn) error {
			for {
				raw, err := conn.Recv(ctx)
				if err != nil {
					return err
				}
				msg, err := jsonrpc.Decode(raw)
				if err != nil {
					continue
				}
				switch msg.Type() {
				case "request":
					req := msg.AsRequest()
					if req.Method == "slow" {
						select {
						case <-time.After(200 * time.Millisecond):
						case <-ctx.Done():
							return ctx.Err()
						}
					}
					result := map[string]any{"echo": req.Params}
					if tok, ok := conn.Authorization(); ok {
						result["token"] = tok
					}
					if tok, ok := auth.TokenFromContext(ctx); ok {
						result["ctxToken"] = tok
					}
					res, err := jsonrpc.NewResultResponse(req.ID, result)
					if err != nil {
						return err
					}
					b, err := json.Marshal(res)
					if err != nil {
						return err
					}
					if err := conn.Send(ctx, b); err != nil {
						return err
					}
				case "notification":
					if msg.Method != "emit" {
						continue
					}
					out, err := json.Marshal(map[string]any{
						"jsonrpc": "2.0",
						"method":  "event",
						"params":  msg.Params,
					})
					if err != nil {
						return err
					}
					if err := conn.Send(ctx, out); err != nil {
						return err
					}
				}
			}
		}), nil
	})
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *memoryhost.Host) {
	t.Helper()
	host := memoryhost.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	all := append([]Option{WithLogger(log)}, opts...)
	h, err := New(ctx, "/rpc", host, echoFactory(), all...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, host
}

func doPost(t *testing.T, srv *httptest.Server, sessionID, authHeader, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func openStream(t *testing.T, srv *httptest.Server, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/rpc", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return resp
}

// readOneSSE reads frames off a POST exchange stream, skipping keep-alive
// comments, until one data frame is complete.
func readOneSSE(t *testing.T, r io.Reader) (id, data string) {
	t.Helper()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return id, data
		}
	}
}

// nextEvent pulls the next non-comment event from an open SSE stream. A
// single sse.Read iterator is kept per stream: its internal buffering may
// consume bytes past the first event, so starting a fresh reader on each
// call would lose events already buffered by the previous one.
var (
	eventPullsMu sync.Mutex
	eventPulls   = map[io.Reader]func() (sse.Event, error, bool){}
)

func nextEvent(t *testing.T, body io.Reader) sse.Event {
	t.Helper()
	eventPullsMu.Lock()
	next, ok := eventPulls[body]
	if !ok {
		next, _ = iter.Pull2(sse.Read(body, nil))
		eventPulls[body] = next
	}
	eventPullsMu.Unlock()
	ev, err, ok := next()
	if !ok {
		t.Fatal("stream ended without an event")
	}
	if err != nil {
		t.Fatalf("read sse: %v", err)
	}
	return ev
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := doPost(t, srv, "", "", `{"jsonrpc":"2.0","method":"hello","params":{},"id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create exchange status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get(sessionIDHeader)
	if sessID == "" {
		t.Fatal("missing session id header on first exchange")
	}
	readOneSSE(t, resp.Body)
	return sessID
}

func TestPostRequestStreamsCorrelatedResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "", "", `{"jsonrpc":"2.0","method":"sum","params":{"x":1},"id":7}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}
	if resp.Header.Get(sessionIDHeader) == "" {
		t.Fatal("first exchange must advertise a session id")
	}

	_, data := readOneSSE(t, resp.Body)
	var res struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			Echo map[string]int `json:"echo"`
		} `json:"result"`
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		t.Fatalf("unmarshal response %q: %v", data, err)
	}
	if res.ID != 7 || res.Result.Echo["x"] != 1 {
		t.Fatalf("unexpected response %q", data)
	}
}

func TestPostNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	resp := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"log","params":{"msg":"hi"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestPostRejectsBadPayloadsBeforeSessionWork(t *testing.T) {
	srv, host := newTestServer(t)

	cases := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"wrong content type", "text/plain", `{"jsonrpc":"2.0","method":"a"}`, http.StatusUnsupportedMediaType},
		{"invalid json", "application/json", `{oops`, http.StatusBadRequest},
		{"wrong version", "application/json", `{"jsonrpc":"1.0","method":"a"}`, http.StatusBadRequest},
		{"batch array", "application/json", `[{"jsonrpc":"2.0","method":"a"}]`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			req.Header.Set("Accept", "text/event-stream")
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}

	if host.Len() != 0 {
		t.Fatalf("rejected posts created %d sessions", host.Len())
	}
}

func TestPostUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doPost(t, srv, "no-such-session", "", `{"jsonrpc":"2.0","method":"a","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPostDuplicateInFlightRequestID(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	first := make(chan *http.Response, 1)
	go func() {
		first <- doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"slow","id":9}`)
	}()
	time.Sleep(50 * time.Millisecond)

	dup := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"sum","id":9}`)
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", dup.StatusCode)
	}

	resp := <-first
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("original status = %d, want 200", resp.StatusCode)
	}
	readOneSSE(t, resp.Body)
}

func TestGetStreamDeliversServerEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	stream := openStream(t, srv, sessID, "")
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", stream.StatusCode)
	}
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	resp := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"emit","params":{"n":1}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("emit status = %d, want 202", resp.StatusCode)
	}

	ev := nextEvent(t, stream.Body)
	if ev.LastEventID == "" {
		t.Fatal("stream event missing id")
	}
	var note struct {
		Method string         `json:"method"`
		Params map[string]int `json:"params"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &note); err != nil {
		t.Fatalf("unmarshal event %q: %v", ev.Data, err)
	}
	if note.Method != "event" || note.Params["n"] != 1 {
		t.Fatalf("unexpected event %q", ev.Data)
	}
}

func TestGetStreamResumeReplaysIdentically(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	stream := openStream(t, srv, sessID, "")
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", stream.StatusCode)
	}
	for _, n := range []int{1, 2} {
		resp := doPost(t, srv, sessID, "", fmt.Sprintf(`{"jsonrpc":"2.0","method":"emit","params":{"n":%d}}`, n))
		resp.Body.Close()
	}
	ev1 := nextEvent(t, stream.Body)
	ev2 := nextEvent(t, stream.Body)
	stream.Body.Close()

	// The server needs a moment to notice the disconnect and release the
	// consumer slot.
	var resumed *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for {
		resumed = openStream(t, srv, sessID, ev1.LastEventID)
		if resumed.StatusCode == http.StatusOK {
			break
		}
		resumed.Body.Close()
		if time.Now().After(deadline) {
			t.Fatalf("resume status = %d, want 200", resumed.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer resumed.Body.Close()
	replay := nextEvent(t, resumed.Body)
	if replay.LastEventID != ev2.LastEventID || replay.Data != ev2.Data {
		t.Fatalf("replay (%q, %q) differs from original (%q, %q)",
			replay.LastEventID, replay.Data, ev2.LastEventID, ev2.Data)
	}
}

func TestGetStreamErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	t.Run("missing session header", func(t *testing.T) {
		resp := openStream(t, srv, "", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
	t.Run("unknown session", func(t *testing.T) {
		resp := openStream(t, srv, "nope", "")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
	t.Run("unknown last event id", func(t *testing.T) {
		resp := openStream(t, srv, sessID, "999999")
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		// The rejection is a plain JSON response; none of the stream headers
		// staged before the attach may leak onto it.
		for _, name := range []string{"Cache-Control", "Connection", "X-Accel-Buffering"} {
			if v := resp.Header.Get(name); v != "" {
				t.Fatalf("error response leaked stream header %s: %q", name, v)
			}
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("error content-type = %q, want application/json", ct)
		}
	})
	t.Run("unacceptable accept header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rpc", nil)
		req.Header.Set("Accept", "application/xml")
		req.Header.Set(sessionIDHeader, sessID)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d, want 415", resp.StatusCode)
		}
	})
}

func TestGetStreamConflictRejectsSecond(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	stream := openStream(t, srv, sessID, "")
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", stream.StatusCode)
	}

	second := openStream(t, srv, sessID, "")
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", second.StatusCode)
	}
}

func TestGetStreamEvictPriorHandsOver(t *testing.T) {
	srv, _ := newTestServer(t, WithConflictPolicy(sessions.EvictPrior))
	sessID := createSession(t, srv)

	first := openStream(t, srv, sessID, "")
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", first.StatusCode)
	}

	second := openStream(t, srv, sessID, "")
	defer second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second stream status = %d, want 200", second.StatusCode)
	}

	// The evicted stream ends; draining it must terminate.
	_, _ = io.Copy(io.Discard, first.Body)
	first.Body.Close()

	resp := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"emit","params":{"n":5}}`)
	resp.Body.Close()
	ev := nextEvent(t, second.Body)
	if !strings.Contains(ev.Data, `"n":5`) {
		t.Fatalf("new stream got %q", ev.Data)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := createSession(t, srv)

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rpc", nil)
		if id != "" {
			req.Header.Set(sessionIDHeader, id)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del(""); got != http.StatusBadRequest {
		t.Fatalf("delete without header = %d, want 400", got)
	}
	if got := del(sessID); got != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", got)
	}
	if got := del(sessID); got != http.StatusNotFound {
		t.Fatalf("repeat delete = %d, want 404", got)
	}

	resp := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"a","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete = %d, want 404", resp.StatusCode)
	}
}

func TestAuthorizationForwarding(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		srv, _ := newTestServer(t, WithAuthorizationForwarding())
		resp := doPost(t, srv, "", "Bearer tok-123", `{"jsonrpc":"2.0","method":"who","id":1}`)
		defer resp.Body.Close()
		_, data := readOneSSE(t, resp.Body)
		if !strings.Contains(data, `"token":"tok-123"`) {
			t.Fatalf("response %q missing forwarded credential", data)
		}
		// The creation-time credential is also stamped onto the handler's
		// context.
		if !strings.Contains(data, `"ctxToken":"tok-123"`) {
			t.Fatalf("response %q missing context credential", data)
		}
	})
	t.Run("enabled with malformed header", func(t *testing.T) {
		srv, _ := newTestServer(t, WithAuthorizationForwarding())
		resp := doPost(t, srv, "", "Basic dXNlcg==", `{"jsonrpc":"2.0","method":"who","id":1}`)
		defer resp.Body.Close()
		// Malformed credentials are ignored, never a request failure.
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		_, data := readOneSSE(t, resp.Body)
		if strings.Contains(data, `"token"`) {
			t.Fatalf("response %q carries credential from malformed header", data)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		srv, _ := newTestServer(t)
		resp := doPost(t, srv, "", "Bearer tok-123", `{"jsonrpc":"2.0","method":"who","id":1}`)
		defer resp.Body.Close()
		_, data := readOneSSE(t, resp.Body)
		if strings.Contains(data, `"token"`) {
			t.Fatalf("response %q carries credential while forwarding is off", data)
		}
	})
}

func TestStatelessMode(t *testing.T) {
	srv, host := newTestServer(t, WithStatelessMode())

	resp := doPost(t, srv, "", "", `{"jsonrpc":"2.0","method":"sum","params":{"x":2},"id":3}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(sessionIDHeader); got != "" {
		t.Fatalf("stateless exchange advertised session id %q", got)
	}
	_, data := readOneSSE(t, resp.Body)
	if !strings.Contains(data, `"x":2`) {
		t.Fatalf("unexpected response %q", data)
	}

	// The throwaway session must not outlive the exchange.
	deadline := time.Now().Add(2 * time.Second)
	for host.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d sessions survived a stateless exchange", host.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}

	get, _ := http.NewRequest(http.MethodGet, srv.URL+"/rpc", nil)
	get.Header.Set("Accept", "text/event-stream")
	get.Header.Set(sessionIDHeader, "anything")
	gr, err := srv.Client().Do(get)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gr.Body.Close()
	if gr.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("stateless GET = %d, want 405", gr.StatusCode)
	}
}

func TestNDJSONNegotiation(t *testing.T) {
	srv, _ := newTestServer(t, WithKeepAliveInterval(-1))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","method":"sum","params":{"x":4},"id":2}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-ndjson") {
		t.Fatalf("content-type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	line := strings.TrimRight(string(body), "\n")
	if strings.Contains(line, "\n") {
		t.Fatalf("expected a single ndjson line, got %q", body)
	}
	var res struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if res.ID != 2 {
		t.Fatalf("response id = %d, want 2", res.ID)
	}
}

func TestKeepAliveDisabledProducesBareFrame(t *testing.T) {
	srv, _ := newTestServer(t, WithKeepAliveInterval(-1))

	resp := doPost(t, srv, "", "", `{"jsonrpc":"2.0","method":"sum","id":1}`)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	s := string(body)
	if strings.Contains(s, ": ping") {
		t.Fatalf("keep-alive frame on a disabled stream: %q", s)
	}
	if !strings.HasPrefix(s, "data: ") || !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("frame not byte-stable SSE: %q", s)
	}
}

func TestIdleSweepRemovesDisconnectedSession(t *testing.T) {
	srv, host := newTestServer(t,
		WithIdleTimeout(60*time.Millisecond),
		WithSweepInterval(20*time.Millisecond),
	)
	sessID := createSession(t, srv)

	deadline := time.Now().Add(3 * time.Second)
	for host.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle session was never swept")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp := doPost(t, srv, sessID, "", `{"jsonrpc":"2.0","method":"late","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post after sweep = %d, want 404", resp.StatusCode)
	}
}
