package ssehttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tmaxmax/go-sse"

	rpcbridge "github.com/rpcbridge/rpcbridge-go"
	"github.com/rpcbridge/rpcbridge-go/internal/jsonrpc"
	"github.com/rpcbridge/rpcbridge-go/sessions/memoryhost"
)

// echoFactory answers every request with its params under "echo" and ignores
// everything else.
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
				req := msg.AsRequest()
				if req == nil || req.ID.IsNil() {
					continue
				}
				res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{"echo": req.Params})
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
	h, err := New(ctx, "/events", "/messages", host, echoFactory(), all...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, host
}

func openStream(t *testing.T, srv *httptest.Server) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return resp
}

func nextEvent(t *testing.T, body io.Reader) sse.Event {
	t.Helper()
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		return ev
	}
	t.Fatal("stream ended without an event")
	return sse.Event{}
}

func postMessage(t *testing.T, srv *httptest.Server, endpoint, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+endpoint, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestStreamAdvertisesEndpointFirst(t *testing.T) {
	srv, _ := newTestServer(t)

	stream := openStream(t, srv)
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", stream.StatusCode)
	}
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type = %q", ct)
	}

	ev := nextEvent(t, stream.Body)
	if ev.Type != "endpoint" {
		t.Fatalf("first event type = %q, want endpoint", ev.Type)
	}
	u, err := url.Parse(ev.Data)
	if err != nil {
		t.Fatalf("endpoint %q does not parse: %v", ev.Data, err)
	}
	if u.Path != "/messages" {
		t.Fatalf("endpoint path = %q, want /messages", u.Path)
	}
	if u.Query().Get("sessionId") == "" {
		t.Fatalf("endpoint %q missing session id", ev.Data)
	}
}

func TestMessageRoundTripOverPairedEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	stream := openStream(t, srv)
	defer stream.Body.Close()
	endpoint := nextEvent(t, stream.Body)

	resp := postMessage(t, srv, endpoint.Data, `{"jsonrpc":"2.0","method":"sum","params":{"x":3},"id":1}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d, want 202", resp.StatusCode)
	}

	// The response rides the SSE stream, not the POST exchange.
	ev := nextEvent(t, stream.Body)
	if ev.LastEventID == "" {
		t.Fatal("stream event missing id")
	}
	var res struct {
		Result struct {
			Echo map[string]int `json:"echo"`
		} `json:"result"`
		ID int `json:"id"`
	}
	if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
		t.Fatalf("unmarshal %q: %v", ev.Data, err)
	}
	if res.ID != 1 || res.Result.Echo["x"] != 3 {
		t.Fatalf("unexpected response %q", ev.Data)
	}
}

func TestEachStreamGetsItsOwnSession(t *testing.T) {
	srv, host := newTestServer(t)

	a := openStream(t, srv)
	defer a.Body.Close()
	b := openStream(t, srv)
	defer b.Body.Close()

	evA := nextEvent(t, a.Body)
	evB := nextEvent(t, b.Body)
	if evA.Data == evB.Data {
		t.Fatalf("two streams shared an endpoint: %q", evA.Data)
	}
	if host.Len() != 2 {
		t.Fatalf("store holds %d sessions, want 2", host.Len())
	}
}

func TestPostErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	stream := openStream(t, srv)
	defer stream.Body.Close()
	endpoint := nextEvent(t, stream.Body)

	t.Run("missing session param", func(t *testing.T) {
		resp := postMessage(t, srv, "/messages", `{"jsonrpc":"2.0","method":"a"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
	t.Run("unknown session", func(t *testing.T) {
		resp := postMessage(t, srv, "/messages?sessionId=nope", `{"jsonrpc":"2.0","method":"a"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
	t.Run("wrong content type", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+endpoint.Data, strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d, want 415", resp.StatusCode)
		}
	})
	t.Run("batch array", func(t *testing.T) {
		resp := postMessage(t, srv, endpoint.Data, `[{"jsonrpc":"2.0","method":"a"}]`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
	t.Run("malformed json", func(t *testing.T) {
		resp := postMessage(t, srv, endpoint.Data, `{nope`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestStreamRequiresEventStreamAccept(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Accept", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}
