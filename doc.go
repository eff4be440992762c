// Package rpcbridge exposes a bidirectional, message-oriented JSON-RPC
// service over HTTP.
//
// The package itself only defines the service-facing contract: a Handler that
// consumes inbound messages and produces outbound messages through a Conn, and
// a Factory that builds one Handler per session. The HTTP transports live in
// the subpackages:
//
//   - streaminghttp: a single endpoint multiplexing both directions over
//     GET/POST/DELETE, correlated by the Mcp-Session-Id header, with optional
//     persistence across requests (stateful) or per-request independence
//     (stateless).
//   - ssehttp: the paired transport, a GET endpoint serving a Server-Sent
//     Events stream for server-to-client pushes and a POST endpoint for
//     client-to-server calls.
//
// Session state is held behind the sessions.Store contract with in-memory
// (sessions/memoryhost) and Redis-backed (sessions/redishost) implementations.
//
// A minimal server looks like:
//
//	store := memoryhost.New()
//	h, err := streaminghttp.New(ctx, "/rpc", store, rpcbridge.FactoryFunc(newEcho),
//		streaminghttp.WithKeepAliveInterval(30*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	http.ListenAndServe(":8080", h)
package rpcbridge
