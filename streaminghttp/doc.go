// Package streaminghttp serves the unified bidirectional transport: one URL
// path answering GET, POST, and DELETE, with sessions addressed through the
// Mcp-Session-Id header.
//
// POST carries client-to-service messages. A request opens a streaming
// response that stays up, keep-alives and all, until the correlated response
// arrives; notifications and responses are acknowledged with 202 and ride no
// stream. GET attaches the standalone outbound stream, resumable via
// Last-Event-ID. DELETE ends the session.
//
// In stateless mode every POST gets a throwaway session torn down when the
// exchange finishes, and GET/DELETE are not served.
package streaminghttp
