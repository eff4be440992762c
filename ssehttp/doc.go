// Package ssehttp serves the paired-endpoint transport: a GET endpoint that
// opens a Server-Sent Events stream and a POST endpoint that accepts
// client-to-service messages for that stream's session.
//
// The first event on every stream is named "endpoint" and carries the POST
// path with the session id bound into its query string, so clients learn
// where to send messages without out-of-band configuration. Everything the
// service emits afterwards rides the same stream. A dropped stream leaves
// the session intact for the idle grace period, after which the sweeper
// retires it.
package ssehttp
