// Package sessions defines the contracts the HTTP transports use to create,
// look up, and retire per-client sessions, and to move messages between the
// HTTP layer and service logic.
//
// A Session couples two bounded, FIFO message paths:
//
//   - inbound (client → service): the transport enqueues decoded POST bodies
//     with PushInbound; service logic drains them with Recv. When the queue is
//     full, PushInbound blocks up to the store's configured bound and then
//     fails with ErrBackpressure. Backpressure slows the client down, it
//     never drops data.
//   - outbound (service → client): service logic enqueues with Publish; the
//     transport drains with Consume, which replays any backlog after the
//     caller's cursor and then tails live traffic. At most one consumer may be
//     attached at a time.
//
// Closing a session (explicitly, on disconnect, or via Sweep) closes both
// paths: blocked callers on either side observe ErrChannelClosed promptly.
//
// Two implementations ship with the module: sessions/memoryhost for a single
// process and sessions/redishost for sharing session traffic across
// instances.
package sessions
