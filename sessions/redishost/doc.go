// Package redishost implements sessions.Store on Redis, for deployments that
// run more than one bridge replica behind a load balancer.
//
// Layout per session, under a configurable key prefix:
//
//   - meta:<id>     hash holding mode, creation time, and the forwarded
//     credential; its TTL is the idle timeout and every Touch slides it.
//   - in:<id>       bounded list carrying client-to-service messages.
//   - out:<id>      stream (XADD, MAXLEN-trimmed) carrying the outbound
//     backlog; stream entry ids double as resume cursors.
//   - lease:<id>    the exclusive-consumer claim, a short-TTL token the
//     attached reader keeps refreshing.
//   - await:<id>:<corr> / reply:<id>:<corr>  the request/response rendezvous.
//
// Idle expiry piggybacks on Redis TTLs, so Sweep only collects queue keys
// orphaned by an expired meta hash.
package redishost
