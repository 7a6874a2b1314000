// Package router implements the census router: the single address
// originators talk to, which fans every call out to a fixed set of workers
// and answers with the union of their records.
//
// # Architecture
//
//	                   ┌──────────────┐
//	  originator ────▶ │    Router    │
//	                   └──────┬───────┘
//	              ┌───────────┼───────────┐
//	              ▼           ▼           ▼
//	         ┌────────┐  ┌────────┐  ┌────────┐
//	         │ worker │  │ worker │  │ worker │
//	         │   am   │  │   nz   │  │  ...   │
//	         └────────┘  └────────┘  └────────┘
//
// To a worker the router is just another originator: it reaches each one
// through a client.Proxy.
//
// # Lifecycle
//
// A Router is created Idle with its configured workers attached. Attach
// may add more while Idle. Listen (or Serve) moves it to Listening, after
// which the worker list is frozen and Attach fails with
// ErrAlreadyListening. When the serve loop ends, through context
// cancellation or a socket failure, the router is Terminated and cannot
// listen again.
//
// # Merging
//
// Dispatch contacts workers concurrently, up to MaxConcurrentSends at a
// time, each bounded by WorkerTimeout. Results are collected per worker
// and merged in attach order after all exchanges finish, so the answer
// never depends on reply timing. Record ids are only unique within a
// shard; when two workers return the same id the record from the worker
// attached later is kept.
//
// # Failures
//
// A worker that times out or refuses is reported as a *WorkerError. By
// default the originator then receives a peer_unreachable or timeout
// error envelope rather than a silently smaller result. With AllowPartial
// the router answers with what the healthy workers returned and logs a
// warning instead. Requests the router cannot decode are answered with a
// malformed or truncated envelope; nothing a single datagram carries stops
// the loop.
//
// # Health
//
// HealthTracker watches every exchange and logs when a worker becomes
// unhealthy after consecutive failures, or recovers. It does not change
// where calls are sent.
package router
