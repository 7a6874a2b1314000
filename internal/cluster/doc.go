// Package cluster holds the data model shared by every census role: the
// records a worker serves, the result sets that travel back to the
// originator, the closed set of shard groups, and the worker endpoints a
// router knows about.
//
// # Overview
//
// A census deployment is a single router in front of a fixed set of
// workers. Each worker loads one shard group at startup and keeps it in
// memory for the lifetime of the process:
//
//	              ┌──────────────┐
//	              │    Router    │
//	              │              │
//	              │ - fan-out    │
//	              │ - merge      │
//	              └──────┬───────┘
//	                     │ UDP
//	      ┌──────────────┴──────────────┐
//	      │                             │
//	┌─────▼─────┐                 ┌─────▼─────┐
//	│ Worker am │                 │ Worker nz │
//	│           │                 │           │
//	│ data-am   │                 │ data-nz   │
//	└───────────┘                 └───────────┘
//
// # Core Types
//
// Record: one person entry
//   - Immutable once loaded
//   - ID is unique within a shard only
//
// ResultSet: stringified record id → Record
//   - Built fresh for every query and every merge step
//   - Merge is a key-wise union, later source wins on collision
//
// Group: the shard group identity
//   - Closed set (am, nz); extending it needs a rebuild of every role
//   - Invalid input is a startup error, never a runtime one
//
// Endpoint: a worker address as seen by the router
//   - The list is fixed before the router starts listening
//
// # Collision Policy
//
// Record IDs are not globally unique. When two workers return a record
// under the same key, the router keeps the one from the worker attached
// later. Attach order is fixed, so the outcome is the same for every
// repetition of the same query.
package cluster
