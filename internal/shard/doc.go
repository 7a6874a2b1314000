// Package shard implements the worker side of census: one shard group's
// records served over datagrams.
//
// # Overview
//
// Records are partitioned into groups (am, nz) before the system starts,
// and each worker process owns exactly one group. A Shard binds the group
// to its loaded storage.Store and acts as the transport.Handler for the
// worker's socket:
//
//	datagram ──▶ rpc.Decode ──▶ Store.Query ──▶ rpc.EncodeReply ──▶ datagram
//	                 │
//	                 └── error ──▶ rpc.EncodeError (malformed, truncated)
//
// Workers never talk to each other and never learn about the router; to a
// worker every sender is just an originator.
//
// # Statistics
//
// Each answered query increments a per-variant counter and every rejected
// request increments Rejected. Counters are atomics, so GetStats may be
// called while the shard is serving. The same events are also written to
// the configured metrics sink labelled with the group.
//
// # Usage
//
//	store, err := storage.Load(ctx, storage.DirSource{Dir: "."}, cluster.GroupAm)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s := shard.New(cluster.GroupAm, store, logger, sink)
//	srv := transport.NewServer(s, transport.ServerConfig{})
//	err = srv.Serve(ctx, conn)
package shard
