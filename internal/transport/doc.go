// Package transport moves census datagrams over UDP.
//
// One request is one datagram and is answered by at most one datagram.
// There are no connections, no sequence numbers and no delivery guarantee,
// so the originating side owns reliability: Request waits a bounded time
// for each attempt and resends a bounded number of times. All census calls
// are idempotent reads which makes resending safe.
//
// # Client side
//
//	reply, err := transport.Request(ctx, "127.0.0.1:23001", payload, transport.RequestOptions{
//	    AttemptTimeout: 500 * time.Millisecond,
//	    Retries:        2,
//	})
//	switch {
//	case transport.IsUnavailable(err):
//	    // timed out or refused on every attempt
//	case errors.Is(err, transport.ErrTruncated):
//	    // reply was larger than the receive ceiling
//	}
//
// Each Request dials its own connected socket, so the kernel only hands it
// datagrams from the peer it asked and concurrent requests never see each
// other's replies.
//
// # Server side
//
// Server runs a receive loop over a bound socket and hands every datagram
// to a Handler in its own goroutine, bounded by MaxInFlight. The loop
// survives everything a single datagram can do to it: oversized input is
// answered with a too_large envelope, handler panics with an internal one,
// and datagrams over the optional rate limit are dropped.
package transport
