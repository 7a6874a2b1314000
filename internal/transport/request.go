package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// MaxReplySize is the receive ceiling for replies: the largest payload an
// IPv4 UDP datagram can carry. A reply larger than the ceiling is reported
// as ErrTruncated instead of being parsed.
const MaxReplySize = 65507

// NoRetries in RequestOptions.Retries sends exactly once.
const NoRetries = -1

const (
	defaultAttemptTimeout = 500 * time.Millisecond
	defaultRetries        = 1
	defaultBackoff        = 50 * time.Millisecond
)

// ExactRetries maps a configured retry count to RequestOptions.Retries,
// where zero would otherwise select the default.
func ExactRetries(n int) int {
	if n <= 0 {
		return NoRetries
	}
	return n
}

// RequestOptions controls one request/response exchange.
type RequestOptions struct {
	// AttemptTimeout bounds the wait for a reply to a single send.
	AttemptTimeout time.Duration

	// Retries is the number of extra sends after the first one times out.
	// Zero means one retry and a negative value means none. Requests are
	// idempotent so a retry never changes the answer.
	Retries int

	// Backoff is the pause before the first retry, doubled for each
	// following one.
	Backoff time.Duration

	// MaxReplySize overrides the package ceiling, mostly for tests.
	MaxReplySize int

	// OnRetry, if set, is called before every retry with the attempt
	// number (1 for the first retry) and the error that caused it.
	OnRetry func(attempt int, cause error)
}

func (o RequestOptions) withDefaults() RequestOptions {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = defaultAttemptTimeout
	}
	switch {
	case o.Retries == 0:
		o.Retries = defaultRetries
	case o.Retries < 0:
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultBackoff
	}
	if o.MaxReplySize <= 0 || o.MaxReplySize > MaxReplySize {
		o.MaxReplySize = MaxReplySize
	}
	return o
}

// Request sends payload to addr and waits for one reply datagram.
//
// Every call uses its own connected socket, so only datagrams from addr are
// accepted and a late reply to an earlier attempt answers the same request.
// When all attempts go unanswered the error wraps ErrTimeout or
// ErrPeerUnreachable.
func Request(ctx context.Context, addr string, payload []byte, opts RequestOptions) ([]byte, error) {
	opts = opts.withDefaults()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrPeerUnreachable, addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrPeerUnreachable, addr, err)
	}
	defer conn.Close()

	// wake a blocked read as soon as ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, opts.MaxReplySize+1)
	backoff := opts.Backoff
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, lastErr)
			}
			if err := sleep(ctx, backoff); err != nil {
				return nil, contextError(addr, err)
			}
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return nil, contextError(addr, err)
		}

		if _, err := conn.Write(payload); err != nil {
			if isRefused(err) {
				lastErr = fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
				continue
			}
			return nil, fmt.Errorf("transport: send to %s: %w", addr, err)
		}

		deadline := time.Now().Add(opts.AttemptTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("transport: set deadline: %w", err)
		}
		// a cancel that fired before the deadline was set had its wake-up
		// overwritten
		if err := ctx.Err(); err != nil {
			return nil, contextError(addr, err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(addr, ctxErr)
			}
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				lastErr = fmt.Errorf("%w: %s gave no reply within %s", ErrTimeout, addr, opts.AttemptTimeout)
			case isRefused(err):
				lastErr = fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, addr, err)
			default:
				return nil, fmt.Errorf("transport: receive from %s: %w", addr, err)
			}
			continue
		}

		if n > opts.MaxReplySize {
			return nil, fmt.Errorf("%w: reply from %s exceeds %d bytes", ErrTruncated, addr, opts.MaxReplySize)
		}
		reply := make([]byte, n)
		copy(reply, buf[:n])
		return reply, nil
	}

	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextError(addr string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, addr, err)
	}
	return err
}
