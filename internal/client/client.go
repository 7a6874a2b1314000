// Package client is the originator side of census: it sends one call to a
// router or worker and returns the records it answers with.
package client

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/telemetry"
	"github.com/dreamware/census/internal/transport"
)

// Options tunes a Proxy. The zero value uses transport defaults and
// discards logs and metrics.
type Options struct {
	Request transport.RequestOptions
	Logger  *zap.Logger
	Sink    metrics.MetricSink
}

// Proxy issues calls to one remote address. It holds no socket between
// calls and is safe for concurrent use.
type Proxy struct {
	addr string
	opts transport.RequestOptions
	log  *zap.Logger
	sink metrics.MetricSink
}

// New returns a Proxy for addr ("host:port").
func New(addr string, opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = &metrics.BlackholeSink{}
	}
	return &Proxy{
		addr: addr,
		opts: opts.Request,
		log:  opts.Logger.With(zap.String("peer", addr)),
		sink: opts.Sink,
	}
}

// Addr returns the remote address.
func (p *Proxy) Addr() string {
	return p.addr
}

// Request sends call and decodes the reply.
//
// Errors are one of:
//   - rpc.ErrTooLarge if call does not fit a request datagram
//   - transport.ErrTimeout or transport.ErrPeerUnreachable if no reply came
//   - transport.ErrTruncated if the reply filled the receive buffer
//   - *rpc.RemoteError if the peer answered with an error envelope
//   - rpc.ErrMalformed or rpc.ErrTruncated if the reply could not be parsed
func (p *Proxy) Request(ctx context.Context, call rpc.Call) (cluster.ResultSet, error) {
	payload, err := rpc.Encode(call)
	if err != nil {
		return nil, err
	}

	opts := p.opts
	opts.OnRetry = func(attempt int, cause error) {
		p.log.Debug("retrying", zap.Int("attempt", attempt), zap.Error(cause))
		p.sink.IncrCounterWithLabels(telemetry.MetricRequestRetryCount, 1,
			[]metrics.Label{telemetry.LabelPeer.M(p.addr)})
	}

	reply, err := transport.Request(ctx, p.addr, payload, opts)
	if err != nil {
		return nil, err
	}

	rs, err := rpc.DecodeReply(reply)
	if err != nil {
		return nil, fmt.Errorf("client: reply from %s: %w", p.addr, err)
	}
	return rs, nil
}

func (p *Proxy) GetByName(ctx context.Context, name string) (cluster.ResultSet, error) {
	return p.Request(ctx, rpc.ByName{Name: name})
}

func (p *Proxy) GetByLocation(ctx context.Context, location string) (cluster.ResultSet, error) {
	return p.Request(ctx, rpc.ByLocation{Location: location})
}

func (p *Proxy) GetByYear(ctx context.Context, location string, year uint16) (cluster.ResultSet, error) {
	return p.Request(ctx, rpc.ByYear{Location: location, Year: year})
}
