package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/census/internal/client"
	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/telemetry"
	"github.com/dreamware/census/internal/transport"
)

var (
	ErrAlreadyListening = errors.New("router: workers cannot be attached once listening")
	ErrDuplicateWorker  = errors.New("router: worker already attached")
)

const defaultWorkerTimeout = 2 * time.Second

// State is the lifecycle phase of a Router.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes a Router. Workers is the full, fixed worker list.
type Config struct {
	Workers []cluster.Endpoint

	// WorkerTimeout bounds the whole exchange with one worker, retries
	// included. Defaults to 2s.
	WorkerTimeout time.Duration

	// Request sets per-attempt timeout and retries towards workers.
	Request transport.RequestOptions

	// MaxConcurrentSends caps simultaneous worker exchanges per call.
	// 1 contacts workers one at a time in attach order; 0 means no cap.
	MaxConcurrentSends int

	// AllowPartial answers with the records of the workers that replied
	// when some did not, instead of an error envelope.
	AllowPartial bool

	// HealthInterval enables background probes of every worker. Zero
	// leaves health driven by live traffic only.
	HealthInterval time.Duration

	// Server tunes the receive loop used by Listen and Serve.
	Server transport.ServerConfig
}

// WorkerError is the failure of one worker during a dispatch.
type WorkerError struct {
	Endpoint cluster.Endpoint
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.Endpoint, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

type worker struct {
	ep    cluster.Endpoint
	proxy *client.Proxy
}

// Router fans every call out to all attached workers and answers with the
// merged records.
type Router struct {
	cfg    Config
	log    *zap.Logger
	sink   metrics.MetricSink
	health *HealthTracker

	mu      sync.Mutex // guards workers and the Idle→Listening transition
	workers []worker
	state   atomic.Int32
}

// New creates an idle Router and attaches cfg.Workers in order.
func New(cfg Config, log *zap.Logger, sink metrics.MetricSink) (*Router, error) {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = defaultWorkerTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}

	r := &Router{
		cfg:    cfg,
		log:    log,
		sink:   sink,
		health: NewHealthTracker(0, log, sink),
	}
	for _, ep := range cfg.Workers {
		if err := r.Attach(ep); err != nil {
			return nil, err
		}
	}
	r.health.SetCheckFunction(r.probe)
	return r, nil
}

// Attach adds a worker after those already attached. Workers can only be
// attached while the router is idle.
func (r *Router) Attach(ep cluster.Endpoint) error {
	if ep.ID == "" {
		ep.ID = ep.Addr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if State(r.state.Load()) != StateIdle {
		return ErrAlreadyListening
	}
	for _, w := range r.workers {
		if w.ep.Addr == ep.Addr || w.ep.ID == ep.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateWorker, ep)
		}
	}

	r.workers = append(r.workers, worker{
		ep: ep,
		proxy: client.New(ep.Addr, client.Options{
			Request: r.cfg.Request,
			Logger:  r.log,
			Sink:    r.sink,
		}),
	})
	r.health.Track(ep)
	r.log.Info("worker attached", zap.Stringer("worker", ep), zap.Int("position", len(r.workers)))
	return nil
}

// Workers returns the attached endpoints in attach order.
func (r *Router) Workers() []cluster.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]cluster.Endpoint, len(r.workers))
	for i, w := range r.workers {
		out[i] = w.ep
	}
	return out
}

// State returns the current lifecycle phase.
func (r *Router) State() State {
	return State(r.state.Load())
}

// Health returns the tracker fed by every worker exchange.
func (r *Router) Health() *HealthTracker {
	return r.health
}

func (r *Router) snapshot() []worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]worker(nil), r.workers...)
}

// Dispatch sends call to every attached worker and merges the replies.
//
// Replies are merged in attach order no matter when they arrive, so when
// two workers return the same record id the later-attached worker wins.
// Workers that fail are reported as *WorkerError values inside a
// *multierror.Error, returned alongside the merge of the workers that did
// answer. With no workers attached the result is empty.
func (r *Router) Dispatch(ctx context.Context, call rpc.Call) (cluster.ResultSet, error) {
	start := time.Now()
	workers := r.snapshot()
	results := make([]cluster.ResultSet, len(workers))
	errs := make([]error, len(workers))

	var g errgroup.Group
	if r.cfg.MaxConcurrentSends > 0 {
		g.SetLimit(r.cfg.MaxConcurrentSends)
	}
	for i, w := range workers {
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, r.cfg.WorkerTimeout)
			defer cancel()

			results[i], errs[i] = w.proxy.Request(wctx, call)
			r.health.Observe(w.ep, errs[i])
			return nil
		})
	}
	// goroutines only report through errs
	_ = g.Wait()

	merged := cluster.ResultSet{}
	var failed *multierror.Error
	for i, w := range workers {
		if errs[i] != nil {
			failed = multierror.Append(failed, &WorkerError{Endpoint: w.ep, Err: errs[i]})
			r.sink.IncrCounterWithLabels(telemetry.MetricWorkerErrorCount, 1, []metrics.Label{
				telemetry.LabelPeer.M(w.ep.ID),
				telemetry.LabelReason.M(string(failureKind(errs[i]))),
			})
			continue
		}
		cluster.Merge(merged, results[i])
	}

	telemetry.MeasureSince(r.sink, telemetry.MetricDispatchLatency, start,
		[]metrics.Label{telemetry.LabelKind.M(string(call.Kind()))})
	return merged, failed.ErrorOrNil()
}

// Listen binds addr and serves until ctx is done or the socket fails.
// The router is Terminated when Listen returns.
func (r *Router) Listen(ctx context.Context, addr string) error {
	conn, err := transport.Listen(addr)
	if err != nil {
		r.state.Store(int32(StateTerminated))
		return err
	}
	defer conn.Close()
	return r.Serve(ctx, conn)
}

// Serve runs the router over an already bound socket. It fails with
// ErrAlreadyListening unless the router is idle.
func (r *Router) Serve(ctx context.Context, conn net.PacketConn) error {
	r.mu.Lock()
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		r.mu.Unlock()
		return ErrAlreadyListening
	}
	workers := len(r.workers)
	r.mu.Unlock()
	defer r.state.Store(int32(StateTerminated))

	if workers == 0 {
		r.log.Warn("listening without workers; every call will be answered with no records")
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	probing := make(chan struct{})
	go func() {
		defer close(probing)
		r.health.Start(healthCtx, r.cfg.HealthInterval, r.Workers)
	}()
	defer func() {
		stopHealth()
		<-probing
	}()

	cfg := r.cfg.Server
	if cfg.Logger == nil {
		cfg.Logger = r.log
	}
	if cfg.Sink == nil {
		cfg.Sink = r.sink
	}
	return transport.NewServer(r, cfg).Serve(ctx, conn)
}

// ServeDatagram answers one originator datagram. It never panics on bad
// input: decode errors are answered with an error envelope.
func (r *Router) ServeDatagram(ctx context.Context, from net.Addr, payload []byte) []byte {
	log := r.log.With(zap.String("request_id", uuid.NewString()), zap.Stringer("from", from))

	call, err := rpc.Decode(payload)
	if err != nil {
		kind := rpc.KindOf(err)
		log.Warn("rejected request", zap.String("kind", string(kind)), zap.Error(err))
		r.sink.IncrCounterWithLabels(telemetry.MetricCallErrorCount, 1,
			[]metrics.Label{telemetry.LabelReason.M(string(kind))})
		return rpc.EncodeError(kind, err.Error())
	}
	r.sink.IncrCounterWithLabels(telemetry.MetricCallCount, 1,
		[]metrics.Label{telemetry.LabelKind.M(string(call.Kind()))})

	rs, err := r.Dispatch(ctx, call)
	if err != nil {
		if !r.cfg.AllowPartial {
			kind := failureKind(err)
			log.Warn("dispatch failed", zap.String("kind", string(kind)), zap.Error(err))
			return rpc.EncodeError(kind, err.Error())
		}
		log.Warn("answering with partial result", zap.Int("results", len(rs)), zap.Error(err))
	}

	reply, err := rpc.EncodeReply(rs)
	if err != nil {
		log.Error("encode reply", zap.Error(err))
		return rpc.EncodeError(rpc.ErrorInternal, "encode reply")
	}
	log.Debug("answered", zap.String("kind", string(call.Kind())), zap.Int("results", len(rs)))
	return reply
}

// probe sends a call that matches nothing in practice to check a worker
// answers at all.
func (r *Router) probe(ctx context.Context, ep cluster.Endpoint) error {
	r.mu.Lock()
	var proxy *client.Proxy
	for _, w := range r.workers {
		if w.ep.ID == ep.ID {
			proxy = w.proxy
		}
	}
	r.mu.Unlock()
	if proxy == nil {
		return fmt.Errorf("router: probe of unknown worker %s", ep)
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.WorkerTimeout)
	defer cancel()
	_, err := proxy.GetByName(pctx, "")
	return err
}

// failureKind picks the envelope kind reported for a failed dispatch.
func failureKind(err error) rpc.ErrorKind {
	switch {
	case errors.Is(err, transport.ErrPeerUnreachable):
		return rpc.ErrorPeerUnreachable
	case errors.Is(err, transport.ErrTimeout):
		return rpc.ErrorTimeout
	case errors.Is(err, transport.ErrTruncated):
		return rpc.ErrorTruncated
	}
	return rpc.KindOf(err)
}
