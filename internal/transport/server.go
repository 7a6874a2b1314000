package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/telemetry"
)

const defaultMaxInFlight = 64

// Handler answers one request datagram. A nil reply sends nothing back.
type Handler interface {
	ServeDatagram(ctx context.Context, from net.Addr, payload []byte) []byte
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, from net.Addr, payload []byte) []byte

func (f HandlerFunc) ServeDatagram(ctx context.Context, from net.Addr, payload []byte) []byte {
	return f(ctx, from, payload)
}

// ServerConfig tunes a Server. The zero value is usable.
type ServerConfig struct {
	// MaxInFlight caps concurrently running handlers. 1 serves datagrams
	// strictly one after another. Defaults to 64.
	MaxInFlight int

	// RatePerSecond drops datagrams arriving faster than this. Zero
	// disables the limiter.
	RatePerSecond float64
	Burst         int

	// MaxRequestSize is the largest request accepted; longer datagrams get
	// a too_large reply without reaching the handler. Defaults to
	// rpc.MaxCallSize.
	MaxRequestSize int

	Logger *zap.Logger
	Sink   metrics.MetricSink
	Labels []metrics.Label
}

// Server reads datagrams from a socket and answers each through a Handler.
// A panicking handler costs one internal error reply, never the loop.
type Server struct {
	handler Handler
	cfg     ServerConfig
	log     *zap.Logger
	sink    metrics.MetricSink
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

func NewServer(h Handler, cfg ServerConfig) *Server {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = rpc.MaxCallSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = &metrics.BlackholeSink{}
	}

	s := &Server{
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger,
		sink:    cfg.Sink,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s
}

// Listen binds a UDP socket on addr, such as "127.0.0.1:23001" or ":0".
func Listen(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	return conn, nil
}

// Serve runs the receive loop until ctx is done, returning nil, or until
// the socket fails. It waits for running handlers before returning. The
// caller owns conn and closes it afterwards.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	defer s.wg.Wait()

	s.log.Info("serving", zap.Stringer("addr", conn.LocalAddr()), zap.Int("max_in_flight", s.cfg.MaxInFlight))

	buf := make([]byte, s.cfg.MaxRequestSize+1)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("transport: receive: %w", err)
		}
		s.sink.IncrCounterWithLabels(telemetry.MetricDatagramInBytes, float32(n), s.cfg.Labels)

		if s.limiter != nil && !s.limiter.Allow() {
			s.drop(from, "rate_limited")
			continue
		}

		if n > s.cfg.MaxRequestSize {
			s.drop(from, "too_large")
			msg := fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxRequestSize)
			s.reply(conn, from, rpc.EncodeError(rpc.ErrorTooLarge, msg))
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			if reply := s.dispatch(ctx, from, payload); reply != nil {
				s.reply(conn, from, reply)
			}
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, from net.Addr, payload []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", zap.Stringer("from", from), zap.Any("panic", r))
			s.sink.IncrCounterWithLabels(telemetry.MetricHandlerPanicCount, 1, s.cfg.Labels)
			reply = rpc.EncodeError(rpc.ErrorInternal, "request handler failed")
		}
	}()
	return s.handler.ServeDatagram(ctx, from, payload)
}

func (s *Server) reply(conn net.PacketConn, to net.Addr, reply []byte) {
	if len(reply) > MaxReplySize {
		s.log.Warn("reply too large for one datagram", zap.Stringer("to", to), zap.Int("bytes", len(reply)))
		reply = rpc.EncodeError(rpc.ErrorTooLarge, fmt.Sprintf("reply exceeds %d bytes", MaxReplySize))
	}
	if _, err := conn.WriteTo(reply, to); err != nil {
		s.log.Warn("reply failed", zap.Stringer("to", to), zap.Error(err))
		return
	}
	s.sink.IncrCounterWithLabels(telemetry.MetricDatagramOutBytes, float32(len(reply)), s.cfg.Labels)
}

func (s *Server) drop(from net.Addr, reason string) {
	s.log.Debug("datagram dropped", zap.Stringer("from", from), zap.String("reason", reason))
	s.sink.IncrCounterWithLabels(telemetry.MetricDatagramDropped, 1,
		telemetry.With(s.cfg.Labels, telemetry.LabelReason.M(reason)))
}
