// Package main implements the census router, the single address an
// originator talks to.
//
// The router holds no data. For every call it receives it:
//   - Decodes the call, answering with an error envelope when it cannot
//   - Forwards it to every configured worker, concurrently by default
//   - Merges the replies in worker order and answers the originator
//
// Architecture:
//
//	                 ┌──────────────┐
//	 originator ───► │    Router    │ :23000
//	                 └──────┬───────┘
//	              ┌─────────┴─────────┐
//	              ▼                   ▼
//	      ┌──────────────┐    ┌──────────────┐
//	      │ Worker (am)  │    │ Worker (nz)  │
//	      │    :23001    │    │    :23002    │
//	      └──────────────┘    └──────────────┘
//
// When two workers return the same record id, the worker listed later in
// --workers wins. If any worker fails the originator receives an error
// envelope, unless --allow-partial is set.
//
// Configuration (flags, CENSUS_* environment or --config YAML):
//   - port: UDP port (default 23000)
//   - workers: worker addresses in order (default 127.0.0.1:23001,127.0.0.1:23002)
//   - worker-timeout: budget per worker exchange (default 2s)
//   - max-concurrent-sends: 1 forwards to workers one at a time
//
// Example usage:
//
//	census-router --port 23000 --workers 127.0.0.1:23001,127.0.0.1:23002
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration or failed bind
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/config"
	"github.com/dreamware/census/internal/logger"
	"github.com/dreamware/census/internal/router"
	"github.com/dreamware/census/internal/telemetry"
	"github.com/dreamware/census/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil && !errors.Is(err, pflag.ErrHelp) {
		logFatal("census-router: %v", err)
	}
}

// run serves the router until ctx is done. onListen, if set, receives the
// bound address once the socket is open.
func run(ctx context.Context, args []string, onListen func(net.Addr)) error {
	cfg, err := config.LoadRouter(args)
	if err != nil {
		return err
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg = lg.With(zap.String("role", "router"))

	sink, err := telemetry.NewSink(cfg.Metrics)
	if err != nil {
		return err
	}
	if inm, ok := sink.(*metrics.InmemSink); ok {
		sig := metrics.DefaultInmemSignal(inm)
		defer sig.Stop()
	}

	r, err := router.New(routerConfig(cfg, lg, sink), lg, sink)
	if err != nil {
		return err
	}
	r.Health().SetOnUnhealthy(func(ep cluster.Endpoint) {
		lg.Warn("worker is not answering; calls will fail until it recovers", zap.Stringer("worker", ep))
	})

	conn, err := transport.Listen(cfg.ListenAddr())
	if err != nil {
		return err
	}
	defer conn.Close()
	if onListen != nil {
		onListen(conn.LocalAddr())
	}

	lg.Info("router listening",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Strings("workers", cfg.Workers),
		zap.Bool("allow_partial", cfg.AllowPartial))
	err = r.Serve(ctx, conn)
	lg.Info("router stopped", zap.Stringer("state", r.State()))
	return err
}

// routerConfig translates the loaded settings into a router.Config.
func routerConfig(cfg *config.Router, lg *zap.Logger, sink metrics.MetricSink) router.Config {
	workers := make([]cluster.Endpoint, 0, len(cfg.Workers))
	for _, addr := range cfg.Workers {
		workers = append(workers, cluster.NewEndpoint(addr))
	}

	return router.Config{
		Workers:       workers,
		WorkerTimeout: cfg.WorkerTimeout,
		Request: transport.RequestOptions{
			AttemptTimeout: cfg.AttemptTimeout,
			Retries:        transport.ExactRetries(cfg.Retries),
		},
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		AllowPartial:       cfg.AllowPartial,
		HealthInterval:     cfg.HealthInterval,
		Server: transport.ServerConfig{
			MaxInFlight:   cfg.MaxInFlight,
			RatePerSecond: cfg.RateLimit,
			Burst:         cfg.RateBurst,
			Logger:        lg,
			Sink:          sink,
		},
	}
}
