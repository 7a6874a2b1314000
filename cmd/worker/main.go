// Package main implements the census worker, which loads one shard group
// into memory and answers queries for it over UDP.
//
// The worker is a leaf of the census system, responsible for:
//   - Loading data-<group>.json (optionally zstd or lz4 compressed) at startup
//   - Answering Name, Location and Year calls from any originator
//   - Replying with an error envelope to requests it cannot decode
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Worker                   │
//	├─────────────────────────────────────────┤
//	│  UDP socket (--port)                    │
//	│    transport.Server - receive loop      │
//	│    shard.Shard      - decode / query    │
//	│    storage.Store    - indexed records   │
//	├─────────────────────────────────────────┤
//	│  Shard file source:                     │
//	│    --data-dir        local directory    │
//	│    --minio-endpoint  S3-compatible      │
//	└─────────────────────────────────────────┘
//
// Configuration (flags, CENSUS_* environment or --config YAML):
//   - group: shard group, am or nz (required)
//   - port: UDP port (default 23001)
//   - data-dir: directory holding the shard file (default ".")
//
// Example usage:
//
//	census-worker --group am --port 23001 --data-dir ./data
//	census-worker --group nz --port 23002 --data-dir ./data
//
// Exit codes:
//   - 0: Normal shutdown via signal
//   - 1: Invalid configuration, failed shard load or failed bind
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

	"github.com/dreamware/census/internal/config"
	"github.com/dreamware/census/internal/logger"
	"github.com/dreamware/census/internal/shard"
	"github.com/dreamware/census/internal/storage"
	"github.com/dreamware/census/internal/telemetry"
	"github.com/dreamware/census/internal/transport"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil && !errors.Is(err, pflag.ErrHelp) {
		logFatal("census-worker: %v", err)
	}
}

// run loads the shard and serves it until ctx is done. onListen, if set,
// receives the bound address once the socket is open.
func run(ctx context.Context, args []string, onListen func(net.Addr)) error {
	cfg, err := config.LoadWorker(args)
	if err != nil {
		return err
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()
	lg = lg.With(zap.String("role", "worker"), zap.Stringer("group", cfg.ParsedGroup))

	sink, err := telemetry.NewSink(cfg.Metrics)
	if err != nil {
		return err
	}
	if inm, ok := sink.(*metrics.InmemSink); ok {
		// SIGUSR1 dumps the in-memory metrics to stderr
		sig := metrics.DefaultInmemSignal(inm)
		defer sig.Stop()
	}

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Load(ctx, src, cfg.ParsedGroup)
	if err != nil {
		return err
	}
	s := shard.New(cfg.ParsedGroup, store, lg, sink)
	stats := store.Stats()
	lg.Info("shard loaded",
		zap.Stringer("source", src),
		zap.Int("records", stats.Records),
		zap.Int("names", stats.Names),
		zap.Int("locations", stats.Locations))

	conn, err := transport.Listen(cfg.ListenAddr())
	if err != nil {
		return err
	}
	defer conn.Close()
	if onListen != nil {
		onListen(conn.LocalAddr())
	}

	srv := transport.NewServer(s, transport.ServerConfig{
		MaxInFlight:   cfg.MaxInFlight,
		RatePerSecond: cfg.RateLimit,
		Burst:         cfg.RateBurst,
		Logger:        lg,
		Sink:          sink,
		Labels:        []metrics.Label{telemetry.LabelGroup.M(cfg.ParsedGroup.String())},
	})
	err = srv.Serve(ctx, conn)

	ops := s.GetStats().Ops
	lg.Info("worker stopped",
		zap.Uint64("by_name", ops.ByName),
		zap.Uint64("by_location", ops.ByLocation),
		zap.Uint64("by_year", ops.ByYear),
		zap.Uint64("rejected", ops.Rejected))
	return err
}

// newSource picks MinIO when an endpoint is configured, the data directory
// otherwise.
func newSource(cfg *config.Worker) (storage.Source, error) {
	if cfg.MinIO.Endpoint == "" {
		return storage.DirSource{Dir: cfg.DataDir}, nil
	}
	return storage.NewMinIOSource(cfg.MinIO.Endpoint, storage.MinIOOptions{
		Bucket:    cfg.MinIO.Bucket,
		Prefix:    cfg.MinIO.Prefix,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Secure:    cfg.MinIO.Secure,
	})
}
