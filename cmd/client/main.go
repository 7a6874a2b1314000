// Package main implements census-client, a command line originator that
// sends one call per query to a router (or directly to a worker) and
// prints the records it receives as JSON.
//
// Usage:
//
//	census-client [flags]                       run the demo queries
//	census-client [flags] name <name>
//	census-client [flags] location <location>
//	census-client [flags] year <location> <year>
//
// The demo queries are name "rakin", location "Kansas City" and year
// ("Kansas City", 2018). Each result is written to stdout as
//
//	{"call": {"Name": {"name": "rakin"}}, "results": {"5": {...}}}
//
// Flags:
//   - --port, -p: router port on 127.0.0.1 (default 23000)
//   - --addr, -a: full address, overrides --port
//   - --attempt-timeout, --retries: resend policy when no reply arrives
//
// Exit codes:
//   - 0: Every query was answered
//   - 1: Bad usage, or a query failed (timeout, error envelope)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/census/internal/client"
	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/config"
	"github.com/dreamware/census/internal/logger"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/transport"
)

// errUsage is returned for positional arguments that do not form a query.
var errUsage = errors.New("usage: census-client [flags] [name <name> | location <location> | year <location> <year>]")

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, pflag.ErrHelp) {
		logFatal("census-client: %v", err)
	}
}

// result is one printed answer.
type result struct {
	Call    json.RawMessage   `json:"call"`
	Results cluster.ResultSet `json:"results"`
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, rest, err := config.LoadClient(args)
	if err != nil {
		return err
	}
	calls, err := parseCalls(rest)
	if err != nil {
		return err
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Sync() }()

	p := client.New(cfg.Target(), client.Options{
		Request: transport.RequestOptions{
			AttemptTimeout: cfg.AttemptTimeout,
			Retries:        transport.ExactRetries(cfg.Retries),
		},
		Logger: lg,
	})

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, call := range calls {
		raw, err := rpc.Encode(call)
		if err != nil {
			return err
		}
		rs, err := p.Request(ctx, call)
		if err != nil {
			return fmt.Errorf("%s: %w", raw, err)
		}
		lg.Debug("answered", zap.ByteString("call", raw), zap.Int("records", len(rs)))
		if err := enc.Encode(result{Call: raw, Results: rs}); err != nil {
			return err
		}
	}
	return nil
}

// parseCalls turns positional arguments into the calls to send.
func parseCalls(args []string) ([]rpc.Call, error) {
	if len(args) == 0 {
		return rpc.Variants(), nil
	}

	switch {
	case args[0] == "name" && len(args) == 2:
		return []rpc.Call{rpc.ByName{Name: args[1]}}, nil
	case args[0] == "location" && len(args) == 2:
		return []rpc.Call{rpc.ByLocation{Location: args[1]}}, nil
	case args[0] == "year" && len(args) == 3:
		year, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: year %q: %v", errUsage, args[2], err)
		}
		return []rpc.Call{rpc.ByYear{Location: args[1], Year: uint16(year)}}, nil
	}
	return nil, errUsage
}
