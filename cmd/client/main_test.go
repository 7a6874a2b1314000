package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/config"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/storage"
	"github.com/dreamware/census/internal/transport"
)

var records = map[string]cluster.Record{
	"5":  {ID: 5, Name: "rakin", Location: "Kansas City", Year: 2018},
	"9":  {ID: 9, Name: "alice", Location: "Kansas City", Year: 2017},
	"12": {ID: 12, Name: "bob", Location: "Boston", Year: 2018},
}

// serveStore answers calls from an in-memory store until the test ends.
func serveStore(t *testing.T) string {
	t.Helper()
	store, err := storage.New(records)
	require.NoError(t, err)

	return serve(t, func(payload []byte) []byte {
		call, err := rpc.Decode(payload)
		if err != nil {
			return rpc.EncodeError(rpc.KindOf(err), err.Error())
		}
		reply, err := rpc.EncodeReply(store.Query(call))
		if err != nil {
			return rpc.EncodeError(rpc.ErrorInternal, err.Error())
		}
		return reply
	})
}

func serve(t *testing.T, reply func(payload []byte) []byte) string {
	t.Helper()
	conn, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)

	h := transport.HandlerFunc(func(_ context.Context, _ net.Addr, payload []byte) []byte {
		return reply(payload)
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.NewServer(h, transport.ServerConfig{}).Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		<-done
		conn.Close()
	})
	return conn.LocalAddr().String()
}

type printed struct {
	Call    map[string]json.RawMessage `json:"call"`
	Results cluster.ResultSet          `json:"results"`
}

func readPrinted(t *testing.T, out *bytes.Buffer) []printed {
	t.Helper()
	var all []printed
	dec := json.NewDecoder(out)
	for {
		var p printed
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			return all
		}
		require.NoError(t, err)
		all = append(all, p)
	}
}

func TestRunDemoQueries(t *testing.T) {
	addr := serveStore(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--addr", addr}, &out))

	got := readPrinted(t, &out)
	require.Len(t, got, 3)

	assert.Contains(t, got[0].Call, "Name")
	assert.Equal(t, []string{"5"}, keys(got[0].Results))

	assert.Contains(t, got[1].Call, "Location")
	assert.ElementsMatch(t, []string{"5", "9"}, keys(got[1].Results))

	assert.Contains(t, got[2].Call, "Year")
	assert.Equal(t, records["5"], got[2].Results["5"])
	assert.Len(t, got[2].Results, 1)
}

func TestRunSingleQuery(t *testing.T) {
	addr := serveStore(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "name", args: []string{"name", "bob"}, want: []string{"12"}},
		{name: "location", args: []string{"location", "Boston"}, want: []string{"12"}},
		{name: "year", args: []string{"year", "Kansas City", "2017"}, want: []string{"9"}},
		{name: "no match", args: []string{"name", "nobody"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			args := append([]string{"--addr", addr}, tt.args...)
			require.NoError(t, run(context.Background(), args, &out))

			got := readPrinted(t, &out)
			require.Len(t, got, 1)
			assert.ElementsMatch(t, tt.want, keys(got[0].Results))
		})
	}
}

func TestRunRemoteError(t *testing.T) {
	addr := serve(t, func([]byte) []byte {
		return rpc.EncodeError(rpc.ErrorTimeout, "worker 127.0.0.1:23002 did not answer")
	})

	var out bytes.Buffer
	err := run(context.Background(), []string{"--addr", addr, "name", "rakin"}, &out)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, rpc.ErrorTimeout, remote.Kind)
	assert.Empty(t, out.String())
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want error
	}{
		{name: "unknown query", args: []string{"age", "30"}, want: errUsage},
		{name: "name without value", args: []string{"name"}, want: errUsage},
		{name: "year without year", args: []string{"year", "Kansas City"}, want: errUsage},
		{name: "year out of range", args: []string{"year", "Kansas City", "70000"}, want: errUsage},
		{name: "year not a number", args: []string{"year", "Kansas City", "soon"}, want: errUsage},
		{name: "bad addr", args: []string{"--addr", "nowhere"}, want: config.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, out.String())
		})
	}
}

func TestParseCallsDefaults(t *testing.T) {
	calls, err := parseCalls(nil)
	require.NoError(t, err)
	assert.Equal(t, rpc.Variants(), calls)
}

func keys(rs cluster.ResultSet) []string {
	out := make([]string, 0, len(rs))
	for k := range rs {
		out = append(out, k)
	}
	return out
}
