package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/census/internal/client"
	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/config"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/storage"
	"github.com/dreamware/census/internal/transport"
)

const amShard = `{
  "5": {"record_id": 5, "name": "rakin", "location": "Kansas City", "year": 2018},
  "9": {"record_id": 9, "name": "alice", "location": "Kansas City", "year": 2017},
  "12": {"record_id": 12, "name": "bob", "location": "Boston", "year": 2018}
}`

func writeShard(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	return dir
}

// startWorker runs the worker in the background and returns its address
// and a channel receiving run's result.
func startWorker(t *testing.T, ctx context.Context, args ...string) (string, <-chan error) {
	t.Helper()
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, args, func(a net.Addr) { addrs <- a })
	}()

	select {
	case a := <-addrs:
		return a.String(), done
	case err := <-done:
		t.Fatalf("worker exited before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not start listening")
	}
	return "", nil
}

func TestRunServesShard(t *testing.T) {
	dir := writeShard(t, "data-am.json", amShard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, done := startWorker(t, ctx,
		"--group", "am", "--host", "127.0.0.1", "--port", "0",
		"--data-dir", dir, "--log-level", "error", "--metrics", "none")

	p := client.New(addr, client.Options{})

	tests := []struct {
		name string
		call rpc.Call
		want []string
	}{
		{name: "by name", call: rpc.ByName{Name: "rakin"}, want: []string{"5"}},
		{name: "by location", call: rpc.ByLocation{Location: "Kansas City"}, want: []string{"5", "9"}},
		{name: "by year", call: rpc.ByYear{Location: "Kansas City", Year: 2018}, want: []string{"5"}},
		{name: "no match", call: rpc.ByName{Name: "zed"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := p.Request(ctx, tt.call)
			require.NoError(t, err)
			keys := make([]string, 0, len(rs))
			for k := range rs {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, tt.want, keys)
		})
	}

	// a garbage datagram gets an error envelope and the worker keeps serving
	reply, err := transport.Request(ctx, addr, []byte("not json"), transport.RequestOptions{})
	require.NoError(t, err)
	_, err = rpc.DecodeReply(reply)
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, rpc.ErrorMalformed, remote.Kind)

	_, err = p.GetByName(ctx, "bob")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRunFailures(t *testing.T) {
	dir := writeShard(t, "data-am.json", amShard)
	broken := writeShard(t, "data-nz.json", `{"7": {"record_id": 8, "name": "x", "location": "y", "year": 1}}`)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{name: "missing group", args: []string{"--data-dir", dir}, want: config.ErrInvalid},
		{name: "unknown group", args: []string{"--group", "xy"}, want: cluster.ErrInvalidGroup},
		{name: "no shard file", args: []string{"--group", "nz", "--data-dir", dir}, want: storage.ErrLoad},
		{name: "key mismatch", args: []string{"--group", "nz", "--data-dir", broken}, want: storage.ErrKeyMismatch},
		{name: "bad log level", args: []string{"--group", "am", "--data-dir", dir, "--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--port", "0", "--metrics", "none")
			err := run(context.Background(), args, func(net.Addr) {
				t.Error("worker should not reach listening")
			})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestRunBindFailure(t *testing.T) {
	dir := writeShard(t, "data-am.json", amShard)
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	_, port, _ := net.SplitHostPort(taken.LocalAddr().String())

	err = run(context.Background(), []string{
		"--group", "am", "--host", "127.0.0.1", "--port", port,
		"--data-dir", dir, "--metrics", "none", "--log-level", "error",
	}, nil)
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src, err := newSource(&config.Worker{DataDir: "/srv/census"})
	require.NoError(t, err)
	assert.Equal(t, "dir:/srv/census", src.String())

	src, err = newSource(&config.Worker{MinIO: config.MinIO{
		Endpoint: "127.0.0.1:9000",
		Bucket:   "census",
		Prefix:   "shards",
	}})
	require.NoError(t, err)
	assert.Equal(t, "s3://census/shards", src.String())
}

func TestSampleDataLoads(t *testing.T) {
	for _, g := range []cluster.Group{cluster.GroupAm, cluster.GroupNz} {
		store, err := storage.Load(context.Background(), storage.DirSource{Dir: "../../data"}, g)
		require.NoError(t, err, g.String())
		assert.NotZero(t, store.Len())
	}
}
