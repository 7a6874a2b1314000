package shard

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/storage"
	"github.com/dreamware/census/internal/telemetry"
	"github.com/dreamware/census/internal/transport"
)

var origin = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func newShard(t *testing.T, sink metrics.MetricSink) *Shard {
	t.Helper()
	store, err := storage.New(map[string]cluster.Record{
		"5": {ID: 5, Name: "ann", Location: "Kansas City", Year: 2018},
		"6": {ID: 6, Name: "bo", Location: "Kansas City", Year: 2019},
		"7": {ID: 7, Name: "ann", Location: "Topeka", Year: 2018},
	})
	require.NoError(t, err)
	return New(cluster.GroupAm, store, zaptest.NewLogger(t), sink)
}

func TestNew(t *testing.T) {
	store, err := storage.New(nil)
	require.NoError(t, err)

	s := New(cluster.GroupNz, store, nil, nil)
	assert.Equal(t, cluster.GroupNz, s.Group)
	assert.Equal(t, ShardInfo{Group: "nz", Records: 0}, s.Info())
}

func TestServeDatagram(t *testing.T) {
	s := newShard(t, nil)

	tests := []struct {
		name string
		req  string
		want cluster.ResultSet
	}{
		{
			name: "by name",
			req:  `{"Name":{"name":"ann"}}`,
			want: cluster.ResultSet{
				"5": {ID: 5, Name: "ann", Location: "Kansas City", Year: 2018},
				"7": {ID: 7, Name: "ann", Location: "Topeka", Year: 2018},
			},
		},
		{
			name: "by year",
			req:  `{"Year":{"location":"Kansas City","year":2018}}`,
			want: cluster.ResultSet{
				"5": {ID: 5, Name: "ann", Location: "Kansas City", Year: 2018},
			},
		},
		{
			name: "nothing matches",
			req:  `{"Location":{"location":"Oslo"}}`,
			want: cluster.ResultSet{},
		},
		{
			name: "nul padded",
			req:  "{\"Location\":{\"location\":\"Topeka\"}}\x00\x00\x00",
			want: cluster.ResultSet{
				"7": {ID: 7, Name: "ann", Location: "Topeka", Year: 2018},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.ServeDatagram(context.Background(), origin, []byte(tt.req))
			got, err := rpc.DecodeReply(reply)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServeDatagramRejects(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	s := newShard(t, sink)

	tests := []struct {
		name string
		req  string
		want rpc.ErrorKind
	}{
		{name: "unknown tag", req: `{"Age":{"age":3}}`, want: rpc.ErrorMalformed},
		{name: "not json", req: `hello`, want: rpc.ErrorMalformed},
		{name: "cut short", req: `{"Name":{"na`, want: rpc.ErrorTruncated},
		{name: "empty", req: "\x00\x00", want: rpc.ErrorTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.ServeDatagram(context.Background(), origin, []byte(tt.req))
			_, err := rpc.DecodeReply(reply)
			var remote *rpc.RemoteError
			require.ErrorAs(t, err, &remote)
			assert.Equal(t, tt.want, remote.Kind)
		})
	}

	assert.Equal(t, uint64(len(tests)), s.GetStats().Ops.Rejected)
	assert.Equal(t, len(tests), telemetry.CounterTotal(sink, "census.call.error.count"))
}

func TestGetStats(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	s := newShard(t, sink)

	s.Query(rpc.ByName{Name: "ann"})
	s.Query(rpc.ByName{Name: "bo"})
	s.Query(rpc.ByYear{Location: "Topeka", Year: 2018})
	s.ServeDatagram(context.Background(), origin, []byte(`{"Location":{"location":"Topeka"}}`))

	stats := s.GetStats()
	assert.Equal(t, OperationStats{ByName: 2, ByLocation: 1, ByYear: 1}, stats.Ops)
	assert.Equal(t, 3, stats.Storage.Records)
	assert.Equal(t, 1, telemetry.CounterTotal(sink, "census.call.count"))
}

func TestQueryCountsEveryVariant(t *testing.T) {
	s := newShard(t, nil)

	for i, call := range rpc.Variants() {
		for range i + 1 {
			s.Query(call)
		}
	}

	assert.Equal(t, OperationStats{ByName: 1, ByLocation: 2, ByYear: 3}, s.GetStats().Ops)
}

func TestShardOverUDP(t *testing.T) {
	s := newShard(t, nil)

	conn, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.NewServer(s, transport.ServerConfig{}).Serve(ctx, conn) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	req, err := rpc.Encode(rpc.ByLocation{Location: "Kansas City"})
	require.NoError(t, err)
	reply, err := transport.Request(context.Background(), conn.LocalAddr().String(), req, transport.RequestOptions{})
	require.NoError(t, err)

	got, err := rpc.DecodeReply(reply)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "5")
	assert.Contains(t, got, "6")
}
