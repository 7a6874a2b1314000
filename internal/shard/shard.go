package shard

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/rpc"
	"github.com/dreamware/census/internal/storage"
	"github.com/dreamware/census/internal/telemetry"
)

// Shard is one worker's slice of the census: its group's records plus the
// counters describing the traffic it has answered.
type Shard struct {
	Group cluster.Group
	Store *storage.Store

	ops    opCounters
	log    *zap.Logger
	sink   metrics.MetricSink
	labels []metrics.Label
}

type opCounters struct {
	byName     atomic.Uint64
	byLocation atomic.Uint64
	byYear     atomic.Uint64
	rejected   atomic.Uint64
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Query counts
	Storage storage.StoreStats // Store shape
}

// OperationStats counts answered queries by variant and rejected requests.
type OperationStats struct {
	ByName     uint64
	ByLocation uint64
	ByYear     uint64
	Rejected   uint64 // Requests that failed to decode
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Group   string
	Records int
}

// New wraps store as the shard for group. Nil log and sink discard output.
func New(group cluster.Group, store *storage.Store, log *zap.Logger, sink metrics.MetricSink) *Shard {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &Shard{
		Group:  group,
		Store:  store,
		log:    log.With(zap.Stringer("group", group)),
		sink:   sink,
		labels: []metrics.Label{telemetry.LabelGroup.M(group.String())},
	}
}

// Query answers call from the store and counts it.
func (s *Shard) Query(call rpc.Call) cluster.ResultSet {
	rpc.Visit[*atomic.Uint64](call, &s.ops).Add(1)
	return s.Store.Query(call)
}

// opCounters picks the counter for each call variant.
func (o *opCounters) VisitByName(rpc.ByName) *atomic.Uint64         { return &o.byName }
func (o *opCounters) VisitByLocation(rpc.ByLocation) *atomic.Uint64 { return &o.byLocation }
func (o *opCounters) VisitByYear(rpc.ByYear) *atomic.Uint64         { return &o.byYear }

// ServeDatagram decodes a call, runs it and encodes the matching records.
// Undecodable requests are answered with an error envelope.
func (s *Shard) ServeDatagram(_ context.Context, from net.Addr, payload []byte) []byte {
	call, err := rpc.Decode(payload)
	if err != nil {
		s.ops.rejected.Add(1)
		kind := rpc.KindOf(err)
		s.log.Warn("rejected request", zap.Stringer("from", from), zap.String("kind", string(kind)), zap.Error(err))
		s.sink.IncrCounterWithLabels(telemetry.MetricCallErrorCount, 1,
			telemetry.With(s.labels, telemetry.LabelReason.M(string(kind))))
		return rpc.EncodeError(kind, err.Error())
	}

	labels := telemetry.With(s.labels, telemetry.LabelKind.M(string(call.Kind())))
	s.sink.IncrCounterWithLabels(telemetry.MetricCallCount, 1, labels)

	rs := s.Query(call)
	s.sink.AddSampleWithLabels(telemetry.MetricQueryResults, float32(len(rs)), labels)

	reply, err := rpc.EncodeReply(rs)
	if err != nil {
		s.log.Error("encode reply", zap.Error(err))
		return rpc.EncodeError(rpc.ErrorInternal, "encode reply")
	}
	s.log.Debug("answered", zap.Stringer("from", from), zap.String("kind", string(call.Kind())), zap.Int("results", len(rs)))
	return reply
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			ByName:     s.ops.byName.Load(),
			ByLocation: s.ops.byLocation.Load(),
			ByYear:     s.ops.byYear.Load(),
			Rejected:   s.ops.rejected.Load(),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	return ShardInfo{
		Group:   s.Group.String(),
		Records: s.Store.Len(),
	}
}
