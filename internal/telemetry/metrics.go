// Package telemetry names the metrics emitted by census processes and
// builds the sink they are written to.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricDatagramInBytes     = []string{"census", "datagram", "in", "bytes"}
	MetricDatagramOutBytes    = []string{"census", "datagram", "out", "bytes"}
	MetricDatagramDropped     = []string{"census", "datagram", "dropped", "count"}
	MetricHandlerPanicCount   = []string{"census", "handler", "panic", "count"}
	MetricCallCount           = []string{"census", "call", "count"}
	MetricCallErrorCount      = []string{"census", "call", "error", "count"}
	MetricQueryResults        = []string{"census", "query", "results"}
	MetricDispatchLatency     = []string{"census", "dispatch", "latency", "ms"}
	MetricWorkerErrorCount    = []string{"census", "dispatch", "worker", "error", "count"}
	MetricWorkerHealthChanges = []string{"census", "worker", "health", "changes"}
	MetricRequestRetryCount   = []string{"census", "request", "retry", "count"}
)

// Label is a metric label name.
type Label string

var (
	LabelReason Label = "reason"
	LabelKind   Label = "kind"
	LabelPeer   Label = "peer"
	LabelGroup  Label = "group"
	LabelStatus Label = "status"
)

// M builds a metrics.Label with the given value.
func (lab Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// With returns base extended by extra without aliasing base.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// MeasureSince records the milliseconds elapsed since start as a sample.
func MeasureSince(sink metrics.MetricSink, key []string, start time.Time, labels []metrics.Label) {
	elapsed := float32(time.Since(start).Nanoseconds()) / float32(time.Millisecond)
	sink.AddSampleWithLabels(key, elapsed, labels)
}

// NewSink builds a sink from a config value:
//
//	"" or "inmem"       in-memory aggregation
//	"none"              discard everything
//	"statsd://host:port" and other go-metrics sink URLs
func NewSink(target string) (metrics.MetricSink, error) {
	switch strings.TrimSpace(target) {
	case "", "inmem":
		return metrics.NewInmemSink(10*time.Second, time.Minute), nil
	case "none":
		return &metrics.BlackholeSink{}, nil
	}

	sink, err := metrics.NewMetricSinkFromURL(target)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metrics sink %q: %w", target, err)
	}
	return sink, nil
}

// CounterTotal sums the count of every counter named name (dot-joined key)
// held by an in-memory sink, across all labels and intervals.
func CounterTotal(sink *metrics.InmemSink, name string) int {
	total := 0
	for _, interval := range sink.Data() {
		for _, c := range interval.Counters {
			if c.Name == name {
				total += c.Count
			}
		}
	}
	return total
}
