package router

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"github.com/dreamware/census/internal/cluster"
	"github.com/dreamware/census/internal/telemetry"
)

const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// WorkerHealth tracks the health status of a single worker.
// Thread-safe: Protected by HealthTracker's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time // Timestamp of the last observed exchange
	LastHealthy      time.Time // Timestamp of the last successful exchange
	Worker           string    // Endpoint ID of the worker
	Status           string    // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       // Number of consecutive failed exchanges
}

// HealthTracker records the outcome of every exchange with each worker and
// reports when a worker crosses between healthy and unhealthy.
//
// Health is informational. The worker list is fixed, so an unhealthy
// worker keeps receiving calls and recovers on its next good reply.
// Optionally, Start probes every worker on an interval so health also moves
// while the router is idle.
// Thread-safe: All methods are safe for concurrent access.
type HealthTracker struct {
	workers     map[string]*WorkerHealth
	checkFunc   func(ctx context.Context, ep cluster.Endpoint) error
	onUnhealthy func(ep cluster.Endpoint)
	log         *zap.Logger
	sink        metrics.MetricSink
	mu          sync.RWMutex
	maxFailures int
}

// NewHealthTracker creates a tracker that marks a worker unhealthy after
// maxFailures consecutive failures (3 if maxFailures <= 0).
func NewHealthTracker(maxFailures int, log *zap.Logger, sink metrics.MetricSink) *HealthTracker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &HealthTracker{
		workers:     make(map[string]*WorkerHealth),
		log:         log,
		sink:        sink,
		maxFailures: maxFailures,
	}
}

// SetOnUnhealthy sets the callback invoked, in its own goroutine, when a
// worker becomes unhealthy.
func (h *HealthTracker) SetOnUnhealthy(callback func(ep cluster.Endpoint)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction sets the probe used by Start.
func (h *HealthTracker) SetCheckFunction(checkFunc func(ctx context.Context, ep cluster.Endpoint) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// Track registers ep with status unknown. Observing an untracked worker
// registers it too.
func (h *HealthTracker) Track(ep cluster.Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entry(ep)
}

func (h *HealthTracker) entry(ep cluster.Endpoint) *WorkerHealth {
	health, ok := h.workers[ep.ID]
	if !ok {
		health = &WorkerHealth{Worker: ep.ID, Status: StatusUnknown}
		h.workers[ep.ID] = health
	}
	return health
}

// Observe records the outcome of one exchange with ep.
func (h *HealthTracker) Observe(ep cluster.Endpoint, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	health := h.entry(ep)
	now := time.Now()
	health.LastCheck = now

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.log.Info("worker recovered", zap.Stringer("worker", ep))
			h.transition(ep, StatusHealthy)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = now
		return
	}

	health.ConsecutiveFails++
	h.log.Debug("worker exchange failed",
		zap.Stringer("worker", ep),
		zap.Int("consecutive_fails", health.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		h.log.Warn("worker marked unhealthy", zap.Stringer("worker", ep), zap.Int("failures", health.ConsecutiveFails), zap.Error(err))
		h.transition(ep, StatusUnhealthy)
		if h.onUnhealthy != nil {
			go h.onUnhealthy(ep)
		}
	}
}

func (h *HealthTracker) transition(ep cluster.Endpoint, status string) {
	h.sink.IncrCounterWithLabels(telemetry.MetricWorkerHealthChanges, 1, []metrics.Label{
		telemetry.LabelPeer.M(ep.ID),
		telemetry.LabelStatus.M(status),
	})
}

// Start probes every endpoint returned by workers each interval until ctx
// is done. It blocks, so run it in its own goroutine. Without a check
// function Start returns immediately.
func (h *HealthTracker) Start(ctx context.Context, interval time.Duration, workers func() []cluster.Endpoint) {
	h.mu.RLock()
	check := h.checkFunc
	h.mu.RUnlock()
	if check == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.log.Info("health probes started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range workers() {
				h.Observe(ep, check(ctx, ep))
			}
		}
	}
}

// GetWorkerHealth returns a copy of the health record for worker ID id,
// or nil if it is not tracked.
func (h *HealthTracker) GetWorkerHealth(id string) *WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[id]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllWorkerHealth returns copies of every health record keyed by worker ID.
func (h *HealthTracker) GetAllWorkerHealth() map[string]*WorkerHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*WorkerHealth, len(h.workers))
	for id, health := range h.workers {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether worker ID id is currently healthy. Untracked
// and never-observed workers are not.
func (h *HealthTracker) IsHealthy(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.workers[id]
	return ok && health.Status == StatusHealthy
}
