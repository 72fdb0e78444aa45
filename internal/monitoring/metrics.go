// Package monitoring carries the ambient observability surface: the zerolog
// logger factory and the Prometheus metrics every transport updates.
package monitoring

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the transport core. Counters are monotonic by
// construction; gauges are overwritten by whoever measured last, which is
// fine because precise accuracy is not a goal for live stats.
var (
	connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_connections_accepted_total",
		Help: "Total TCP connections accepted by the server",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_connections_rejected_total",
		Help: "Total TCP connections rejected (table full, rate limited, overload)",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_connections_active",
		Help: "Current number of active server connections",
	})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_messages_total",
		Help: "Total framed messages by direction",
	}, []string{"direction"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_bytes_total",
		Help: "Total framed payload bytes by direction",
	}, []string{"direction"})

	transportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_transport_errors_total",
		Help: "Total fatal transport errors",
	})

	idleReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_idle_connections_reaped_total",
		Help: "Total connections closed by the idle reaper",
	})

	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_reconnect_attempts_total",
		Help: "Total client reconnection attempts",
	})

	workerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_worker_queue_depth",
		Help: "Current number of tasks waiting in the worker pool queue",
	})

	workerQueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcp_worker_tasks_dropped_total",
		Help: "Total handler tasks dropped because the worker queue was full",
	})

	workerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_worker_count",
		Help: "Current worker pool size",
	})

	poolBuffersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_buffer_pool_total",
		Help: "Total buffers minted by the server buffer pool",
	})

	poolBuffersAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_buffer_pool_allocated",
		Help: "Buffers currently out of the server buffer pool",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsAccepted,
		connectionsRejected,
		connectionsActive,
		messagesTotal,
		bytesTotal,
		transportErrors,
		idleReaped,
		reconnectAttempts,
		workerQueueDepth,
		workerQueueDropped,
		workerCount,
		poolBuffersTotal,
		poolBuffersAllocated,
	)
}

// activeConnections backs the active-connections gauge. Deltas are signed;
// a decrement below zero clamps rather than wrapping, so a double-counted
// close cannot drive the gauge negative.
var activeConnections atomic.Int64

// RecordAccept notes one accepted connection.
func RecordAccept() {
	connectionsAccepted.Inc()
	UpdateConnections(1)
}

// RecordReject notes one rejected connection.
func RecordReject() {
	connectionsRejected.Inc()
}

// RecordClose notes one closed connection.
func RecordClose() {
	UpdateConnections(-1)
}

// UpdateConnections applies a signed delta to the active-connection gauge,
// clamped at zero.
func UpdateConnections(delta int64) {
	for {
		cur := activeConnections.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if activeConnections.CompareAndSwap(cur, next) {
			connectionsActive.Set(float64(next))
			return
		}
	}
}

// RecordMessage notes one framed message and its payload size.
// Direction is "in" or "out".
func RecordMessage(direction string, bytes int) {
	messagesTotal.WithLabelValues(direction).Inc()
	bytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordTransportError notes one fatal transport error.
func RecordTransportError() {
	transportErrors.Inc()
}

// RecordIdleReap notes one idle connection reaped.
func RecordIdleReap() {
	idleReaped.Inc()
}

// RecordReconnectAttempt notes one client reconnection attempt.
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// UpdateWorkerPool publishes worker pool occupancy.
func UpdateWorkerPool(workers, queueDepth int) {
	workerCount.Set(float64(workers))
	workerQueueDepth.Set(float64(queueDepth))
}

// RecordDroppedTask notes one handler task dropped at submission.
func RecordDroppedTask() {
	workerQueueDropped.Inc()
}

// UpdateBufferPool publishes buffer pool occupancy.
func UpdateBufferPool(total, allocated int) {
	poolBuffersTotal.Set(float64(total))
	poolBuffersAllocated.Set(float64(allocated))
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
