// Package metrics provides Prometheus metrics for the control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label constants for metrics.
const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelStatus  = "status"
	LabelShard   = "shard"
	LabelResult  = "result"
	LabelVerdict = "verdict"
	LabelOp      = "operation"
	LabelMode    = "mode"
	LabelRuntime = "runtime"
	LabelEntity  = "entity"
)

// Result constants for batched flushes and compiles.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics provides Prometheus metrics for HTTP traffic, the shard
// registry, the compile pipeline, the egress proxy, and blob storage.
type Metrics struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Shards
	shardFlushTotal    *prometheus.CounterVec
	shardFlushDuration *prometheus.HistogramVec
	shardBatchSize     *prometheus.HistogramVec
	shardQueueDepth    *prometheus.GaugeVec

	// Compiler
	compileTotal    *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec
	bundleBytes     prometheus.Histogram

	// Egress proxy
	proxyFetchTotal   *prometheus.CounterVec
	proxyFetchLatency prometheus.Histogram

	// Blob store
	blobOperationsTotal   *prometheus.CounterVec
	blobOperationDuration *prometheus.HistogramVec

	// Feed
	feedBuildDuration *prometheus.HistogramVec

	// Reconciliation
	reconcileSweepDuration prometheus.Histogram
	reconcileDriftTotal    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := newWith(registry)
	m.registry = registry
	return m
}

// NewWith creates collectors registered on the given registerer.
// If registry is nil, metrics are created but not registered (useful for
// testing).
func NewWith(registry prometheus.Registerer) *Metrics {
	return newWith(registry)
}

func newWith(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{LabelMethod, LabelRoute, LabelStatus},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{LabelMethod, LabelRoute},
		),

		shardFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "shard",
				Name:      "flush_total",
				Help:      "Total number of shard flushes by shard and result",
			},
			[]string{LabelShard, LabelResult},
		),

		shardFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "shard",
				Name:      "flush_duration_seconds",
				Help:      "Shard flush duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{LabelShard},
		),

		shardBatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "shard",
				Name:      "batch_size",
				Help:      "Distribution of flushed batch sizes",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{LabelShard},
		),

		shardQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "capsuled",
				Subsystem: "shard",
				Name:      "queue_depth",
				Help:      "Current number of pending items per shard",
			},
			[]string{LabelShard},
		),

		compileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "compiler",
				Name:      "compile_total",
				Help:      "Total number of compile attempts by runtime and result",
			},
			[]string{LabelRuntime, LabelResult},
		),

		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "compiler",
				Name:      "compile_duration_seconds",
				Help:      "Compile duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{LabelRuntime},
		),

		bundleBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "compiler",
				Name:      "bundle_bytes",
				Help:      "Distribution of compiled bundle sizes",
				Buckets: []float64{
					4096,     // 4KB
					65536,    // 64KB
					262144,   // 256KB
					1048576,  // 1MB
					5242880,  // 5MB
					20971520, // 20MB
				},
			},
		),

		proxyFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "proxy",
				Name:      "fetch_total",
				Help:      "Total number of egress proxy requests by verdict",
			},
			[]string{LabelVerdict},
		),

		proxyFetchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "proxy",
				Name:      "fetch_duration_seconds",
				Help:      "Upstream fetch duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		blobOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "blob",
				Name:      "operations_total",
				Help:      "Total number of blob store operations by operation and status",
			},
			[]string{LabelOp, LabelStatus},
		),

		blobOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "blob",
				Name:      "operation_duration_seconds",
				Help:      "Blob store operation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{LabelOp},
		),

		feedBuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "feed",
				Name:      "build_duration_seconds",
				Help:      "Feed page build duration in seconds by mode",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{LabelMode},
		),

		reconcileSweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "capsuled",
				Subsystem: "reconcile",
				Name:      "sweep_duration_seconds",
				Help:      "Full reconciliation sweep duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		reconcileDriftTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capsuled",
				Subsystem: "reconcile",
				Name:      "drift_corrected_total",
				Help:      "Total number of drift corrections applied by entity",
			},
			[]string{LabelEntity},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.httpRequestsTotal,
			m.httpRequestDuration,
			m.shardFlushTotal,
			m.shardFlushDuration,
			m.shardBatchSize,
			m.shardQueueDepth,
			m.compileTotal,
			m.compileDuration,
			m.bundleBytes,
			m.proxyFetchTotal,
			m.proxyFetchLatency,
			m.blobOperationsTotal,
			m.blobOperationDuration,
			m.feedBuildDuration,
			m.reconcileSweepDuration,
			m.reconcileDriftTotal,
		)
	}

	return m
}

// Handler returns the /metrics HTTP handler for the owned registry.
// Returns nil when the Metrics was built with NewWith.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveShardFlush records one shard flush attempt.
func (m *Metrics) ObserveShardFlush(shard string, batch int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.shardFlushTotal.WithLabelValues(shard, result).Inc()
	m.shardFlushDuration.WithLabelValues(shard).Observe(duration.Seconds())
	m.shardBatchSize.WithLabelValues(shard).Observe(float64(batch))
}

// SetShardQueueDepth reports the current pending item count for a shard.
func (m *Metrics) SetShardQueueDepth(shard string, depth int) {
	if m == nil {
		return
	}
	m.shardQueueDepth.WithLabelValues(shard).Set(float64(depth))
}

// ObserveCompile records one compile attempt.
func (m *Metrics) ObserveCompile(runtime string, bundleSize int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.compileTotal.WithLabelValues(runtime, result).Inc()
	m.compileDuration.WithLabelValues(runtime).Observe(duration.Seconds())
	if err == nil && bundleSize > 0 {
		m.bundleBytes.Observe(float64(bundleSize))
	}
}

// ObserveProxyFetch records one egress proxy decision. Upstream latency is
// only recorded for allowed requests that reached the upstream.
func (m *Metrics) ObserveProxyFetch(verdict string, upstream time.Duration) {
	if m == nil {
		return
	}
	m.proxyFetchTotal.WithLabelValues(verdict).Inc()
	if upstream > 0 {
		m.proxyFetchLatency.Observe(upstream.Seconds())
	}
}

// ObserveBlobOperation records one blob store operation.
func (m *Metrics) ObserveBlobOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := ResultSuccess
	if err != nil {
		status = ResultError
	}
	m.blobOperationsTotal.WithLabelValues(operation, status).Inc()
	m.blobOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveFeedBuild records one feed page build.
func (m *Metrics) ObserveFeedBuild(mode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.feedBuildDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveReconcileSweep records one full reconciliation sweep.
func (m *Metrics) ObserveReconcileSweep(duration time.Duration) {
	if m == nil {
		return
	}
	m.reconcileSweepDuration.Observe(duration.Seconds())
}

// AddReconcileDrift counts applied drift corrections for an entity.
func (m *Metrics) AddReconcileDrift(entity string, corrections int) {
	if m == nil || corrections <= 0 {
		return
	}
	m.reconcileDriftTotal.WithLabelValues(entity).Add(float64(corrections))
}
