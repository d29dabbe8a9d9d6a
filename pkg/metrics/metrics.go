package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrderEngine metrics
	OrderCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecore_order_commands_total",
			Help: "Total number of order commands processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	OrderCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgecore_order_command_duration_seconds",
			Help:    "Time to validate, apply, and persist one order command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EventAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgecore_event_append_duration_seconds",
			Help:    "Time to append a batch of events to the event log, including fsync",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveOrdersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgecore_active_orders_total",
			Help: "Number of orders currently in Active status",
		},
	)

	IdempotencyHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecore_idempotency_cache_hits_total",
			Help: "Total number of commands short-circuited by the idempotency cache",
		},
	)

	// Hash chain metrics
	HashChainVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgecore_hash_chain_verify_duration_seconds",
			Help:    "Time to verify a hash chain segment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain"},
	)

	AuditChainGapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecore_audit_chain_gaps_total",
			Help: "Total number of gaps or breaks found by the daily audit chain verifier",
		},
	)

	// CloudLink metrics
	CloudLinkReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecore_cloudlink_reconnects_total",
			Help: "Total number of reconnect attempts made to the cloud control plane",
		},
	)

	CloudLinkConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgecore_cloudlink_connected",
			Help: "Whether the edge currently has a live connection to the cloud (1) or not (0)",
		},
	)

	CloudLinkRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgecore_cloudlink_rpc_duration_seconds",
			Help:    "Round-trip time of edge-to-cloud RPCs by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// PendingOpQueue / cloud control metrics
	PendingOpsQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgecore_pending_ops_queue_depth",
			Help: "Number of queued pending operations awaiting delivery, by edge",
		},
		[]string{"edge_id"},
	)

	CatalogPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecore_catalog_pushes_total",
			Help: "Total number of catalog pushes by delivery path",
		},
		[]string{"path"},
	)

	// Binding / PKI metrics
	BindingRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecore_binding_refreshes_total",
			Help: "Total number of signed binding refreshes by outcome",
		},
		[]string{"outcome"},
	)

	// Archival worker metrics
	ArchivalCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecore_archival_cycles_total",
			Help: "Total number of archival sweep cycles run",
		},
	)

	ArchivalCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgecore_archival_cycle_duration_seconds",
			Help:    "Time to complete one archival sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArchivalOrdersMovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgecore_archival_orders_moved_total",
			Help: "Total number of orders moved from hot storage into archive manifests",
		},
	)

	AuditVerifyCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgecore_audit_verify_cycles_total",
			Help: "Total number of daily audit chain verification cycles by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(OrderCommandsTotal)
	prometheus.MustRegister(OrderCommandDuration)
	prometheus.MustRegister(EventAppendDuration)
	prometheus.MustRegister(ActiveOrdersTotal)
	prometheus.MustRegister(IdempotencyHitsTotal)
	prometheus.MustRegister(HashChainVerifyDuration)
	prometheus.MustRegister(AuditChainGapsTotal)
	prometheus.MustRegister(CloudLinkReconnectsTotal)
	prometheus.MustRegister(CloudLinkConnected)
	prometheus.MustRegister(CloudLinkRPCDuration)
	prometheus.MustRegister(PendingOpsQueueDepth)
	prometheus.MustRegister(CatalogPushesTotal)
	prometheus.MustRegister(BindingRefreshesTotal)
	prometheus.MustRegister(ArchivalCyclesTotal)
	prometheus.MustRegister(ArchivalCycleDuration)
	prometheus.MustRegister(ArchivalOrdersMovedTotal)
	prometheus.MustRegister(AuditVerifyCyclesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
