package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CoverLedger.
type Metrics struct {
	// --- Core operations ---
	CoreOpsApplied  *prometheus.CounterVec
	CoreOpsRejected *prometheus.CounterVec
	CoreOpDuration  *prometheus.HistogramVec
	CoreSequence    prometheus.Gauge
	ReentryBlocked  prometheus.Counter

	// --- Policies & claims ---
	PoliciesCreated   *prometheus.CounterVec
	PoliciesCancelled *prometheus.CounterVec
	ClaimsFiled       prometheus.Counter
	ClaimsProcessed   *prometheus.CounterVec

	// --- Transfers ---
	Transfers            *prometheus.CounterVec
	TransferFailure      *prometheus.CounterVec
	EscrowReturnFailures *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistOutputsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Ingestion ---
	IngestCommands *prometheus.CounterVec
	NATSPublished  *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg. Tests pass a fresh prometheus.NewRegistry()
// so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		CoreOpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_ops_applied_total",
			Help: "Operations committed by the ledger core",
		}, []string{"op"}),

		CoreOpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_ops_rejected_total",
			Help: "Operations rejected, by failure code",
		}, []string{"op", "code"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_core_op_duration_seconds",
			Help:    "Time to run one operation including its transfer",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_core_sequence",
			Help: "Next notification sequence to be assigned",
		}),

		ReentryBlocked: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_core_reentry_blocked_total",
			Help: "Nested calls refused by the reentry guard",
		}),

		PoliciesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_policies_created_total",
			Help: "Policies created",
		}, []string{"asset"}),

		PoliciesCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_policies_cancelled_total",
			Help: "Policies cancelled by their holder",
		}, []string{"asset"}),

		ClaimsFiled: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_claims_filed_total",
			Help: "Claims filed",
		}),

		ClaimsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_claims_processed_total",
			Help: "Claims settled, by outcome",
		}, []string{"outcome"}),

		Transfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_transfers_total",
			Help: "Successful adapter transfers",
		}, []string{"direction", "asset"}),

		TransferFailure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_transfer_failures_total",
			Help: "Adapter transfers that reported failure",
		}, []string{"direction", "asset"}),

		EscrowReturnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_escrow_return_failures_total",
			Help: "Attached values left in custody because returning them to a rejected caller failed",
		}, []string{"op"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_utilization",
			Help: "size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_publish_drops_total",
			Help: "Notifications dropped because the publish channel was full",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_idempotency_duplicates_total",
			Help: "Replayed request keys rejected",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_size",
			Help: "Current request keys held in the LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		PersistOutputsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_outputs_written_total",
			Help: "Ledger outputs written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_retry_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cover_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		IngestCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_ingest_commands_total",
			Help: "Commands received from NATS, by result",
		}, []string{"op", "result"}),

		NATSPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_nats_published_total",
			Help: "Notifications published to NATS",
		}, []string{"type"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_requests_total",
			Help: "Query and command RPCs served",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_query_duration_seconds",
			Help:    "RPC latency",
			Buckets: latencyBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_errors_total",
			Help: "RPC errors",
		}, []string{"method", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
