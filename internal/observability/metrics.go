package observability

import (
	"strconv"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Engine ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	Journals      *prometheus.CounterVec
	StateHashDur  prometheus.Histogram
	Sequence      prometheus.Gauge
	Accounts      prometheus.Gauge
	TotalSupply   prometheus.Gauge
	TotalBorrowed prometheus.Gauge

	// --- Ingestion ---
	IngestToApply *prometheus.HistogramVec
	NATSMessages  *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur    *prometheus.HistogramVec
	ProjectionLastSequence prometheus.Gauge
	ProjectionGaps         prometheus.Counter
	ProjectionRebuilds     prometheus.Counter

	// --- Query & API ---
	QueryRequests   *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueryErrors     *prometheus.CounterVec
	GRPCRequests    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPRateLimited prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction never collides.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ops_applied_total",
			Help: "Pool operations committed by the engine",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ops_rejected_total",
			Help: "Pool operations rejected (risk, overflow, duplicate)",
		}, []string{"op", "reason"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_op_apply_duration_seconds",
			Help:    "Time to apply a single operation in the engine",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_sequence",
			Help: "Next engine commit sequence",
		}),

		Accounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_accounts",
			Help: "Known user accounts",
		}),

		TotalSupply: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_stable_total_supply",
			Help: "Stable token total supply (float approximation)",
		}),

		TotalBorrowed: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_total_borrowed",
			Help: "Outstanding debt across all accounts (float approximation)",
		}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: ingestBuckets,
		}, []string{"op"}),

		NATSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_nats_messages_total",
			Help: "Inbound NATS command messages by result",
		}, []string{"op", "result"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Outcomes dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Operation log rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_size",
			Help:    "Operations per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_retry_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_replay_events_total",
			Help: "Operations replayed during recovery",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_replay_duration_seconds",
			Help: "Duration of the last recovery replay",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_projection_last_sequence",
			Help: "Projection watermark",
		}),

		ProjectionGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_projection_gaps_total",
			Help: "Sequence gaps or failed updates seen by the projection worker",
		}),

		ProjectionRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_projection_rebuilds_total",
			Help: "Projection rebuilds from the operation log",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		GRPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_grpc_requests_total",
			Help: "gRPC requests by method and status code",
		}, []string{"method", "code"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPRateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_http_rate_limited_total",
			Help: "HTTP requests rejected by the rate limiter",
		}),
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

// AmountFloat approximates a 256-bit amount for gauges. Precision loss
// above 2^53 is acceptable for dashboards.
func AmountFloat(v *uint256.Int) float64 {
	f, err := strconv.ParseFloat(v.Dec(), 64)
	if err != nil {
		return 0
	}
	return f
}
