package observability

import (
	fpmath "PerpAMM/internal/math"
	"PerpAMM/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpAMM.
type Metrics struct {
	// --- Core processing ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	ApplyDuration *prometheus.HistogramVec
	Journals      *prometheus.CounterVec
	StateHashDur  prometheus.Histogram
	CoreSequence  prometheus.Gauge

	// --- Market state ---
	GlobalLiquidity *prometheus.GaugeVec
	OpenInterest    *prometheus.GaugeVec
	PremiumRate     *prometheus.GaugeVec
	LiquidationFund *prometheus.GaugeVec
	ProtocolFee     *prometheus.GaugeVec
	IndexPrice      *prometheus.GaugeVec

	// --- Funding & liquidation ---
	FundingAdjustments *prometheus.CounterVec
	FundingRate        *prometheus.GaugeVec
	Liquidations       *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	PriceSequenceGap      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
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
			Name: "perpamm_core_ops_applied_total",
			Help: "Operations applied by the core",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_core_ops_rejected_total",
			Help: "Operations rejected, by error kind (duplicate, sequence, solvency, ...)",
		}, []string{"op", "kind"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpamm_core_apply_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpamm_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_core_sequence",
			Help: "Sequence of the last state hash",
		}),

		GlobalLiquidity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_global_liquidity",
			Help: "Total LP liquidity",
		}, []string{"market"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_open_interest",
			Help: "Open interest by side, in size units",
		}, []string{"market", "side"}),

		PremiumRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_premium_rate",
			Help: "Current curve premium as a fraction of index",
		}, []string{"market"}),

		LiquidationFund: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_liquidation_fund",
			Help: "Liquidation fund balance",
		}, []string{"market"}),

		ProtocolFee: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_protocol_fee",
			Help: "Accrued protocol fee",
		}, []string{"market"}),

		IndexPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_market_index_price",
			Help: "Last index price",
		}, []string{"market"}),

		FundingAdjustments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_funding_adjustments_total",
			Help: "Funding-rate adjustments applied",
		}, []string{"market"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_funding_rate",
			Help: "Last funding rate (positive: longs pay)",
		}, []string{"market"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_liquidations_total",
			Help: "Liquidations applied",
		}, []string{"market", "kind"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpamm_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"op"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpamm_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpamm_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpamm_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PriceSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_price_sequence_gap_total",
			Help: "Skipped index price updates (tolerated)",
		}, []string{"market"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpamm_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpamm_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "perpamm_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "perpamm_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perpamm_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpamm_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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

// ObserveMarket refreshes the per-market gauges. Values are converted
// through decimal and are approximate.
func (m *Metrics) ObserveMarket(mk *state.Market) {
	id := mk.ID
	m.GlobalLiquidity.WithLabelValues(id).Set(mk.GlobalLiquidityPosition.Liquidity.Float64())
	m.OpenInterest.WithLabelValues(id, "long").Set(mk.GlobalPosition.LongSize.Float64())
	m.OpenInterest.WithLabelValues(id, "short").Set(mk.GlobalPosition.ShortSize.Float64())
	m.PremiumRate.WithLabelValues(id).Set(fpmath.X96ToDecimal(mk.PriceState.PremiumRateX96).InexactFloat64())
	m.LiquidationFund.WithLabelValues(id).Set(mk.GlobalLiquidationFund.LiquidationFund.Float64())
	m.ProtocolFee.WithLabelValues(id).Set(mk.ProtocolFee.Float64())
	m.IndexPrice.WithLabelValues(id).Set(fpmath.X96ToDecimal(mk.IndexPriceX96).InexactFloat64())
}

// ObserveFunding records an applied funding adjustment.
func (m *Metrics) ObserveFunding(market string, rateX96 fpmath.Int) {
	m.FundingAdjustments.WithLabelValues(market).Inc()
	rate := fpmath.X96ToDecimal(rateX96.Abs()).InexactFloat64()
	if rateX96.IsNegative() {
		rate = -rate
	}
	m.FundingRate.WithLabelValues(market).Set(rate)
}
