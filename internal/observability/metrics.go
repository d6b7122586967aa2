package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RiskGate.
type Metrics struct {
	// --- Authorization pipeline ---
	BorrowAuthorized  *prometheus.CounterVec
	BorrowRejected    *prometheus.CounterVec
	BorrowAmount      *prometheus.CounterVec
	AuthorizeDuration *prometheus.HistogramVec

	// --- Oracle boundary ---
	OracleRequests *prometheus.CounterVec
	OracleLatency  *prometheus.HistogramVec
	OracleTimeouts *prometheus.CounterVec

	// --- Position lifecycle ---
	PositionsOpened  *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	PositionRejected *prometheus.CounterVec
	ActivePositions  *prometheus.GaugeVec

	// --- Venue risk state ---
	VenueUtilization *prometheus.GaugeVec
	VenueFundingRate *prometheus.GaugeVec
	VenueFee         *prometheus.GaugeVec
	VenueLiquidity   *prometheus.GaugeVec
	VenueBorrowed    *prometheus.GaugeVec

	// --- Gateway hooks ---
	GatewayEvents       *prometheus.CounterVec
	GatewayRejections   *prometheus.CounterVec
	ManipulationFlags   *prometheus.CounterVec
	FeeRepublished      *prometheus.CounterVec
	GatewayHookDuration *prometheus.HistogramVec

	// --- Domain events ---
	EventsEmitted *prometheus.CounterVec
	PublishDrops  prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistBackpressure  prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the full metric set with reg. Tests pass a fresh
// registry so fixtures do not collide on metric names.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)

	oracleBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
	}

	return &Metrics{
		BorrowAuthorized: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_borrow_authorized_total",
			Help: "Borrow authorizations committed",
		}, []string{"venue", "asset"}),

		BorrowRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_borrow_rejected_total",
			Help: "Borrow authorizations rejected, by rejection kind",
		}, []string{"venue", "kind"}),

		BorrowAmount: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_borrow_amount_total",
			Help: "Total borrowed amount authorized (asset base units)",
		}, []string{"venue", "asset"}),

		AuthorizeDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_authorize_duration_seconds",
			Help:    "Full authorizeBorrow pipeline latency including oracle",
			Buckets: oracleBuckets,
		}, []string{"venue"}),

		OracleRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_oracle_requests_total",
			Help: "Consensus oracle queries",
		}, []string{"method", "outcome"}),

		OracleLatency: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_oracle_latency_seconds",
			Help:    "Consensus oracle round-trip latency",
			Buckets: oracleBuckets,
		}, []string{"method"}),

		OracleTimeouts: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_oracle_timeouts_total",
			Help: "Oracle rounds expired without a quorum of replies",
		}, []string{"method"}),

		PositionsOpened: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_positions_opened_total",
			Help: "Positions opened",
		}, []string{"venue"}),

		PositionsClosed: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_positions_closed_total",
			Help: "Positions closed",
		}, []string{"venue"}),

		PositionRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_position_rejected_total",
			Help: "Position opens rejected, by rejection kind",
		}, []string{"venue", "kind"}),

		ActivePositions: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_active_positions",
			Help: "Currently active positions",
		}, []string{"venue"}),

		VenueUtilization: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_venue_utilization_bps",
			Help: "Venue utilization in basis points",
		}, []string{"venue"}),

		VenueFundingRate: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_venue_funding_rate_bps",
			Help: "Venue funding rate in basis points per day",
		}, []string{"venue"}),

		VenueFee: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_venue_fee_bps",
			Help: "Venue trading fee in basis points",
		}, []string{"venue"}),

		VenueLiquidity: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_venue_liquidity",
			Help: "Venue pool liquidity (asset base units)",
		}, []string{"venue"}),

		VenueBorrowed: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskgate_venue_borrowed",
			Help: "Venue outstanding borrowed total (asset base units)",
		}, []string{"venue"}),

		GatewayEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_gateway_events_total",
			Help: "Venue events processed by hook",
		}, []string{"hook", "venue"}),

		GatewayRejections: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_gateway_rejections_total",
			Help: "Venue operations blocked by the gateway",
		}, []string{"hook", "venue", "kind"}),

		ManipulationFlags: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_manipulation_flags_total",
			Help: "Trades flagged by the reference-price deviation screen",
		}, []string{"venue"}),

		FeeRepublished: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_fee_republished_total",
			Help: "Fee tier changes pushed back to the venue",
		}, []string{"venue"}),

		GatewayHookDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_gateway_hook_duration_seconds",
			Help:    "Gateway hook processing latency",
			Buckets: oracleBuckets,
		}, []string{"hook"}),

		EventsEmitted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_events_emitted_total",
			Help: "Domain events emitted",
		}, []string{"type"}),

		PublishDrops: auto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_publish_drops_total",
			Help: "Events dropped due to full live channel",
		}),

		PersistEventsWritten: auto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskgate_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskgate_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: auto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistBackpressure: auto.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_persist_backpressure_total",
			Help: "Times the emitter blocked on the persist channel",
		}),

		APIRequests: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskgate_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskgate_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// ObserveVenue updates the per-venue gauges from a ledger snapshot.
func (m *Metrics) ObserveVenue(venue string, utilizationBps, fundingRateBps, feeBps, liquidity, borrowed int64) {
	m.VenueUtilization.WithLabelValues(venue).Set(float64(utilizationBps))
	m.VenueFundingRate.WithLabelValues(venue).Set(float64(fundingRateBps))
	m.VenueFee.WithLabelValues(venue).Set(float64(feeBps))
	m.VenueLiquidity.WithLabelValues(venue).Set(float64(liquidity))
	m.VenueBorrowed.WithLabelValues(venue).Set(float64(borrowed))
}
