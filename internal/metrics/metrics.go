package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the valuation engine.
type Metrics struct {
	// Feeds
	TicksTotal     *prometheus.CounterVec // labels: kind
	FramesDropped  *prometheus.CounterVec // labels: kind
	FeedReconnects *prometheus.CounterVec // labels: kind
	FeedConnected  *prometheus.GaugeVec   // labels: kind; 0/1

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Coalescer
	CoalesceBatchSize prometheus.Histogram
	CoalescedTicks    prometheus.Counter

	// Valuation
	RecomputeDur      prometheus.Histogram
	RecomputeTotal    prometheus.Counter
	OpenPositions     prometheus.Gauge
	StalePositions    prometheus.Gauge
	AwaitingRate      prometheus.Gauge
	TotalPL           prometheus.Gauge
	TotalMargin       prometheus.Gauge
	RiskBreachesTotal *prometheus.CounterVec // labels: limit

	// Market data cache
	CacheEntries prometheus.Gauge
	CacheEvicted prometheus.Counter

	// Rate
	RateValue     prometheus.Gauge
	RateReliable  prometheus.Gauge
	RateRefreshes *prometheus.CounterVec // labels: result=ok|error

	// Snapshot polling
	SnapshotPolls    *prometheus.CounterVec // labels: result=ok|error
	SnapshotPollDur  prometheus.Histogram
	MalformedRecords prometheus.Counter
	PositionsClosed  prometheus.Counter

	// Publishing
	PublishDur               prometheus.Histogram
	PublishErrors            prometheus.Counter
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisHeldResults         prometheus.Gauge
	RedisWriteDur            prometheus.Histogram
	RedisFlushedResults      prometheus.Counter
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_ticks_total",
			Help: "Normalized ticks received per feed",
		}, []string{"kind"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_frames_dropped_total",
			Help: "Feed frames discarded as unparseable or acknowledgements",
		}, []string{"kind"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_feed_reconnects_total",
			Help: "Feed reconnection attempts",
		}, []string{"kind"}),
		FeedConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "valengine_feed_connected",
			Help: "Feed connectivity (0=disconnected, 1=connected)",
		}, []string{"kind"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_fanout_drops_total",
			Help: "Tick events dropped by the fan-out per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "valengine_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		CoalesceBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valengine_coalesce_batch_size",
			Help:    "Distinct symbols per coalesced foreign batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		CoalescedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_coalesced_ticks_total",
			Help: "Foreign ticks superseded inside a coalescing window",
		}),

		RecomputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valengine_recompute_duration_seconds",
			Help:    "Latency of one position recomputation",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		RecomputeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_recompute_total",
			Help: "Position recomputations",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_open_positions",
			Help: "Positions in the working set",
		}),
		StalePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_stale_positions",
			Help: "Positions whose feed is disconnected",
		}),
		AwaitingRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_awaiting_rate_positions",
			Help: "Foreign positions waiting for a reliable conversion rate",
		}),
		TotalPL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_total_pl",
			Help: "Unrealized P/L of the working set in home currency",
		}),
		TotalMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_total_margin",
			Help: "Required margin of the working set in home currency",
		}),
		RiskBreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_risk_breaches_total",
			Help: "Risk limit breaches by limit",
		}, []string{"limit"}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_cache_entries",
			Help: "Entries held by the market data cache",
		}),
		CacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_cache_evicted_total",
			Help: "Expired cache entries removed by the sweeper",
		}),

		RateValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_rate_value",
			Help: "Current foreign-to-home conversion rate",
		}),
		RateReliable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_rate_reliable",
			Help: "Conversion rate reliability (0/1)",
		}),
		RateRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_rate_refreshes_total",
			Help: "Rate refresh attempts by result",
		}, []string{"result"}),

		SnapshotPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "valengine_snapshot_polls_total",
			Help: "Position snapshot polls by result",
		}, []string{"result"}),
		SnapshotPollDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valengine_snapshot_poll_duration_seconds",
			Help:    "Position snapshot fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_malformed_records_total",
			Help: "Snapshot records dropped during reconciliation",
		}),
		PositionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_positions_closed_total",
			Help: "Positions that left the snapshot",
		}),

		PublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valengine_publish_duration_seconds",
			Help:    "Result publish pipeline latency",
			Buckets: prometheus.DefBuckets,
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_publish_errors_total",
			Help: "Failed result publishes",
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisHeldResults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "valengine_redis_held_results",
			Help: "Results held while the Redis circuit breaker is open",
		}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "valengine_redis_write_duration_seconds",
			Help:    "Latency of one Redis SET+PUBLISH pipeline",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		RedisFlushedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "valengine_redis_flushed_results_total",
			Help: "Held results written after the circuit breaker closed",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.FramesDropped,
		m.FeedReconnects,
		m.FeedConnected,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.CoalesceBatchSize,
		m.CoalescedTicks,
		m.RecomputeDur,
		m.RecomputeTotal,
		m.OpenPositions,
		m.StalePositions,
		m.AwaitingRate,
		m.TotalPL,
		m.TotalMargin,
		m.RiskBreachesTotal,
		m.CacheEntries,
		m.CacheEvicted,
		m.RateValue,
		m.RateReliable,
		m.RateRefreshes,
		m.SnapshotPolls,
		m.SnapshotPollDur,
		m.MalformedRecords,
		m.PositionsClosed,
		m.PublishDur,
		m.PublishErrors,
		m.RedisCircuitBreakerState,
		m.RedisHeldResults,
		m.RedisWriteDur,
		m.RedisFlushedResults,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server. A nil gatherer serves the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
