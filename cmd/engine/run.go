package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"trading-valuation/config"
	"trading-valuation/internal/engine"
	"trading-valuation/internal/logger"
	"trading-valuation/internal/margin"
	"trading-valuation/internal/marketdata/bus"
	"trading-valuation/internal/marketdata/cache"
	"trading-valuation/internal/marketdata/stream"
	"trading-valuation/internal/metrics"
	"trading-valuation/internal/model"
	"trading-valuation/internal/notification"
	"trading-valuation/internal/rate"
	"trading-valuation/internal/snapshot"
	redisstore "trading-valuation/internal/store/redis"
	sqlitestore "trading-valuation/internal/store/sqlite"
	"trading-valuation/internal/valuation"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the valuation engine",
		Long: `Start the valuation engine.

Required environment:
  DOMESTIC_WS_URL   domestic instrument feed
  FOREIGN_WS_URL    foreign FX/crypto/commodity feed
  POSITIONS_URL     open positions endpoint
  RATE_URL          reference conversion rate endpoint

Optional environment (defaults in brackets):
  POSITIONS_TOKEN, POLL_INTERVAL [5s], RATE_REFRESH [5m], RATE_MAX_AGE [15m],
  STALENESS_HORIZON [30s], COALESCE_INTERVAL [150ms], PING_INTERVAL [15s],
  RULES_PATH, LOW_UNIT_CURRENCY [JPY], RISK_MAX_MARGIN, RISK_MAX_LOSS,
  RISK_MAX_POSITIONS, RISK_MAX_EXPOSURE, PUBLISHER [redis], RATE_STORE [sqlite],
  REDIS_ADDR [localhost:6379], REDIS_PASSWORD, REDIS_DB [0],
  SQLITE_PATH [data/rates.db], METRICS_ADDR [:9090], ALERT_WEBHOOK_URL,
  LOG_LEVEL [info]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init("valengine", level)
	log.Println("[valengine] starting...")

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		return err
	}

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus(cfg.PollInterval, model.StreamDomestic, model.StreamForeign)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Redis ----
	var rdb *goredis.Client
	if cfg.UsesRedis() {
		rdb, err = redisstore.Connect(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[valengine] WARNING: redis init failed: %v (continuing without redis)", err)
			rdb = nil
		} else {
			defer rdb.Close()
			log.Println("[valengine] redis ready")
		}
	}

	// ---- Rate store ----
	var (
		rateStore model.RateStore
		sqlDB     *sql.DB
	)
	switch cfg.RateStore {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			os.MkdirAll(dir, 0o755)
		}
		st, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Printf("[valengine] WARNING: sqlite init failed: %v (rate will not survive restarts)", err)
		} else {
			defer st.Close()
			rateStore, sqlDB = st, st.DB()
		}
	case "redis":
		if rdb != nil {
			rateStore = redisstore.NewRateStore(rdb, redisstore.DefaultRateKey)
		} else {
			log.Println("[valengine] WARNING: RATE_STORE=redis but redis is unavailable")
		}
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, 10*time.Second)

	// ---- Publisher ----
	var publisher model.ResultPublisher = engine.LogPublisher{}
	if cfg.Publisher == "redis" && rdb != nil {
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(_, to redisstore.State) {
			prom.RedisCircuitBreakerState.Set(float64(to))
		}
		pub := redisstore.NewPublisher(rdb, cb)
		pub.OnWrite = func(took time.Duration) {
			prom.RedisWriteDur.Observe(took.Seconds())
		}
		pub.OnHeld = func(pending int) {
			prom.RedisHeldResults.Set(float64(pending))
		}
		pub.OnFlush = func(count int) {
			prom.RedisFlushedResults.Add(float64(count))
			prom.RedisHeldResults.Set(0)
		}
		publisher = pub
	} else if cfg.Publisher == "redis" {
		log.Println("[valengine] WARNING: redis publisher unavailable, logging results instead")
	}

	// ---- Notifier ----
	notifier := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		notifier = append(notifier, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}

	// ---- Rate manager ----
	rates := rate.NewManager(rate.Config{Refresh: cfg.RateRefresh, MaxAge: cfg.RateMaxAge}, rate.NewHTTPSource(cfg.RateURL), rateStore)
	rates.OnRefresh = func(ok bool) {
		if ok {
			prom.RateRefreshes.WithLabelValues("ok").Inc()
		} else {
			prom.RateRefreshes.WithLabelValues("error").Inc()
		}
	}
	go rates.Start(ctx)

	// ---- Feeds ----
	streams := stream.NewManager(4096, stream.Hooks{
		OnReconnect: func(kind model.StreamKind) {
			prom.FeedReconnects.WithLabelValues(string(kind)).Inc()
		},
		OnFrameDropped: func(kind model.StreamKind, n int) {
			prom.FramesDropped.WithLabelValues(string(kind)).Add(float64(n))
		},
		OnTick: func(kind model.StreamKind) {
			prom.TicksTotal.WithLabelValues(string(kind)).Inc()
		},
	},
		stream.Config{Kind: model.StreamDomestic, URL: cfg.DomesticWSURL, PingInterval: cfg.PingInterval},
		stream.Config{Kind: model.StreamForeign, URL: cfg.ForeignWSURL, PingInterval: cfg.PingInterval},
	)
	streams.FanOut().OnDrop = func(string) {
		prom.FanoutDropsTotal.WithLabelValues("engine").Inc()
	}
	sub := streams.Listen()
	for _, kind := range []model.StreamKind{model.StreamDomestic, model.StreamForeign} {
		if err := streams.Connect(ctx, kind); err != nil {
			return err
		}
	}
	go monitorSaturation(ctx, streams.FanOut(), prom)

	// ---- Snapshot poller ----
	poller := snapshot.NewPoller(snapshot.NewHTTPSource(cfg.PositionsURL, cfg.PositionsHeader()), cfg.PollInterval)
	poller.OnPoll = func(_ int, took time.Duration) {
		prom.SnapshotPolls.WithLabelValues("ok").Inc()
		prom.SnapshotPollDur.Observe(took.Seconds())
	}
	poller.OnError = func(error) {
		prom.SnapshotPolls.WithLabelValues("error").Inc()
	}
	snapshots := make(chan []model.PositionRecord, 1)
	go poller.Run(ctx, snapshots)

	// ---- Rules reload on SIGHUP ----
	calc := margin.New(rules)
	go reloadRules(ctx, cfg.RulesPath, calc)

	// ---- Engine (blocks until shutdown) ----
	eng := engine.New(engine.Config{
		CoalesceInterval: cfg.CoalesceInterval,
		Risk:             cfg.Risk,
	}, engine.Deps{
		Streams:   streams,
		Rates:     rates,
		Cache:     cache.New(cfg.StalenessHorizon),
		Valuer:    valuation.New(calc, cfg.LowUnitCurrency),
		Publisher: publisher,
		Notifier:  notifier,
		Metrics:   prom,
		Health:    health,
	})

	log.Printf("[valengine] ready: domestic=%s foreign=%s poll=%v publisher=%s rate_store=%s",
		cfg.DomesticWSURL, cfg.ForeignWSURL, cfg.PollInterval, cfg.Publisher, cfg.RateStore)
	eng.Run(ctx, sub.Events(), snapshots)

	// ---- Shutdown ----
	log.Println("[valengine] shutdown signal received, cleaning up...")
	sub.Close()
	streams.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[valengine] shutdown complete.")
	return nil
}

// monitorSaturation exports how full each fan-out subscriber channel is.
func monitorSaturation(ctx context.Context, fo *bus.FanOut, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fo.ChannelStats() {
				if s.Cap > 0 {
					pct := float64(s.Len) / float64(s.Cap) * 100
					prom.ChannelSaturationPct.WithLabelValues("engine_events").Set(pct)
				}
			}
		}
	}
}

// reloadRules re-reads the rules file on SIGHUP. A file that fails to load
// or validate leaves the current rules in place.
func reloadRules(ctx context.Context, path string, calc *margin.Calculator) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if path == "" {
				log.Println("[valengine] SIGHUP ignored: no RULES_PATH configured")
				continue
			}
			rules, err := config.LoadRules(path)
			if err != nil {
				log.Printf("[valengine] rules reload failed, keeping current rules: %v", err)
				continue
			}
			calc.SetRules(rules)
			log.Printf("[valengine] rules reloaded from %s", path)
		}
	}
}
