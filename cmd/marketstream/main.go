package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/gridsignal/marketstream/internal/api"
	"github.com/gridsignal/marketstream/internal/cache"
	"github.com/gridsignal/marketstream/internal/consumer"
	"github.com/gridsignal/marketstream/internal/deadletter"
	"github.com/gridsignal/marketstream/internal/dedup"
	"github.com/gridsignal/marketstream/internal/history"
	"github.com/gridsignal/marketstream/internal/publisher"
	"github.com/gridsignal/marketstream/internal/ratelimit"
	"github.com/gridsignal/marketstream/internal/retry"
	"github.com/gridsignal/marketstream/internal/validate"
	"github.com/gridsignal/marketstream/internal/ws"
	"github.com/gridsignal/marketstream/pkg/config"
	"github.com/gridsignal/marketstream/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [marketstream]...")

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		logg.Fatalw("failed to init JetStream", "error", err)
	}

	// --- Redis (latest-value cache + rate counters share one client) ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logg.Fatalw("failed to connect to Redis", "error", err)
	}
	cancelPing()
	latest := cache.NewWithClient(rdb, cfg.CacheTTL, logger.L())

	// --- History reader + tenant plan resolver (shared PG pool) ---
	reader, err := history.New(ctx, cfg.DatabaseURL, history.PoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	})
	if err != nil {
		logg.Fatalw("failed to init history reader", "error", err)
	}

	defaultPlan := ratelimit.Plan{
		BurstLimit:  int64(cfg.DefaultBurstLimit),
		HourlyLimit: int64(cfg.DefaultHourly),
		DailyLimit:  int64(cfg.DefaultDaily),
		Enabled:     true,
	}
	limiter := ratelimit.New(rdb,
		ratelimit.NewPGResolver(reader.Pool(), defaultPlan),
		cfg.PlanCacheTTL, logger.L())

	var wsChecker ws.RateChecker
	var apiChecker api.RateChecker
	if cfg.RateLimitEnabled {
		wsChecker = limiter
		apiChecker = limiter
	}

	// --- Dead-letter sink ---
	var dlq deadletter.Sink = deadletter.NopSink{}
	if cfg.DeadLetterURL != "" {
		dlq, err = deadletter.NewAMQP(cfg.DeadLetterURL, cfg.DeadLetterQueue, logger.L())
		if err != nil {
			logg.Fatalw("failed to init dead-letter sink", "error", err)
		}
	} else {
		logg.Warn("DEAD_LETTER_URL not configured; poison messages will be discarded")
	}

	// --- Fan-out hub + websocket server ---
	hub := ws.NewHub(ws.NewRegistry(), latest, reader, wsChecker, ws.Options{
		SendBuffer:  cfg.SendBuffer,
		SendTimeout: cfg.SendTimeout,
		PingTimeout: cfg.PingTimeout,
	}, logger.L())

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", ws.NewServer(hub, wsChecker, logger.L()).Handler())
	wsSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WSPort),
		Handler:      wsMux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	go func() {
		logg.Infof("websocket listener on :%d", cfg.WSPort)
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatalw("ws.listen_failed", "error", err)
		}
	}()

	// --- Processed-topic publisher (optional audit path) ---
	var processed consumer.ProcessedPublisher
	if cfg.ProcessedSubject != "" {
		pub, err := publisher.New(nc, cfg.ProcessedSubject, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init processed publisher", "error", err)
		}
		processed = pub
	}

	// --- Consumer group: disjoint zone sets, one durable per zone ---
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
	}
	zoneSets := consumer.SplitZones(cfg.Zones, cfg.ConsumerWorkers)
	workers := make([]*consumer.Worker, 0, len(zoneSets))
	for i, zones := range zoneSets {
		sources := make([]consumer.Source, 0, len(zones))
		for _, zone := range zones {
			subject := cfg.InboundPrefix + "." + zone
			src, err := consumer.NewJetStreamSource(js, subject, cfg.ServiceName+"-"+zone)
			if err != nil {
				logg.Fatalw("failed to subscribe", "subject", subject, "error", err)
			}
			sources = append(sources, src)
		}
		workers = append(workers, consumer.NewWorker(
			fmt.Sprintf("worker-%d", i),
			sources,
			validate.New(),
			dedup.New(cfg.DedupWindowSize, cfg.StatsSampleSize, cfg.DedupEpsilon),
			latest,
			hub,
			processed,
			dlq,
			policy,
			consumer.Options{
				BatchSize:      cfg.BatchSize,
				PollTimeout:    cfg.PollTimeout,
				PublishTimeout: cfg.PublishTimeout,
			},
			logger.L(),
		))
	}

	group := consumer.NewGroup(workers, logger.L())
	group.Start(ctx)

	// --- Fiber HTTP API ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	handler := api.NewHandler(logger.L(), latest, apiChecker)
	api.RegisterRoutes(app, nc, handler, map[string]api.HealthChecker{
		"cache":   latest,
		"history": reader,
	})

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[marketstream] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"workers", len(workers),
		"zones", cfg.Zones)

	<-ctx.Done()
	logg.Info("shutting down [marketstream]...")

	group.Wait(cfg.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logg.Warnw("ws.shutdown_failed", "error", err)
	}
	if err := nc.Drain(); err != nil {
		logg.Warnw("nats.drain_failed", "error", err)
	}
	if err := dlq.Close(); err != nil {
		logg.Warnw("deadletter.close_failed", "error", err)
	}
	reader.Close()
	if err := rdb.Close(); err != nil {
		logg.Warnw("redis.close_failed", "error", err)
	}
}
