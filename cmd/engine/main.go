package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/arbiter"
	"github.com/openrescue/dispatch/internal/cache"
	"github.com/openrescue/dispatch/internal/config"
	"github.com/openrescue/dispatch/internal/directory"
	"github.com/openrescue/dispatch/internal/escalate"
	"github.com/openrescue/dispatch/internal/gateway"
	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/match"
	"github.com/openrescue/dispatch/internal/outbox"
	"github.com/openrescue/dispatch/internal/request"
	"github.com/openrescue/dispatch/internal/routing"
	"github.com/openrescue/dispatch/internal/watchdog"
)

var errDisconnected = errors.New("event bus disconnected")

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// configure zerolog console output and level
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cfg := config.FromEnv()

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}
	log.Info().
		Str("host", cfg.DB.Host).
		Int("port", cfg.DB.Port).
		Str("database", cfg.DB.Database).
		Msg("connected to database")

	// Redis
	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to redis")
	}
	defer rdb.Close()

	locations := cache.NewLocationCache(rdb, cfg.Engine.LocationTTL)
	candidates := cache.NewCandidateCache(rdb, cfg.Engine.CandidateSetTTL)
	acceptLock := cache.NewRequestLock(rdb, cfg.Engine.LockTTL)

	// JetStream publisher
	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	jsCfg.StreamName = cfg.NATS.StreamName
	jsCfg.SubjectPrefix = cfg.NATS.Subject
	publisher, err := outbox.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create JetStream publisher")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("close publisher")
		}
	}()

	clock := clockwork.NewRealClock()
	cells := geo.NewH3Index(cfg.Engine.CellResolution)

	// Storage and application layer
	outboxRepo := outbox.NewRepository(pool)
	requestRepo := request.NewRepository(pool, outboxRepo)
	dirRepo := directory.NewRepository(pool)
	app := request.NewApp(requestRepo, cells, clock, cfg.Engine)

	// Realtime gateway
	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	notifier := gateway.NewNotifier(manager)
	planner := routing.NewHaversinePlanner()

	searcher := match.NewSearcher(cells, dirRepo, cfg.Engine)
	broadcaster := match.NewBroadcaster(app, searcher, candidates, notifier, planner)

	arb := arbiter.New(app, acceptLock, candidates, locations, notifier, planner, clock, cfg.Engine.LockHoldover)

	handler := gateway.NewHandler(app, arb, dirRepo, locations, manager)
	manager.SetHandler(handler)

	// Workers
	metrics, err := outbox.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("register outbox metrics")
	}
	outboxCfg := outbox.DefaultConfig()
	outboxCfg.PollInterval = cfg.Engine.OutboxInterval
	outboxCfg.BatchSize = cfg.Engine.OutboxBatchSize
	outboxWorker := outbox.NewWorker(outboxRepo, publisher, outboxCfg, clock, metrics)

	escalateWorker := escalate.NewWorker(app, searcher, candidates, broadcaster, notifier,
		escalate.Config{Interval: cfg.Engine.EscalateInterval, BatchSize: cfg.Engine.WorkerBatchSize}, clock)

	watchdogWorker := watchdog.NewWorker(app, dirRepo, candidates, searcher, broadcaster, notifier,
		watchdog.Config{Interval: cfg.Engine.WatchdogInterval, BatchSize: cfg.Engine.WorkerBatchSize}, clock)

	consumerCfg := match.DefaultConsumerConfig()
	consumerCfg.URL = cfg.NATS.URL
	consumerCfg.StreamName = cfg.NATS.StreamName
	consumerCfg.SubjectFilter = cfg.NATS.Subject + ".created"
	consumer, err := match.NewConsumer(broadcaster, consumerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create broadcast consumer")
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("close consumer")
		}
	}()

	// HTTP server
	server := gateway.NewServer(manager, app,
		gateway.HealthCheck{Name: "postgres", Check: pool.Ping},
		gateway.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Client.Ping(ctx).Err()
		}},
		gateway.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !publisher.Connected() {
				return errDisconnected
			}
			return nil
		}},
	)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go manager.Start(ctx)

	if err := outboxWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start outbox worker")
	}
	if err := escalateWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start escalation worker")
	}
	if err := watchdogWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start connection watchdog")
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Msg("starting broadcast consumer")
		errCh <- consumer.Start(ctx)
	}()
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("component exited unexpectedly")
	}

	// allow in-flight work to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := watchdogWorker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop connection watchdog")
	}
	if err := escalateWorker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop escalation worker")
	}
	if err := outboxWorker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop outbox worker")
	}
	log.Info().Msg("graceful shutdown complete")
}
