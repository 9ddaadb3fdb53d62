package app

import (
	"context"
	"log/slog"

	httpapp "github.com/dhruvsuva/nfc-pass-system-sub002/internal/app/http"
	prometheusapp "github.com/dhruvsuva/nfc-pass-system-sub002/internal/app/prometheus"
	storageapp "github.com/dhruvsuva/nfc-pass-system-sub002/internal/app/storage"
	redisapp "github.com/dhruvsuva/nfc-pass-system-sub002/internal/app/storage/redis"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/config"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/httpapi"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/kafka"
	bulkservice "github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/bulk"
	eventsender "github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/event_sender"
	passadminservice "github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/passadmin"
	resetservice "github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/reset"
	verificationservice "github.com/dhruvsuva/nfc-pass-system-sub002/internal/services/verification"
)

type App struct {
	cfg          *config.Config
	httpServer   *httpapp.App
	metrics      *prometheusapp.App
	storage      *storageapp.App
	redisStorage *redisapp.App
	eventSender  *eventsender.Sender
	resetJob     *resetservice.Job
	bus          *event.Bus
	producer     *kafka.Producer
	verification *verificationservice.Verification
}

func New(log *slog.Logger, cfg *config.Config) *App {
	metrics := prometheusapp.New(log, cfg.MetricsPort)

	storage := storageapp.MustCreateApp(cfg.Postgres.DSN, log)
	redisApp := redisapp.New(log, cfg.Redis.Addr, cfg.Redis.CacheTTL, cfg.Redis.LockTTL)

	bus := event.NewBus(metrics.Registry, log)

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	eventSender := eventsender.NewSender(log, producer, storage.Storage)

	verification := verificationservice.New(
		log,
		redisApp.Storage,
		storage.Storage,
		storage.Storage,
		storage.Storage,
		storage.Storage,
		bus,
		metrics.ScansTotal,
	)

	admin := passadminservice.New(log, storage.Storage, redisApp.Storage, storage.Storage, storage.Storage, bus)

	bulk := bulkservice.New(log, storage.Storage, redisApp.Storage, storage.Storage, storage.Storage, bus, bulkservice.Opts{
		ChunkSize:     cfg.Bulk.ChunkSize,
		MaxConcurrent: cfg.Bulk.MaxConcurrent,
		CreatedTotal:  metrics.BulkCreatedTotal,
	})

	resetJob := resetservice.New(log, storage.Storage, storage.Storage, redisApp.Storage, storage.Storage, storage.Storage, bus, resetservice.Opts{
		ResetHour:     cfg.Reset.Hour,
		RetentionDays: cfg.Reset.RetentionDays,
		ResetsTotal:   metrics.ResetsTotal,
	})

	httpServer := httpapp.New(log, cfg.HTTPPort, httpapi.Dependencies{
		JWTSecret:    []byte(cfg.JWTSecret),
		Verification: verification,
		Admin:        admin,
		Bulk:         bulk,
		Reset:        resetJob,
		Events:       bus,
		PanicsTotal:  metrics.PanicsTotal,
		Metrics:      metrics.Middleware,
	})

	return &App{
		cfg:          cfg,
		httpServer:   httpServer,
		metrics:      metrics,
		storage:      storage,
		redisStorage: redisApp,
		eventSender:  eventSender,
		resetJob:     resetJob,
		bus:          bus,
		producer:     producer,
		verification: verification,
	}
}

func (a *App) MustRun() {
	ctx := context.Background()

	// Prime the cache before taking traffic. A failure is not fatal:
	// misses fall back to the store.
	_, _ = a.verification.RebuildCache(ctx)

	go a.httpServer.MustRun()
	go a.metrics.MustRun()
	a.eventSender.StartProducing(ctx, a.cfg.Outbox.Limit, a.cfg.Outbox.Interval)
	a.resetJob.Start(ctx, a.cfg.Reset.CheckInterval)
}

func (a *App) Stop() error {
	a.httpServer.Stop()
	a.resetJob.Stop()
	a.eventSender.StopSending()
	a.bus.Stop()
	a.storage.Stop()
	if err := a.producer.Close(); err != nil {
		return err
	}
	return a.redisStorage.Stop()
}
