package reset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/converter"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/lib/logger/sl"
	"github.com/prometheus/client_golang/prometheus"
)

const dayFormat = "2006-01-02"

type PassStore interface {
	ResetDailyPasses(ctx context.Context, day string) (count int64, performed bool, err error)
	ActivePasses(ctx context.Context) ([]models.Pass, error)
}

type ScanLogStore interface {
	EnsureScanTable(ctx context.Context, day time.Time) error
	PurgeValidScans(ctx context.Context, day time.Time) (int64, error)
	DropScanTable(ctx context.Context, day time.Time) error
}

type Cache interface {
	Rebuild(ctx context.Context, projs []models.PassProjection) error
}

type AuditRecorder interface {
	SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

type EventSaver interface {
	SaveEvent(ctx context.Context, eventType string, payload any) error
}

type Publisher interface {
	Publish(t event.Type, data any)
}

// Job reactivates exhausted daily passes once per calendar day, purges the
// day's valid scan rows and rebuilds the pass cache. Safe to trigger both
// from the scheduler and by an admin: the store-level date guard makes
// same-day re-runs no-ops.
type Job struct {
	log           *slog.Logger
	store         PassStore
	scanLogs      ScanLogStore
	cache         Cache
	audit         AuditRecorder
	outbox        EventSaver
	bus           Publisher
	resetHour     int
	retentionDays int
	resetsTotal   prometheus.Counter

	stopChan chan struct{}
	stopOnce sync.Once
}

type Opts struct {
	// ResetHour is the UTC hour the scheduler fires at.
	ResetHour int
	// RetentionDays rolls old scan-log tables off; 0 keeps everything.
	RetentionDays int
	ResetsTotal   prometheus.Counter
}

func New(log *slog.Logger, store PassStore, scanLogs ScanLogStore, cache Cache, audit AuditRecorder, outbox EventSaver, bus Publisher, opts Opts) *Job {
	return &Job{
		log:           log,
		store:         store,
		scanLogs:      scanLogs,
		cache:         cache,
		audit:         audit,
		outbox:        outbox,
		bus:           bus,
		resetHour:     opts.ResetHour,
		retentionDays: opts.RetentionDays,
		resetsTotal:   opts.ResetsTotal,
		stopChan:      make(chan struct{}),
	}
}

// Run performs the reset for the given day and reports how many passes were
// reactivated. Re-running within the same day returns 0 without touching
// anything.
func (j *Job) Run(ctx context.Context, day time.Time, triggeredBy string) (int64, error) {
	const op = "reset.Run"
	log := j.log.With(slog.String("op", op), slog.String("day", day.UTC().Format(dayFormat)))

	count, performed, err := j.store.ResetDailyPasses(ctx, day.UTC().Format(dayFormat))
	if err != nil {
		log.Error("daily reset failed", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if !performed {
		log.Info("daily reset already performed for this day")
		return 0, nil
	}

	log.Info("daily passes reset", slog.Int64("count", count))
	if j.resetsTotal != nil {
		j.resetsTotal.Inc()
	}

	if err := j.scanLogs.EnsureScanTable(ctx, day); err != nil {
		log.Error("failed to ensure scan table", sl.Err(err))
	} else if purged, err := j.scanLogs.PurgeValidScans(ctx, day); err != nil {
		log.Error("failed to purge valid scans", sl.Err(err))
	} else {
		log.Info("valid scan rows purged", slog.Int64("purged", purged))
	}

	if j.retentionDays > 0 {
		expired := day.AddDate(0, 0, -j.retentionDays)
		if err := j.scanLogs.DropScanTable(ctx, expired); err != nil {
			log.Error("failed to drop expired scan table", sl.Err(err))
		}
	}

	// Too many rows changed for targeted invalidation to be worth it.
	j.rebuildCache(ctx, log)

	payload := map[string]any{
		"reset_count":  count,
		"day":          day.UTC().Format(dayFormat),
		"triggered_by": triggeredBy,
	}
	j.bus.Publish(event.TypeDailyReset, payload)

	if err := j.outbox.SaveEvent(ctx, string(event.TypeDailyReset), payload); err != nil {
		log.Error("failed to queue reset event", sl.Err(err))
	}

	if err := j.audit.SaveAuditEntry(ctx, models.AuditEntry{
		ActionType: "daily_reset",
		Actor:      triggeredBy,
		Target:     day.UTC().Format(dayFormat),
		Details:    map[string]any{"reset_count": count},
		Result:     "ok",
	}); err != nil {
		log.Error("failed to save audit entry", sl.Err(err))
	}

	return count, nil
}

func (j *Job) rebuildCache(ctx context.Context, log *slog.Logger) {
	passes, err := j.store.ActivePasses(ctx)
	if err != nil {
		log.Error("failed to load active passes for rebuild", sl.Err(err))
		return
	}

	projs := make([]models.PassProjection, len(passes))
	for i, pass := range passes {
		projs[i] = converter.ToProjectionFromPass(pass)
	}

	if err := j.cache.Rebuild(ctx, projs); err != nil {
		log.Error("failed to rebuild cache after reset", sl.Err(err))
		return
	}

	log.Info("cache rebuilt after reset", slog.Int("passes", len(projs)))
}

// Start launches the scheduler loop. It checks every interval whether the
// reset hour for the current UTC day has passed and runs the reset; the
// date guard keeps repeated fires within one day harmless.
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	const op = "reset.Start"
	log := j.log.With(slog.String("op", op))

	ticker := time.NewTicker(interval)

	log.Info("starting reset scheduler", slog.Int("resetHour", j.resetHour), slog.Duration("interval", interval))

	go func() {
		defer ticker.Stop()
		defer log.Info("stopping reset scheduler")

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stopChan:
				return
			case <-ticker.C:
				now := time.Now().UTC()
				if now.Hour() < j.resetHour {
					continue
				}
				if _, err := j.Run(ctx, now, "scheduler"); err != nil {
					log.Error("scheduled reset failed", sl.Err(err))
				}
			}
		}
	}()
}

func (j *Job) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopChan)
	})
}
