package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/converter"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/lib/logger/sl"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultWeight is the consumption applied per successful scan.
const defaultWeight = 1

type Cache interface {
	AcquireLock(ctx context.Context, uid string) (token string, err error)
	ReleaseLock(ctx context.Context, uid, token string) error
	GetProjection(ctx context.Context, uid string) (models.PassProjection, error)
	UpsertProjection(ctx context.Context, proj models.PassProjection) error
	Consume(ctx context.Context, uid string, weight int) (models.ConsumeOutcome, error)
	Rebuild(ctx context.Context, projs []models.PassProjection) error
}

type PassStore interface {
	PassByUID(ctx context.Context, uid string) (models.Pass, error)
	ActivePasses(ctx context.Context) ([]models.Pass, error)
	ApplyConsumption(ctx context.Context, passDBID int64, usedCount int, status models.PassStatus, scannedBy string, scannedAt time.Time) error
}

type ScanLogStore interface {
	EnsureScanTable(ctx context.Context, day time.Time) error
	AppendScanLog(ctx context.Context, day time.Time, log models.ScanLog) error
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

// Result is the gate decision for one scan.
type Result struct {
	Result        models.ScanResult `json:"result"`
	PassID        uuid.UUID         `json:"pass_id,omitempty"`
	Category      string            `json:"category,omitempty"`
	PassType      models.PassType   `json:"pass_type,omitempty"`
	PeopleAllowed int               `json:"people_allowed,omitempty"`
	RemainingUses int               `json:"remaining_uses"`
}

// Verification orchestrates the check-and-consume protocol: per-UID lock,
// cache lookup with store fallback, the atomic consume step, then durable
// persistence and fan-out.
type Verification struct {
	log        *slog.Logger
	cache      Cache
	passStore  PassStore
	scanLogs   ScanLogStore
	audit      AuditRecorder
	outbox     EventSaver
	bus        Publisher
	weight     int
	scansTotal *prometheus.CounterVec
}

func New(
	log *slog.Logger,
	cache Cache,
	passStore PassStore,
	scanLogs ScanLogStore,
	audit AuditRecorder,
	outbox EventSaver,
	bus Publisher,
	scansTotal *prometheus.CounterVec,
) *Verification {
	return &Verification{
		log:        log,
		cache:      cache,
		passStore:  passStore,
		scanLogs:   scanLogs,
		audit:      audit,
		outbox:     outbox,
		bus:        bus,
		weight:     defaultWeight,
		scansTotal: scansTotal,
	}
}

// Verify decides whether the card carrying uid may enter and consumes one
// use on success. Lock contention and unknown UIDs are terminal outcomes,
// never retried here: the gate needs a bounded answer.
//
// A consumption that succeeded against the cache is never rolled back when
// the durable write afterwards fails; the discrepancy is recorded as a
// system_error audit entry for reconciliation.
func (v *Verification) Verify(ctx context.Context, uid string, principal models.Principal, now time.Time) (Result, error) {
	const op = "verification.Verify"
	log := v.log.With(slog.String("op", op), slog.String("uid", uid))

	token, err := v.cache.AcquireLock(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrLockBusy) {
			log.Warn("uid lock busy")
			res := Result{Result: models.ScanResultLockBusy}
			v.finishScan(ctx, uid, models.PassProjection{}, res, principal, now)
			return res, nil
		}
		log.Error("failed to acquire lock", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := v.cache.ReleaseLock(ctx, uid, token); err != nil && !errors.Is(err, storage.ErrLockNotHeld) {
			log.Error("failed to release lock", sl.Err(err))
		}
	}()

	proj, err := v.lookup(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrPassNotFound) {
			res := Result{Result: models.ScanResultNotFound}
			v.finishScan(ctx, uid, models.PassProjection{}, res, principal, now)
			return res, nil
		}
		log.Error("pass lookup failed", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	// A bouncer only verifies passes of their assigned category. Enforced
	// here and nowhere else so the rule cannot drift between layers.
	if principal.Role == models.RoleBouncer && principal.AssignedCategory != proj.Category {
		res := Result{Result: models.ScanResultDenied, Category: proj.Category, PassType: proj.PassType}
		v.finishScan(ctx, uid, proj, res, principal, now)
		v.recordAudit(ctx, "authorization_denied", principal.ID, uid, map[string]any{
			"assigned_category": principal.AssignedCategory,
			"pass_category":     proj.Category,
		}, "denied")
		return Result{}, fmt.Errorf("%s: %w", op, ErrCategoryMismatch)
	}

	var outcome models.ConsumeOutcome
	if proj.Status == models.PassStatusActive {
		outcome, err = v.cache.Consume(ctx, uid, v.weight)
		if err != nil {
			log.Error("atomic consume failed", sl.Err(err))
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		outcome = staticOutcome(proj)
	}

	res := Result{
		Result:        outcome.Result,
		PassID:        proj.PassID,
		Category:      proj.Category,
		PassType:      proj.PassType,
		PeopleAllowed: proj.PeopleAllowed,
	}

	switch outcome.Result {
	case models.ScanResultValid:
		proj.UsedCount = outcome.UsedCount
		proj.Status = outcome.Status
		res.RemainingUses = proj.RemainingUses()
		v.persistConsumption(ctx, proj, principal, now)
	case models.ScanResultNotFound:
		// Cached entry disappeared between lookup and consume (TTL or
		// invalidation). The attempt is logged as not_found; the next scan
		// re-primes through the store fallback.
		log.Warn("cache entry vanished during consume")
	}

	v.finishScan(ctx, uid, proj, res, principal, now)

	return res, nil
}

// lookup reads the projection from the cache, falling back to the pass
// store on a miss. Active passes found in the store are re-primed into the
// cache so the next scan hits.
func (v *Verification) lookup(ctx context.Context, uid string) (models.PassProjection, error) {
	proj, err := v.cache.GetProjection(ctx, uid)
	if err == nil {
		return proj, nil
	}
	if !errors.Is(err, storage.ErrCacheMiss) {
		return models.PassProjection{}, err
	}

	pass, err := v.passStore.PassByUID(ctx, uid)
	if err != nil {
		return models.PassProjection{}, err
	}

	proj = converter.ToProjectionFromPass(pass)
	if proj.Status == models.PassStatusActive {
		if err := v.cache.UpsertProjection(ctx, proj); err != nil {
			return models.PassProjection{}, err
		}
	}

	return proj, nil
}

func staticOutcome(proj models.PassProjection) models.ConsumeOutcome {
	outcome := models.ConsumeOutcome{UsedCount: proj.UsedCount, Status: proj.Status}
	switch proj.Status {
	case models.PassStatusUsed:
		outcome.Result = models.ScanResultAlreadyUsed
	case models.PassStatusBlocked:
		outcome.Result = models.ScanResultBlocked
	case models.PassStatusExpired:
		outcome.Result = models.ScanResultExpired
	default:
		outcome.Result = models.ScanResultNotFound
	}
	return outcome
}

// persistConsumption writes the already-honored gate decision back to the
// pass store. The decision stands even when this fails.
func (v *Verification) persistConsumption(ctx context.Context, proj models.PassProjection, principal models.Principal, now time.Time) {
	const op = "verification.persistConsumption"
	log := v.log.With(slog.String("op", op), slog.String("uid", proj.UID))

	if err := v.passStore.ApplyConsumption(ctx, proj.PassDBID, proj.UsedCount, proj.Status, principal.ID, now); err != nil {
		log.Error("durable write failed after cache consumption", sl.Err(err))
		v.recordAudit(ctx, "system_error", principal.ID, proj.UID, map[string]any{
			"stage":      "apply_consumption",
			"used_count": proj.UsedCount,
			"status":     string(proj.Status),
			"error":      err.Error(),
		}, "error")
		v.bus.Publish(event.TypeSystemAlert, map[string]any{
			"uid":   proj.UID,
			"stage": "apply_consumption",
		})
	}
}

// finishScan appends the day's scan-log row and fans out the live update.
// Every attempt is logged, whatever its result.
func (v *Verification) finishScan(ctx context.Context, uid string, proj models.PassProjection, res Result, principal models.Principal, now time.Time) {
	const op = "verification.finishScan"
	log := v.log.With(slog.String("op", op), slog.String("uid", uid))

	if v.scansTotal != nil {
		v.scansTotal.WithLabelValues(string(res.Result)).Inc()
	}

	entry := models.ScanLog{
		UID:           uid,
		PassID:        proj.PassID,
		ScannedBy:     principal.ID,
		Result:        res.Result,
		RemainingUses: res.RemainingUses,
		ConsumedCount: proj.UsedCount,
		Category:      proj.Category,
		PassType:      proj.PassType,
		ScannedAt:     now,
	}

	if err := v.scanLogs.EnsureScanTable(ctx, now); err != nil {
		log.Error("failed to ensure scan table", sl.Err(err))
		v.recordAudit(ctx, "system_error", principal.ID, uid, map[string]any{
			"stage": "ensure_scan_table",
			"error": err.Error(),
		}, "error")
	} else if err := v.scanLogs.AppendScanLog(ctx, now, entry); err != nil {
		log.Error("failed to append scan log", sl.Err(err))
		v.recordAudit(ctx, "system_error", principal.ID, uid, map[string]any{
			"stage": "append_scan_log",
			"error": err.Error(),
		}, "error")
	}

	payload := map[string]any{
		"uid":            uid,
		"result":         string(res.Result),
		"remaining_uses": res.RemainingUses,
		"scanned_by":     principal.ID,
	}
	v.bus.Publish(event.TypeVerificationUpdate, payload)

	// Successful consumptions also reach off-process consumers through the
	// outbox; failed attempts stay in the scan log only.
	if res.Result == models.ScanResultValid {
		if err := v.outbox.SaveEvent(ctx, string(event.TypeVerificationUpdate), payload); err != nil {
			log.Error("failed to queue verification event", sl.Err(err))
		}
	}
}

func (v *Verification) recordAudit(ctx context.Context, action, actor, target string, details map[string]any, result string) {
	if err := v.audit.SaveAuditEntry(ctx, models.AuditEntry{
		ActionType: action,
		Actor:      actor,
		Target:     target,
		Details:    details,
		Result:     result,
	}); err != nil {
		v.log.Error("failed to save audit entry", slog.String("action", action), sl.Err(err))
	}
}

// RebuildCache repopulates the active-pass cache from the store. This is a
// maintenance operation: every mutator outside the locked consume path that
// touches many rows funnels through it.
func (v *Verification) RebuildCache(ctx context.Context) (int, error) {
	const op = "verification.RebuildCache"
	log := v.log.With(slog.String("op", op))

	passes, err := v.passStore.ActivePasses(ctx)
	if err != nil {
		log.Error("failed to load active passes", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	projs := make([]models.PassProjection, len(passes))
	for i, pass := range passes {
		projs[i] = converter.ToProjectionFromPass(pass)
	}

	if err := v.cache.Rebuild(ctx, projs); err != nil {
		log.Error("failed to rebuild cache", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("active pass cache rebuilt", slog.Int("passes", len(projs)))

	return len(projs), nil
}
