package passadmin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/converter"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/lib/logger/sl"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
)

var (
	ErrPassExists   = errors.New("pass already exists")
	ErrPassNotFound = errors.New("pass not found")
	ErrNotDeleted   = errors.New("no soft-deleted pass to remove")
)

type PassStore interface {
	CreatePass(ctx context.Context, req models.BulkRequest, createdBy string) (models.Pass, error)
	PassByUID(ctx context.Context, uid string) (models.Pass, error)
	SetStatus(ctx context.Context, uid string, status models.PassStatus) (models.Pass, error)
	ResetPass(ctx context.Context, uid string) (models.Pass, error)
	SoftDelete(ctx context.Context, uid string) error
	HardDeleteDeleted(ctx context.Context, uid string) (int64, error)
}

type Cache interface {
	UpsertProjection(ctx context.Context, proj models.PassProjection) error
	Invalidate(ctx context.Context, uid string) error
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

// Admin performs single-pass lifecycle mutations. Every mutation goes store
// first, then targeted cache upsert/invalidate; in-place cache edits are
// reserved for the locked consume path.
type Admin struct {
	log    *slog.Logger
	store  PassStore
	cache  Cache
	audit  AuditRecorder
	outbox EventSaver
	bus    Publisher
}

func New(log *slog.Logger, store PassStore, cache Cache, audit AuditRecorder, outbox EventSaver, bus Publisher) *Admin {
	return &Admin{log: log, store: store, cache: cache, audit: audit, outbox: outbox, bus: bus}
}

func (a *Admin) Create(ctx context.Context, req models.BulkRequest, createdBy string) (models.Pass, error) {
	const op = "passadmin.Create"
	log := a.log.With(slog.String("op", op), slog.String("uid", req.UID))

	if req.MaxUses <= 0 {
		req.MaxUses = models.DefaultMaxUses(req.PassType)
	}
	if req.PeopleAllowed <= 0 {
		req.PeopleAllowed = 1
	}

	pass, err := a.store.CreatePass(ctx, req, createdBy)
	if err != nil {
		if errors.Is(err, storage.ErrPassExists) {
			log.Warn("pass exists", sl.Err(err))
			return models.Pass{}, fmt.Errorf("%s: %w", op, ErrPassExists)
		}
		log.Error("failed to create pass", sl.Err(err))
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.cache.UpsertProjection(ctx, converter.ToProjectionFromPass(pass)); err != nil {
		log.Error("failed to prime cache for new pass", sl.Err(err))
	}

	a.emit(ctx, event.TypePassCreated, "pass_create", createdBy, pass)

	return pass, nil
}

func (a *Admin) Block(ctx context.Context, uid, actor string) (models.Pass, error) {
	const op = "passadmin.Block"

	pass, err := a.setStatus(ctx, op, uid, models.PassStatusBlocked)
	if err != nil {
		return models.Pass{}, err
	}

	// Blocked passes are not kept hot; the consume path falls back to the
	// store and sees the block.
	if err := a.cache.Invalidate(ctx, uid); err != nil {
		a.log.Error("failed to invalidate blocked pass", slog.String("uid", uid), sl.Err(err))
	}

	a.emit(ctx, event.TypePassBlocked, "pass_block", actor, pass)

	return pass, nil
}

func (a *Admin) Unblock(ctx context.Context, uid, actor string) (models.Pass, error) {
	const op = "passadmin.Unblock"

	pass, err := a.setStatus(ctx, op, uid, models.PassStatusActive)
	if err != nil {
		return models.Pass{}, err
	}

	if err := a.cache.UpsertProjection(ctx, converter.ToProjectionFromPass(pass)); err != nil {
		a.log.Error("failed to re-prime unblocked pass", slog.String("uid", uid), sl.Err(err))
	}

	a.emit(ctx, event.TypePassUnblocked, "pass_unblock", actor, pass)

	return pass, nil
}

// ResetPass reactivates one pass and zeroes its counter, independent of the
// daily job.
func (a *Admin) ResetPass(ctx context.Context, uid, actor string) (models.Pass, error) {
	const op = "passadmin.ResetPass"
	log := a.log.With(slog.String("op", op), slog.String("uid", uid))

	pass, err := a.store.ResetPass(ctx, uid)
	if err != nil {
		if errors.Is(err, storage.ErrPassNotFound) {
			log.Warn("pass not found", sl.Err(err))
			return models.Pass{}, fmt.Errorf("%s: %w", op, ErrPassNotFound)
		}
		log.Error("failed to reset pass", sl.Err(err))
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.cache.UpsertProjection(ctx, converter.ToProjectionFromPass(pass)); err != nil {
		log.Error("failed to re-prime reset pass", sl.Err(err))
	}

	a.emit(ctx, event.TypePassReset, "pass_reset", actor, pass)

	return pass, nil
}

// Delete soft-deletes a pass; with hard=true it removes an already
// soft-deleted row so the uid can be provisioned again.
func (a *Admin) Delete(ctx context.Context, uid, actor string, hard bool) error {
	const op = "passadmin.Delete"
	log := a.log.With(slog.String("op", op), slog.String("uid", uid), slog.Bool("hard", hard))

	if hard {
		removed, err := a.store.HardDeleteDeleted(ctx, uid)
		if err != nil {
			log.Error("failed to hard-delete pass", sl.Err(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		if removed == 0 {
			return fmt.Errorf("%s: %w", op, ErrNotDeleted)
		}
		a.recordAudit(ctx, "pass_hard_delete", actor, uid, map[string]any{"removed": removed}, "ok")
		return nil
	}

	if err := a.store.SoftDelete(ctx, uid); err != nil {
		if errors.Is(err, storage.ErrPassNotFound) {
			log.Warn("pass not found", sl.Err(err))
			return fmt.Errorf("%s: %w", op, ErrPassNotFound)
		}
		log.Error("failed to soft-delete pass", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.cache.Invalidate(ctx, uid); err != nil {
		log.Error("failed to invalidate deleted pass", sl.Err(err))
	}

	a.bus.Publish(event.TypePassDeleted, map[string]any{"uid": uid})
	if err := a.outbox.SaveEvent(ctx, string(event.TypePassDeleted), map[string]any{"uid": uid}); err != nil {
		log.Error("failed to queue event", sl.Err(err))
	}
	a.recordAudit(ctx, "pass_delete", actor, uid, nil, "ok")

	return nil
}

func (a *Admin) setStatus(ctx context.Context, op, uid string, status models.PassStatus) (models.Pass, error) {
	log := a.log.With(slog.String("op", op), slog.String("uid", uid))

	pass, err := a.store.SetStatus(ctx, uid, status)
	if err != nil {
		if errors.Is(err, storage.ErrPassNotFound) {
			log.Warn("pass not found", sl.Err(err))
			return models.Pass{}, fmt.Errorf("%s: %w", op, ErrPassNotFound)
		}
		log.Error("failed to set pass status", sl.Err(err))
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	return pass, nil
}

func (a *Admin) emit(ctx context.Context, t event.Type, action, actor string, pass models.Pass) {
	payload := map[string]any{
		"uid":       pass.UID,
		"pass_id":   pass.PassID.String(),
		"status":    string(pass.Status),
		"category":  pass.Category,
		"pass_type": string(pass.PassType),
	}

	a.bus.Publish(t, payload)

	if err := a.outbox.SaveEvent(ctx, string(t), payload); err != nil {
		a.log.Error("failed to queue event", slog.String("type", string(t)), sl.Err(err))
	}

	a.recordAudit(ctx, action, actor, pass.UID, nil, "ok")
}

func (a *Admin) recordAudit(ctx context.Context, action, actor, target string, details map[string]any, result string) {
	if err := a.audit.SaveAuditEntry(ctx, models.AuditEntry{
		ActionType: action,
		Actor:      actor,
		Target:     target,
		Details:    details,
		Result:     result,
	}); err != nil {
		a.log.Error("failed to save audit entry", slog.String("action", action), sl.Err(err))
	}
}
