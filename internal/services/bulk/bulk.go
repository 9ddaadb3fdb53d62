package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/converter"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/event"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/lib/logger/sl"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultChunkSize     = 100
	defaultMaxConcurrent = 3

	// finishedOpRetention is how long terminal operations stay queryable
	// before admission of a new batch prunes them.
	finishedOpRetention = time.Hour
)

var (
	ErrTooManyBulkOps = errors.New("too many bulk operations running")
	ErrBulkNotFound   = errors.New("bulk operation not found")
	ErrBulkFinished   = errors.New("bulk operation already finished")
)

type PassStore interface {
	PassByUID(ctx context.Context, uid string) (models.Pass, error)
	HardDeleteDeleted(ctx context.Context, uid string) (int64, error)
	CreatePassChunk(ctx context.Context, reqs []models.BulkRequest, createdBy string) ([]models.Pass, error)
}

type Cache interface {
	UpsertProjections(ctx context.Context, projs []models.PassProjection) error
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

type operation struct {
	state     models.BulkOperation
	cancelled bool
}

// Pipeline provisions passes in chunked transactions. Per-item failures are
// isolated; committed chunks are never undone, including on cancellation.
type Pipeline struct {
	log           *slog.Logger
	store         PassStore
	cache         Cache
	audit         AuditRecorder
	outbox        EventSaver
	bus           Publisher
	chunkSize     int
	maxConcurrent int
	createdTotal  prometheus.Counter

	mu      sync.Mutex
	ops     map[string]*operation
	running int
}

type Opts struct {
	ChunkSize     int
	MaxConcurrent int
	CreatedTotal  prometheus.Counter
}

func New(log *slog.Logger, store PassStore, cache Cache, audit AuditRecorder, outbox EventSaver, bus Publisher, opts Opts) *Pipeline {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Pipeline{
		log:           log,
		store:         store,
		cache:         cache,
		audit:         audit,
		outbox:        outbox,
		bus:           bus,
		chunkSize:     chunkSize,
		maxConcurrent: maxConcurrent,
		createdTotal:  opts.CreatedTotal,
		ops:           make(map[string]*operation),
	}
}

// CreateBulk admits a batch and starts processing it in the background. The
// returned id is the handle for progress snapshots and cancellation.
func (p *Pipeline) CreateBulk(ctx context.Context, reqs []models.BulkRequest, createdBy string) (string, error) {
	const op = "bulk.CreateBulk"
	log := p.log.With(slog.String("op", op))

	p.mu.Lock()
	p.pruneFinishedLocked(time.Now().UTC())
	if p.running >= p.maxConcurrent {
		p.mu.Unlock()
		log.Warn("bulk admission rejected", slog.Int("running", p.running))
		return "", fmt.Errorf("%s: %w", op, ErrTooManyBulkOps)
	}

	bulkID := uuid.NewString()
	p.ops[bulkID] = &operation{state: models.BulkOperation{
		BulkID:    bulkID,
		Total:     len(reqs),
		Status:    models.BulkStatusRunning,
		StartTime: time.Now().UTC(),
	}}
	p.running++
	p.mu.Unlock()

	log.Info("bulk operation admitted", slog.String("bulkId", bulkID), slog.Int("total", len(reqs)))

	// The batch outlives the submission request; it is cancelled through
	// Cancel, not the caller's context.
	go p.run(context.WithoutCancel(ctx), bulkID, reqs, createdBy)

	return bulkID, nil
}

func (p *Pipeline) run(ctx context.Context, bulkID string, reqs []models.BulkRequest, createdBy string) {
	const op = "bulk.run"
	log := p.log.With(slog.String("op", op), slog.String("bulkId", bulkID))

	admitted := p.prescan(ctx, bulkID, reqs)

	for start := 0; start < len(admitted); start += p.chunkSize {
		if p.isCancelled(bulkID) {
			log.Info("bulk operation cancelled between chunks")
			break
		}

		end := min(start+p.chunkSize, len(admitted))
		chunk := admitted[start:end]

		created, err := p.store.CreatePassChunk(ctx, chunk, createdBy)
		if err != nil {
			// The chunk transaction rolled back; earlier chunks stand.
			log.Error("chunk insert failed", sl.Err(err))
			p.update(bulkID, func(st *models.BulkOperation) {
				st.Processed += len(chunk)
				for _, req := range chunk {
					st.Errors = append(st.Errors, models.BulkItemError{
						UID:     req.UID,
						Code:    models.BulkErrDB,
						Message: "chunk transaction rolled back",
					})
				}
			})
			p.publishProgress(bulkID)
			continue
		}

		projs := make([]models.PassProjection, len(created))
		for i, pass := range created {
			projs[i] = converter.ToProjectionFromPass(pass)
		}
		if err := p.cache.UpsertProjections(ctx, projs); err != nil {
			// Rows are durable; the cache will self-correct on miss
			// fallback or the next rebuild.
			log.Error("cache upsert after chunk failed", sl.Err(err))
		}

		p.update(bulkID, func(st *models.BulkOperation) {
			st.Processed += len(chunk)
			st.Created += len(created)
		})
		if p.createdTotal != nil {
			p.createdTotal.Add(float64(len(created)))
		}
		p.publishProgress(bulkID)
	}

	p.finish(ctx, bulkID, createdBy)
}

// prescan validates items and resolves UID collisions before any insert: a
// live pass on the same uid marks the item DUPLICATE_UID, a soft-deleted one
// is hard-deleted so the uid is free again.
func (p *Pipeline) prescan(ctx context.Context, bulkID string, reqs []models.BulkRequest) []models.BulkRequest {
	const op = "bulk.prescan"
	log := p.log.With(slog.String("op", op), slog.String("bulkId", bulkID))

	seen := make(map[string]struct{}, len(reqs))
	admitted := make([]models.BulkRequest, 0, len(reqs))

	for _, req := range reqs {
		if msg := validateItem(req); msg != "" {
			p.recordItemError(bulkID, req.UID, models.BulkErrValidation, msg)
			continue
		}

		if _, dup := seen[req.UID]; dup {
			p.recordDuplicate(bulkID, req.UID, "uid repeated within batch")
			continue
		}
		seen[req.UID] = struct{}{}

		_, err := p.store.PassByUID(ctx, req.UID)
		switch {
		case err == nil:
			p.recordDuplicate(bulkID, req.UID, "non-deleted pass exists")
			continue
		case errors.Is(err, storage.ErrPassNotFound):
			if _, err := p.store.HardDeleteDeleted(ctx, req.UID); err != nil {
				log.Error("failed to free soft-deleted uid", slog.String("uid", req.UID), sl.Err(err))
				p.recordItemError(bulkID, req.UID, models.BulkErrDB, "failed to free uid")
				continue
			}
		default:
			log.Error("prescan lookup failed", slog.String("uid", req.UID), sl.Err(err))
			p.recordItemError(bulkID, req.UID, models.BulkErrDB, "prescan lookup failed")
			continue
		}

		if req.MaxUses <= 0 {
			req.MaxUses = models.DefaultMaxUses(req.PassType)
		}
		if req.PeopleAllowed <= 0 {
			req.PeopleAllowed = 1
		}
		admitted = append(admitted, req)
	}

	return admitted
}

func validateItem(req models.BulkRequest) string {
	if len(req.UID) < 4 || len(req.UID) > 128 {
		return "uid must be 4-128 characters"
	}
	if !isAlphanum(req.UID) {
		return "uid must be alphanumeric"
	}
	switch req.PassType {
	case models.PassTypeDaily, models.PassTypeSeasonal, models.PassTypeUnlimited:
	default:
		return "unknown pass_type"
	}
	if req.Category == "" {
		return "category is required"
	}
	return ""
}

func isAlphanum(s string) bool {
	for _, r := range s {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z') {
			return false
		}
	}
	return true
}

func (p *Pipeline) finish(ctx context.Context, bulkID, createdBy string) {
	const op = "bulk.finish"
	log := p.log.With(slog.String("op", op), slog.String("bulkId", bulkID))

	var snapshot models.BulkOperation
	p.mu.Lock()
	if o, ok := p.ops[bulkID]; ok {
		if o.cancelled {
			o.state.Status = models.BulkStatusCancelled
		} else {
			o.state.Status = models.BulkStatusCompleted
		}
		o.state.EndTime = time.Now().UTC()
		snapshot = cloneState(o.state)
	}
	p.running--
	p.mu.Unlock()

	log.Info("bulk operation finished",
		slog.String("status", string(snapshot.Status)),
		slog.Int("created", snapshot.Created),
		slog.Int("duplicates", snapshot.Duplicates),
		slog.Int("errors", len(snapshot.Errors)),
	)

	p.bus.Publish(event.TypeBulkComplete, snapshot)

	if err := p.outbox.SaveEvent(ctx, string(event.TypeBulkComplete), snapshot); err != nil {
		log.Error("failed to queue bulk complete event", sl.Err(err))
	}

	if err := p.audit.SaveAuditEntry(ctx, models.AuditEntry{
		ActionType: "bulk_create",
		Actor:      createdBy,
		Target:     bulkID,
		Details: map[string]any{
			"total":      snapshot.Total,
			"created":    snapshot.Created,
			"duplicates": snapshot.Duplicates,
			"errors":     len(snapshot.Errors),
		},
		Result: string(snapshot.Status),
	}); err != nil {
		log.Error("failed to save audit entry", sl.Err(err))
	}
}

// Get returns a progress snapshot of the bulk operation.
func (p *Pipeline) Get(bulkID string) (models.BulkOperation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.ops[bulkID]
	if !ok {
		return models.BulkOperation{}, ErrBulkNotFound
	}

	return cloneState(o.state), nil
}

// Cancel requests cooperative cancellation. The pipeline checks the flag
// between chunks; committed chunks are never undone.
func (p *Pipeline) Cancel(bulkID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.ops[bulkID]
	if !ok {
		return ErrBulkNotFound
	}
	if o.state.Status != models.BulkStatusRunning {
		return ErrBulkFinished
	}

	o.cancelled = true

	return nil
}

// pruneFinishedLocked drops terminal operations past the retention window so
// the registry stays bounded. Callers must hold p.mu.
func (p *Pipeline) pruneFinishedLocked(now time.Time) {
	for id, o := range p.ops {
		if o.state.Status == models.BulkStatusRunning {
			continue
		}
		if now.Sub(o.state.EndTime) > finishedOpRetention {
			delete(p.ops, id)
		}
	}
}

func (p *Pipeline) isCancelled(bulkID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.ops[bulkID]
	return ok && o.cancelled
}

func (p *Pipeline) update(bulkID string, fn func(*models.BulkOperation)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.ops[bulkID]; ok {
		fn(&o.state)
	}
}

func (p *Pipeline) recordDuplicate(bulkID, uid, msg string) {
	p.update(bulkID, func(st *models.BulkOperation) {
		st.Processed++
		st.Duplicates++
		st.Errors = append(st.Errors, models.BulkItemError{UID: uid, Code: models.BulkErrDuplicateUID, Message: msg})
	})
}

func (p *Pipeline) recordItemError(bulkID, uid string, code models.BulkItemErrorCode, msg string) {
	p.update(bulkID, func(st *models.BulkOperation) {
		st.Processed++
		st.Errors = append(st.Errors, models.BulkItemError{UID: uid, Code: code, Message: msg})
	})
}

func (p *Pipeline) publishProgress(bulkID string) {
	p.mu.Lock()
	var snapshot models.BulkOperation
	if o, ok := p.ops[bulkID]; ok {
		snapshot = cloneState(o.state)
	}
	p.mu.Unlock()

	p.bus.Publish(event.TypeBulkProgress, snapshot)
}

func cloneState(st models.BulkOperation) models.BulkOperation {
	out := st
	out.Errors = make([]models.BulkItemError, len(st.Errors))
	copy(out.Errors, st.Errors)
	return out
}
