package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/converter"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
	storageModel "github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const passColumns = "id,uid,pass_id,pass_type,category,people_allowed,status,max_uses,used_count,created_by,created_at,updated_at,last_scan_at,last_scan_by"

type Storage struct {
	dbpool *pgxpool.Pool
}

var (
	pgOnce sync.Once
)

func New(dbAddr string) (*Storage, error) {
	const op = "storage.postgres.New"

	var (
		dbpool *pgxpool.Pool
		err    error
	)

	//single instance of the db
	pgOnce.Do(func() {
		dbpool, err = pgxpool.New(context.Background(), dbAddr)
	})

	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{dbpool: dbpool}, nil
}

func scanPass(row pgx.Row) (storageModel.Pass, error) {
	var pass storageModel.Pass
	err := row.Scan(
		&pass.ID, &pass.UID, &pass.PassID, &pass.PassType, &pass.Category,
		&pass.PeopleAllowed, &pass.Status, &pass.MaxUses, &pass.UsedCount,
		&pass.CreatedBy, &pass.CreatedAt, &pass.UpdatedAt, &pass.LastScanAt, &pass.LastScanBy,
	)
	return pass, err
}

func (s *Storage) CreatePass(ctx context.Context, req models.BulkRequest, createdBy string) (models.Pass, error) {
	const op = "storage.postgres.CreatePass"

	pass, err := insertPass(ctx, s.dbpool, req, createdBy)
	if err != nil {
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	return pass, nil
}

// insertPass runs against either the pool or an open transaction so the bulk
// pipeline can reuse the same statement inside chunk transactions.
func insertPass(ctx context.Context, q queryRower, req models.BulkRequest, createdBy string) (models.Pass, error) {
	query := `INSERT INTO passes(uid,pass_id,pass_type,category,people_allowed,status,max_uses,used_count,created_by)
		VALUES(@uid,@passId,@passType,@category,@peopleAllowed,'active',@maxUses,0,@createdBy)
		RETURNING ` + passColumns
	args := pgx.NamedArgs{
		"uid":           req.UID,
		"passId":        uuid.New(),
		"passType":      string(req.PassType),
		"category":      req.Category,
		"peopleAllowed": req.PeopleAllowed,
		"maxUses":       req.MaxUses,
		"createdBy":     createdBy,
	}

	pass, err := scanPass(q.QueryRow(ctx, query, args))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Pass{}, storage.ErrPassExists
		}

		return models.Pass{}, err
	}

	return converter.ToPassFromStorage(pass), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PassByUID returns the non-deleted pass carrying uid.
func (s *Storage) PassByUID(ctx context.Context, uid string) (models.Pass, error) {
	const op = "storage.postgres.PassByUID"

	query := "SELECT " + passColumns + " FROM passes WHERE uid=$1 AND status<>'deleted'"

	pass, err := scanPass(s.dbpool.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pass{}, fmt.Errorf("%s: %w", op, storage.ErrPassNotFound)
		}
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToPassFromStorage(pass), nil
}

// ActivePasses returns every active pass, used by the full cache rebuild.
func (s *Storage) ActivePasses(ctx context.Context) ([]models.Pass, error) {
	const op = "storage.postgres.ActivePasses"

	query := "SELECT " + passColumns + " FROM passes WHERE status='active'"

	rows, err := s.dbpool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var passes []storageModel.Pass
	for rows.Next() {
		pass, err := scanPass(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		passes = append(passes, pass)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToPassesFromStorage(passes), nil
}

// ApplyConsumption persists a cache-level consumption: counters, status and
// last-scan bookkeeping for the pass row.
func (s *Storage) ApplyConsumption(ctx context.Context, passDBID int64, usedCount int, status models.PassStatus, scannedBy string, scannedAt time.Time) error {
	const op = "storage.postgres.ApplyConsumption"

	query := `UPDATE passes SET used_count=@usedCount,status=@status,last_scan_at=@scannedAt,last_scan_by=@scannedBy,updated_at=now()
		WHERE id=@id`
	args := pgx.NamedArgs{
		"id":        passDBID,
		"usedCount": usedCount,
		"status":    string(status),
		"scannedAt": scannedAt,
		"scannedBy": scannedBy,
	}

	tag, err := s.dbpool.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrPassNotFound)
	}

	return nil
}

// SetStatus moves the non-deleted pass carrying uid to the given status.
func (s *Storage) SetStatus(ctx context.Context, uid string, status models.PassStatus) (models.Pass, error) {
	const op = "storage.postgres.SetStatus"

	query := `UPDATE passes SET status=$2,updated_at=now() WHERE uid=$1 AND status<>'deleted'
		RETURNING ` + passColumns

	pass, err := scanPass(s.dbpool.QueryRow(ctx, query, uid, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pass{}, fmt.Errorf("%s: %w", op, storage.ErrPassNotFound)
		}
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToPassFromStorage(pass), nil
}

// ResetPass reactivates one pass and zeroes its counter.
func (s *Storage) ResetPass(ctx context.Context, uid string) (models.Pass, error) {
	const op = "storage.postgres.ResetPass"

	query := `UPDATE passes SET status='active',used_count=0,updated_at=now() WHERE uid=$1 AND status<>'deleted'
		RETURNING ` + passColumns

	pass, err := scanPass(s.dbpool.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Pass{}, fmt.Errorf("%s: %w", op, storage.ErrPassNotFound)
		}
		return models.Pass{}, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToPassFromStorage(pass), nil
}

// SoftDelete marks the pass deleted. The uid stays reserved until the row is
// hard-deleted.
func (s *Storage) SoftDelete(ctx context.Context, uid string) error {
	const op = "storage.postgres.SoftDelete"

	tag, err := s.dbpool.Exec(ctx, "UPDATE passes SET status='deleted',updated_at=now() WHERE uid=$1 AND status<>'deleted'", uid)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrPassNotFound)
	}

	return nil
}

// HardDeleteDeleted removes soft-deleted rows carrying uid, freeing the uid
// for re-provisioning. Rows in any other status are never touched.
func (s *Storage) HardDeleteDeleted(ctx context.Context, uid string) (int64, error) {
	const op = "storage.postgres.HardDeleteDeleted"

	tag, err := s.dbpool.Exec(ctx, "DELETE FROM passes WHERE uid=$1 AND status='deleted'", uid)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

// CreatePassChunk inserts one bulk chunk inside a single transaction. Any
// failure rolls back the whole chunk and leaves previously committed chunks
// untouched.
func (s *Storage) CreatePassChunk(ctx context.Context, reqs []models.BulkRequest, createdBy string) ([]models.Pass, error) {
	const op = "storage.postgres.CreatePassChunk"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	created := make([]models.Pass, 0, len(reqs))
	for _, req := range reqs {
		pass, err := insertPass(ctx, tx, req, createdBy)
		if err != nil {
			return nil, fmt.Errorf("%s: uid %s: %w", op, req.UID, err)
		}
		created = append(created, pass)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return created, nil
}

// ResetDailyPasses reactivates exhausted daily passes in one transaction,
// guarded by the last_reset_date setting: a same-day re-run performs nothing
// and reports performed=false.
func (s *Storage) ResetDailyPasses(ctx context.Context, day string) (int64, bool, error) {
	const op = "storage.postgres.ResetDailyPasses"

	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	var lastReset string
	err = tx.QueryRow(ctx, "SELECT value FROM app_settings WHERE key='last_reset_date' FOR UPDATE").Scan(&lastReset)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if lastReset == day {
		return 0, false, nil
	}

	tag, err := tx.Exec(ctx, `UPDATE passes SET status='active',used_count=0,updated_at=now()
		WHERE pass_type='daily' AND (status='used' OR used_count>=max_uses) AND status<>'deleted'`)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO app_settings(key,value) VALUES('last_reset_date',$1)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, day)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), true, nil
}

// SaveAuditEntry appends one row to the long-retention audit log.
func (s *Storage) SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	const op = "storage.postgres.SaveAuditEntry"

	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO audit_log(action_type,actor,target,details,result)
		VALUES(@actionType,@actor,@target,@details,@result)`
	args := pgx.NamedArgs{
		"actionType": entry.ActionType,
		"actor":      entry.Actor,
		"target":     entry.Target,
		"details":    details,
		"result":     entry.Result,
	}

	if _, err := s.dbpool.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SaveEvent queues an outbox row for the Kafka sender.
func (s *Storage) SaveEvent(ctx context.Context, eventType string, payload any) error {
	const op = "storage.postgres.SaveEvent"

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := "INSERT INTO pass_events(id,event_type,payload,status) VALUES($1,$2,$3,'new')"
	if _, err := s.dbpool.Exec(ctx, query, uuid.New(), eventType, data); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// NewEvents reserves up to limit undelivered outbox rows for the caller.
func (s *Storage) NewEvents(ctx context.Context, limit int) ([]models.Event, error) {
	const op = "storage.postgres.NewEvents"

	query := `UPDATE pass_events SET reserved_to=now() + interval '1 minute'
		WHERE id IN (
			SELECT id FROM pass_events
			WHERE status='new' AND (reserved_to IS NULL OR reserved_to < now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id,event_type,payload,status,created_at,reserved_to`

	rows, err := s.dbpool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var events []storageModel.Event
	for rows.Next() {
		var event storageModel.Event
		if err := rows.Scan(&event.ID, &event.Type, &event.Payload, &event.Status, &event.CreatedAt, &event.ReservedTo); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToEventsFromStorage(events), nil
}

func (s *Storage) SetEventDone(ctx context.Context, eventID uuid.UUID) (models.Event, error) {
	const op = "storage.postgres.SetEventDone"

	query := `UPDATE pass_events SET status='done' WHERE id=$1
		RETURNING id,event_type,payload,status,created_at,reserved_to`

	var event storageModel.Event
	err := s.dbpool.QueryRow(ctx, query, eventID).
		Scan(&event.ID, &event.Type, &event.Payload, &event.Status, &event.CreatedAt, &event.ReservedTo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Event{}, fmt.Errorf("%s: %w", op, storage.ErrEventNotFound)
		}
		return models.Event{}, fmt.Errorf("%s: %w", op, err)
	}

	return converter.ToEventFromStorage(event), nil
}

func (s *Storage) ClosePool() {
	s.dbpool.Close()
}
