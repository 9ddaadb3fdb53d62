package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/jackc/pgx/v5"
)

// DayTableName derives the deterministic scan-log table name for a calendar
// day. Dates are normalized to UTC so two callers around midnight in
// different zones never produce different names for the same instant.
func DayTableName(day time.Time) string {
	return "scan_logs_" + day.UTC().Format("20060102")
}

// EnsureScanTable lazily creates the scan-log table for day. CREATE TABLE IF
// NOT EXISTS keeps concurrent first writers of a day from racing a duplicate
// table into existence, so this is safe to call before every write.
func (s *Storage) EnsureScanTable(ctx context.Context, day time.Time) error {
	const op = "storage.postgres.EnsureScanTable"

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id bigserial PRIMARY KEY,
		uid text NOT NULL,
		pass_id uuid NOT NULL,
		scanned_by text NOT NULL,
		result text NOT NULL,
		remaining_uses int NOT NULL,
		consumed_count int NOT NULL,
		category text NOT NULL,
		pass_type text NOT NULL,
		scanned_at timestamptz NOT NULL DEFAULT now()
	)`, DayTableName(day))

	if _, err := s.dbpool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// AppendScanLog records one verification attempt, success or failure, in the
// day's table.
func (s *Storage) AppendScanLog(ctx context.Context, day time.Time, log models.ScanLog) error {
	const op = "storage.postgres.AppendScanLog"

	query := fmt.Sprintf(`INSERT INTO %s (uid,pass_id,scanned_by,result,remaining_uses,consumed_count,category,pass_type,scanned_at)
		VALUES(@uid,@passId,@scannedBy,@result,@remainingUses,@consumedCount,@category,@passType,@scannedAt)`, DayTableName(day))
	args := pgx.NamedArgs{
		"uid":           log.UID,
		"passId":        log.PassID,
		"scannedBy":     log.ScannedBy,
		"result":        string(log.Result),
		"remainingUses": log.RemainingUses,
		"consumedCount": log.ConsumedCount,
		"category":      log.Category,
		"passType":      string(log.PassType),
		"scannedAt":     log.ScannedAt,
	}

	if _, err := s.dbpool.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// PurgeValidScans removes the day's valid-result rows after a daily reset.
// Failed and denied scans stay for audit.
func (s *Storage) PurgeValidScans(ctx context.Context, day time.Time) (int64, error) {
	const op = "storage.postgres.PurgeValidScans"

	query := fmt.Sprintf("DELETE FROM %s WHERE result='valid'", DayTableName(day))

	tag, err := s.dbpool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

// DropScanTable removes a whole day's table; retention is table-granular.
func (s *Storage) DropScanTable(ctx context.Context, day time.Time) error {
	const op = "storage.postgres.DropScanTable"

	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", DayTableName(day))

	if _, err := s.dbpool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
