package model

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Pass struct {
	ID            int64          `db:"id"`
	UID           string         `db:"uid"`
	PassID        uuid.UUID      `db:"pass_id"`
	PassType      string         `db:"pass_type"`
	Category      string         `db:"category"`
	PeopleAllowed int            `db:"people_allowed"`
	Status        string         `db:"status"`
	MaxUses       int            `db:"max_uses"`
	UsedCount     int            `db:"used_count"`
	CreatedBy     string         `db:"created_by"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	LastScanAt    sql.NullTime   `db:"last_scan_at"`
	LastScanBy    sql.NullString `db:"last_scan_by"`
}
