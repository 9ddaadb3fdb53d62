package models

import (
	"time"

	"github.com/google/uuid"
)

type ScanResult string

const (
	ScanResultValid       ScanResult = "valid"
	ScanResultAlreadyUsed ScanResult = "already_used"
	ScanResultBlocked     ScanResult = "blocked"
	ScanResultExpired     ScanResult = "expired"
	ScanResultNotFound    ScanResult = "not_found"
	ScanResultLockBusy    ScanResult = "lock_busy"
	ScanResultDenied      ScanResult = "denied"
)

// ScanLog is one row in a day-partitioned scan table.
type ScanLog struct {
	UID           string
	PassID        uuid.UUID
	ScannedBy     string
	Result        ScanResult
	RemainingUses int
	ConsumedCount int
	Category      string
	PassType      PassType
	ScannedAt     time.Time
}
