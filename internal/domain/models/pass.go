package models

import (
	"time"

	"github.com/google/uuid"
)

type PassType string

const (
	PassTypeDaily     PassType = "daily"
	PassTypeSeasonal  PassType = "seasonal"
	PassTypeUnlimited PassType = "unlimited"
)

// UnlimitedMaxUses is the effective ceiling for unlimited passes. Counters
// still advance so scan history stays meaningful, the ceiling is just never
// reached in practice.
const UnlimitedMaxUses = 1_000_000

type PassStatus string

const (
	PassStatusActive  PassStatus = "active"
	PassStatusBlocked PassStatus = "blocked"
	PassStatusUsed    PassStatus = "used"
	PassStatusExpired PassStatus = "expired"
	PassStatusDeleted PassStatus = "deleted"
)

type Pass struct {
	ID            int64
	UID           string
	PassID        uuid.UUID
	PassType      PassType
	Category      string
	PeopleAllowed int
	Status        PassStatus
	MaxUses       int
	UsedCount     int
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastScanAt    time.Time
	LastScanBy    string
}

func (p Pass) RemainingUses() int {
	if remaining := p.MaxUses - p.UsedCount; remaining > 0 {
		return remaining
	}
	return 0
}

// PassProjection is the cached subset of Pass used on the verification hot
// path. It is a read optimization, never a second source of truth.
type PassProjection struct {
	UID           string
	PassID        uuid.UUID
	PassDBID      int64
	Status        PassStatus
	PeopleAllowed int
	PassType      PassType
	Category      string
	MaxUses       int
	UsedCount     int
}

func (p PassProjection) RemainingUses() int {
	if remaining := p.MaxUses - p.UsedCount; remaining > 0 {
		return remaining
	}
	return 0
}

// ConsumeOutcome is the reply of the atomic cache-level consumption step.
type ConsumeOutcome struct {
	Result    ScanResult
	UsedCount int
	Status    PassStatus
}

// DefaultMaxUses returns the per-type default when a provisioning request
// omits max_uses.
func DefaultMaxUses(passType PassType) int {
	switch passType {
	case PassTypeSeasonal:
		return 11
	case PassTypeUnlimited:
		return UnlimitedMaxUses
	default:
		return 1
	}
}
