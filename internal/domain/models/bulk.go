package models

import "time"

type BulkStatus string

const (
	BulkStatusRunning   BulkStatus = "running"
	BulkStatusCompleted BulkStatus = "completed"
	BulkStatusCancelled BulkStatus = "cancelled"
	BulkStatusFailed    BulkStatus = "failed"
)

type BulkItemErrorCode string

const (
	BulkErrDuplicateUID BulkItemErrorCode = "DUPLICATE_UID"
	BulkErrValidation   BulkItemErrorCode = "VALIDATION_ERROR"
	BulkErrDB           BulkItemErrorCode = "DB_ERROR"
)

type BulkItemError struct {
	UID     string            `json:"uid"`
	Code    BulkItemErrorCode `json:"code"`
	Message string            `json:"message"`
}

// BulkRequest is one pass to provision inside a batch.
type BulkRequest struct {
	UID           string
	PassType      PassType
	Category      string
	PeopleAllowed int
	MaxUses       int
}

// BulkOperation is the transient state of one running batch. It is not
// durable: after a restart the outcome is recoverable from the pass store
// and the audit log.
type BulkOperation struct {
	BulkID     string
	Total      int
	Processed  int
	Created    int
	Duplicates int
	Errors     []BulkItemError
	Status     BulkStatus
	StartTime  time.Time
	EndTime    time.Time
}
