package models

import (
	"time"

	"github.com/google/uuid"
)

// Event is an outbox row queued for delivery to Kafka.
type Event struct {
	ID      uuid.UUID
	Type    string
	Payload string
}

// AuditEntry is one row of the long-retention audit log.
type AuditEntry struct {
	ActionType string
	Actor      string
	Target     string
	Details    map[string]any
	Result     string
	CreatedAt  time.Time
}
