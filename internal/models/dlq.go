package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DLQStatus is the closed set of states a dead-letter record moves through.
// pending -> retrying -> (pending | failed); resolved is terminal and
// reachable from any state via manual resolution.
type DLQStatus string

const (
	DLQPending  DLQStatus = "pending"
	DLQRetrying DLQStatus = "retrying"
	DLQFailed   DLQStatus = "failed"
	DLQResolved DLQStatus = "resolved"
)

// Resolution tags how a dead-letter record left the retry cycle.
type Resolution string

const (
	ResolutionManual Resolution = "manual"
	ResolutionAuto   Resolution = "auto"
)

// DeadLetterRecord represents a row in the dead_letter_queue table: one
// message whose consumer-side processing failed, together with everything
// needed to replay it to the original topic.
type DeadLetterRecord struct {
	DLQID           uuid.UUID         `db:"dlq_id"`
	OriginalEventID string            `db:"original_event_id"`
	Topic           string            `db:"topic"`
	Partition       *int              `db:"partition"`
	Offset          *string           `db:"offset"`
	Key             *string           `db:"key"`
	Value           json.RawMessage   `db:"value"`
	Headers         map[string]string `db:"headers"`
	ErrorMessage    string            `db:"error_message"`
	ErrorStack      *string           `db:"error_stack"`
	ConsumerGroup   string            `db:"consumer_group"`
	RetryCount      int               `db:"retry_count"`
	MaxRetries      int               `db:"max_retries"`
	Status          DLQStatus         `db:"status"`
	NextRetryAt     *time.Time        `db:"next_retry_at"`
	LastErrorAt     time.Time         `db:"last_error_at"`
	ResolvedAt      *time.Time        `db:"resolved_at"`
	CreatedAt       time.Time         `db:"created_at"`
}

// DLQStats aggregates record counts by status for dashboards.
type DLQStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Resolved int `json:"resolved"`
}
