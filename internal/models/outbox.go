package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the closed set of states an outbox record moves through.
// Transitions are pending -> sent and pending -> failed; a failed record may
// be re-queued by an operator but is never deleted.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxRecord represents a row in the outbox_events table. It is created
// once, inside the same transaction as the domain write it accompanies, and
// afterwards mutated only by the relay.
type OutboxRecord struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	OccurredAt    time.Time         `db:"occurred_at" json:"occurredAt"`
	Topic         string            `db:"topic" json:"topic"`
	EventType     string            `db:"event_type" json:"eventType"`
	EventVersion  int               `db:"event_version" json:"eventVersion"`
	CorrelationID string            `db:"correlation_id" json:"correlationId"`
	Subject       map[string]string `db:"subject_json" json:"subject"`
	Payload       json.RawMessage   `db:"payload_json" json:"payload"`
	Status        OutboxStatus      `db:"status" json:"status"`
	AttemptCount  int               `db:"attempt_count" json:"attemptCount"`
	ErrorMessage  *string           `db:"error_message" json:"errorMessage,omitempty"`
}

// subjectKeyPriority is the order in which subject tags are consulted when
// deriving a partition key. All events about the same business entity must
// land on the same routing key so their relative order survives the broker.
var subjectKeyPriority = []string{"claimId", "policyId", "fraudCaseId", "complaintId", "contractId"}

// PartitionKey derives the routing key for this record from its subject tags,
// falling back to the record id so every event routes deterministically.
func (r *OutboxRecord) PartitionKey() string {
	for _, k := range subjectKeyPriority {
		if v, ok := r.Subject[k]; ok && v != "" {
			return v
		}
	}
	return r.ID.String()
}
