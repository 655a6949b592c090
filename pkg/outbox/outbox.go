// Package outbox provides the producer-facing half of the transactional
// outbox pattern: appending an event record inside the caller's ambient
// database transaction, so the record commits or rolls back atomically with
// the business mutation it accompanies. No broker I/O happens at publish
// time; delivery belongs to the relay process.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/claimscore/claims-event-relay/internal/models"
)

var (
	ErrEmptyTopic     = errors.New("outbox: topic must not be empty")
	ErrEmptyEventType = errors.New("outbox: event type must not be empty")
	ErrInvalidVersion = errors.New("outbox: event version must be >= 1")
)

// Tx is the slice of pgx.Tx the publisher needs. Passing the caller's open
// transaction is what makes the insert atomic with the business write.
type Tx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Event describes one domain event to be recorded for later delivery.
// Subject tags identify the business entities involved and drive
// partition-key derivation in the relay.
type Event struct {
	Topic         string
	EventType     string
	EventVersion  int
	CorrelationID string
	Subject       map[string]string
	Payload       any
}

// Publisher appends outbox records. It is safe for concurrent use.
type Publisher struct {
	now func() time.Time
}

func NewPublisher() *Publisher {
	return &Publisher{now: time.Now}
}

// Publish writes exactly one pending outbox record inside tx and returns the
// generated event id. If the caller's transaction rolls back, no record is
// persisted.
func (p *Publisher) Publish(ctx context.Context, tx Tx, event Event) (uuid.UUID, error) {
	if event.Topic == "" {
		return uuid.Nil, ErrEmptyTopic
	}
	if event.EventType == "" {
		return uuid.Nil, ErrEmptyEventType
	}
	if event.EventVersion < 1 {
		return uuid.Nil, ErrInvalidVersion
	}

	subject := event.Subject
	if subject == nil {
		subject = map[string]string{}
	}
	subjectJSON, err := json.Marshal(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: failed to encode subject: %w", err)
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: failed to encode payload: %w", err)
	}

	eventID := uuid.New()

	query := `
		INSERT INTO outbox_events
			(id, occurred_at, topic, event_type, event_version, correlation_id,
			 subject_json, payload_json, status, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.Exec(ctx, query,
		eventID, p.now(), event.Topic, event.EventType, event.EventVersion,
		event.CorrelationID, subjectJSON, payloadJSON, models.OutboxPending, 0,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("outbox: failed to insert event: %w", err)
	}

	return eventID, nil
}
