package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire headers accompanying every published envelope. DLQ replays
// additionally carry HeaderDLQRetry and HeaderDLQID.
const (
	HeaderEventType     = "X-Event-Type"
	HeaderEventVersion  = "X-Event-Version"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderDLQRetry      = "x-dlq-retry"
	HeaderDLQID         = "x-dlq-id"
)

// Envelope is the canonical JSON wrapper around a domain event's payload.
// The core treats the payload as opaque bytes tagged by eventType and
// eventVersion; interpretation is deferred to the consumer boundary.
type Envelope struct {
	EventID       string            `json:"eventId"`
	EventType     string            `json:"eventType"`
	EventVersion  int               `json:"eventVersion"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Producer      string            `json:"producer"`
	CorrelationID string            `json:"correlationId"`
	Subject       map[string]string `json:"subject"`
	Payload       json.RawMessage   `json:"payload"`
}

// NewEnvelope builds the wire envelope for an outbox record. The producer
// name identifies the relaying process, not the originating service.
func NewEnvelope(rec *OutboxRecord, producer string) Envelope {
	return Envelope{
		EventID:       rec.ID.String(),
		EventType:     rec.EventType,
		EventVersion:  rec.EventVersion,
		OccurredAt:    rec.OccurredAt.UTC(),
		Producer:      producer,
		CorrelationID: rec.CorrelationID,
		Subject:       rec.Subject,
		Payload:       rec.Payload,
	}
}

// Headers returns the transport headers for the envelope.
func (e Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderEventType:     e.EventType,
		HeaderEventVersion:  fmt.Sprintf("%d", e.EventVersion),
		HeaderCorrelationID: e.CorrelationID,
	}
}

// DecodeEnvelope parses a wire message body and rejects shapes that cannot
// be a valid envelope. Malformed bodies will not self-correct, so callers
// drop them rather than requeueing.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return Envelope{}, fmt.Errorf("malformed envelope: missing eventId or eventType")
	}
	return env, nil
}
