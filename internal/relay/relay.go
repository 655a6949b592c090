package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/models"
	"github.com/claimscore/claims-event-relay/pkg/metrics"
)

// Store defines the relay's contract with outbox persistence.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkAsSent(ctx context.Context, id uuid.UUID) error
	MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Publisher defines the contract for broker publishing. A nil return means
// the broker confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg broker.Message) error
}

// Service turns pending outbox rows into broker messages. One record's
// failure never blocks the remainder of the batch, and a row is only marked
// sent after a confirmed broker acknowledgment.
type Service struct {
	store    Store
	broker   Publisher
	logger   *slog.Logger
	producer string
}

func NewService(store Store, broker Publisher, producer string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		broker:   broker,
		logger:   logger,
		producer: producer,
	}
}

// ProcessNextBatch fetches up to batchSize pending records, oldest first,
// and publishes each one. It returns an error only for batch-level failures
// (fetch errors, canceled context); per-record outcomes are persisted on the
// records themselves.
func (s *Service) ProcessNextBatch(ctx context.Context, batchSize int) error {
	start := time.Now()

	records, err := s.store.FetchPending(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("fetch failure: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	metrics.BatchSize.Observe(float64(len(records)))
	defer func() {
		metrics.BatchDuration.Observe(time.Since(start).Seconds())
		s.logger.Info("Batch cycle telemetry",
			"count", len(records),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	for _, rec := range records {
		select {
		case <-ctx.Done():
			// Remaining records stay pending and are picked up on the
			// next tick after restart.
			s.logger.Warn("Shutdown signal received, abandoning rest of batch")
			return ctx.Err()
		default:
		}

		s.relayRecord(ctx, rec)
	}

	return nil
}

func (s *Service) relayRecord(ctx context.Context, rec models.OutboxRecord) {
	l := s.logger.With(
		"event_id", rec.ID,
		"topic", rec.Topic,
		"correlation_id", rec.CorrelationID,
	)

	if reason := validate(rec); reason != "" {
		// Malformed data will not self-correct; park the record as failed
		// so it leaves the pending scan.
		l.Error("Skipping invalid outbox record", "reason", reason)
		if err := s.store.MarkAsFailed(ctx, rec.ID, "validation: "+reason); err != nil {
			l.Error("Failed to mark invalid record", "error", err)
		}
		metrics.EventsRelayed.WithLabelValues("invalid", rec.Topic).Inc()
		return
	}

	envelope := models.NewEnvelope(&rec, s.producer)
	body, err := json.Marshal(envelope)
	if err != nil {
		l.Error("Failed to encode envelope", "error", err)
		if err := s.store.MarkAsFailed(ctx, rec.ID, "validation: envelope encoding: "+err.Error()); err != nil {
			l.Error("Failed to mark invalid record", "error", err)
		}
		metrics.EventsRelayed.WithLabelValues("invalid", rec.Topic).Inc()
		return
	}

	msg := broker.Message{
		Key:     rec.PartitionKey(),
		Value:   body,
		Headers: envelope.Headers(),
	}

	if err := s.broker.Publish(ctx, rec.Topic, msg); err != nil {
		l.Error("Broker publish failed", "error", err)
		if err := s.store.MarkAsFailed(ctx, rec.ID, err.Error()); err != nil {
			l.Error("Failed to record publish failure", "error", err)
		}
		metrics.EventsRelayed.WithLabelValues("failed", rec.Topic).Inc()
		return
	}

	if err := s.store.MarkAsSent(ctx, rec.ID); err != nil {
		// The row stays pending and will be republished; consumers dedup,
		// so this is a performance cost, not a correctness one.
		l.Error("Event published but status update failed, row remains pending", "error", err)
		return
	}

	metrics.EventsRelayed.WithLabelValues("sent", rec.Topic).Inc()
	l.Debug("Event published", "event_type", rec.EventType)
}

func validate(rec models.OutboxRecord) string {
	switch {
	case rec.Topic == "":
		return "empty topic"
	case rec.EventType == "":
		return "empty event type"
	case rec.EventVersion < 1:
		return "event version below 1"
	case len(rec.Payload) == 0 || !json.Valid(rec.Payload):
		return "payload is not valid JSON"
	default:
		return ""
	}
}
