// Package consumer wraps a business event handler with the idempotency
// ledger and dead-letter capture, turning the broker's at-least-once
// delivery into effectively-once application of business effects.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/dlq"
	"github.com/claimscore/claims-event-relay/internal/models"
	"github.com/claimscore/claims-event-relay/pkg/metrics"
)

// Ledger is the idempotent-consumer dedup contract. True means "first
// delivery, proceed"; false means "duplicate, skip".
type Ledger interface {
	EnsureIdempotent(ctx context.Context, eventID, consumerName, topic string) (bool, error)
}

// DeadLetters is the slice of the DLQ service the handler needs.
type DeadLetters interface {
	Capture(ctx context.Context, msg dlq.FailedMessage, cause error) (uuid.UUID, error)
	Resolve(ctx context.Context, dlqID uuid.UUID, resolution models.Resolution) error
}

// ApplyFunc applies the business effect of one decoded envelope.
type ApplyFunc func(ctx context.Context, env models.Envelope) error

// IdempotentHandler is the broker.Handler for a consumer group. Per
// delivery: decode, dedup via the ledger, apply, and on failure capture into
// the DLQ and ack so the DLQ owns the retry cycle.
type IdempotentHandler struct {
	ledger Ledger
	dlq    DeadLetters
	apply  ApplyFunc
	group  string
	logger *slog.Logger
}

func NewIdempotentHandler(ledger Ledger, deadLetters DeadLetters, apply ApplyFunc, group string, logger *slog.Logger) *IdempotentHandler {
	return &IdempotentHandler{
		ledger: ledger,
		dlq:    deadLetters,
		apply:  apply,
		group:  group,
		logger: logger,
	}
}

// Handle processes one delivery. It returns an error only for infrastructure
// failures where a requeue is the right recovery; business failures are
// dead-lettered and acked.
func (h *IdempotentHandler) Handle(ctx context.Context, d broker.Delivery) error {
	start := time.Now()

	env, err := models.DecodeEnvelope(d.Body)
	if err != nil {
		// Malformed bodies will not self-correct; drop them.
		h.logger.Warn("Dropping malformed message", "topic", d.Topic, "error", err)
		metrics.ConsumerMessages.WithLabelValues("dropped", d.Topic).Inc()
		return nil
	}

	l := h.logger.With(
		"event_id", env.EventID,
		"event_type", env.EventType,
		"correlation_id", env.CorrelationID,
		"topic", d.Topic,
	)

	dlqID, isReplay := d.Headers[models.HeaderDLQID]
	if isReplay {
		// Replays were claimed in the ledger on first delivery; the DLQ's
		// bounded retry budget governs them instead of the dedup gate.
		l.Info("Processing DLQ replay", "dlq_id", dlqID, "dlq_retry", d.Headers[models.HeaderDLQRetry])
	} else {
		proceed, err := h.ledger.EnsureIdempotent(ctx, env.EventID, h.group, d.Topic)
		if err != nil {
			return err
		}
		if !proceed {
			l.Debug("Duplicate delivery, skipping")
			metrics.ConsumerMessages.WithLabelValues("duplicate", d.Topic).Inc()
			return nil
		}
	}

	if applyErr := h.apply(ctx, env); applyErr != nil {
		if isReplay {
			// The originating entry's retry budget governs this message;
			// capturing again would mint a fresh budget per failed replay
			// and the cycle would never terminate. ProcessRetries already
			// counted this attempt and will mark the entry failed once the
			// budget runs out.
			l.Error("Replay attempt failed, awaiting next scheduled retry", "dlq_id", dlqID, "error", applyErr)
			metrics.ConsumerMessages.WithLabelValues("replay_failed", d.Topic).Inc()
			return nil
		}

		l.Error("Handler failed, capturing to DLQ", "error", applyErr)

		key := d.Key
		_, captureErr := h.dlq.Capture(ctx, dlq.FailedMessage{
			OriginalEventID: env.EventID,
			Topic:           d.Topic,
			Key:             &key,
			Value:           d.Body,
			Headers:         d.Headers,
			ConsumerGroup:   h.group,
		}, applyErr)
		if captureErr != nil {
			// Nothing durable holds the failure yet; requeue the delivery.
			return captureErr
		}

		metrics.ConsumerMessages.WithLabelValues("dead_lettered", d.Topic).Inc()
		metrics.ConsumerDuration.WithLabelValues("dead_lettered", d.Topic).Observe(time.Since(start).Seconds())
		return nil
	}

	if isReplay {
		if id, err := uuid.Parse(dlqID); err == nil {
			if err := h.dlq.Resolve(ctx, id, models.ResolutionAuto); err != nil {
				l.Warn("Failed to auto-resolve dlq entry", "dlq_id", dlqID, "error", err)
			}
		}
	}

	metrics.ConsumerMessages.WithLabelValues("applied", d.Topic).Inc()
	metrics.ConsumerDuration.WithLabelValues("applied", d.Topic).Observe(time.Since(start).Seconds())
	l.Debug("Event applied")
	return nil
}
