// Package dlq implements the dead-letter side of the pipeline: capturing
// consumer processing failures, replaying them with bounded backoff, and
// exposing manual resolution and statistics.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/models"
	"github.com/claimscore/claims-event-relay/pkg/metrics"
)

// Repository defines the persistence contract for dead-letter records.
type Repository interface {
	Insert(ctx context.Context, rec *models.DeadLetterRecord) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterRecord, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.DLQStatus) error
	RecordAttempt(ctx context.Context, id uuid.UUID, retryCount int, status models.DLQStatus, nextRetryAt time.Time, lastErrorAt *time.Time) error
	Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error
	Stats(ctx context.Context) (models.DLQStats, error)
}

// Publisher defines the contract for replaying messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg broker.Message) error
}

// FailedMessage carries everything needed to capture and later replay a
// message whose consumer-side processing failed.
type FailedMessage struct {
	OriginalEventID string
	Topic           string
	Partition       *int
	Offset          *string
	Key             *string
	Value           []byte
	Headers         map[string]string
	ConsumerGroup   string
}

// Service owns the dead-letter lifecycle. The retry processor runs as a
// ticker-driven task; ticks never overlap because processing happens
// synchronously inside the loop goroutine.
type Service struct {
	repo       Repository
	broker     Publisher
	logger     *slog.Logger
	maxRetries int
	delays     []time.Duration
	batchSize  int
	now        func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

type Config struct {
	MaxRetries int
	Delays     []time.Duration
	BatchSize  int
}

func NewService(repo Repository, broker Publisher, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Service{
		repo:       repo,
		broker:     broker,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		delays:     cfg.Delays,
		batchSize:  cfg.BatchSize,
		now:        time.Now,
	}
}

// Capture records a processing failure as a pending dead-letter entry with
// its first retry scheduled.
func (s *Service) Capture(ctx context.Context, msg FailedMessage, cause error) (uuid.UUID, error) {
	if !json.Valid(msg.Value) {
		// Store an escaped copy so the jsonb column accepts it.
		quoted, err := json.Marshal(string(msg.Value))
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to encode dlq value: %w", err)
		}
		msg.Value = quoted
	}

	now := s.now()
	next := s.nextRetryAt(0, now)
	rec := &models.DeadLetterRecord{
		DLQID:           uuid.New(),
		OriginalEventID: msg.OriginalEventID,
		Topic:           msg.Topic,
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		Key:             msg.Key,
		Value:           msg.Value,
		Headers:         msg.Headers,
		ErrorMessage:    cause.Error(),
		ConsumerGroup:   msg.ConsumerGroup,
		RetryCount:      0,
		MaxRetries:      s.maxRetries,
		Status:          models.DLQPending,
		NextRetryAt:     &next,
		LastErrorAt:     now,
		CreatedAt:       now,
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		return uuid.Nil, err
	}

	s.logger.Warn("Event added to DLQ",
		"dlq_id", rec.DLQID,
		"topic", msg.Topic,
		"consumer_group", msg.ConsumerGroup,
		"error", cause.Error(),
	)

	return rec.DLQID, nil
}

// ProcessRetries replays every due record once. A single record's failure is
// logged with its dlq id and topic and never halts the batch.
func (s *Service) ProcessRetries(ctx context.Context) error {
	due, err := s.repo.FetchDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch due dlq entries: %w", err)
	}

	for _, rec := range due {
		s.retryOne(ctx, rec)
	}

	return nil
}

func (s *Service) retryOne(ctx context.Context, rec models.DeadLetterRecord) {
	l := s.logger.With("dlq_id", rec.DLQID, "topic", rec.Topic)

	if err := s.repo.SetStatus(ctx, rec.DLQID, models.DLQRetrying); err != nil {
		l.Error("Failed to claim dlq entry for retry", "error", err)
		return
	}

	// Replays keep the original partition key so the entity's event stream
	// stays ordered, and carry markers downstream consumers can detect.
	headers := make(map[string]string, len(rec.Headers)+2)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[models.HeaderDLQRetry] = strconv.Itoa(rec.RetryCount + 1)
	headers[models.HeaderDLQID] = rec.DLQID.String()

	var key string
	if rec.Key != nil {
		key = *rec.Key
	}

	publishErr := s.broker.Publish(ctx, rec.Topic, broker.Message{
		Key:     key,
		Value:   rec.Value,
		Headers: headers,
	})

	retryCount := rec.RetryCount + 1
	status := models.DLQPending
	if retryCount >= rec.MaxRetries {
		status = models.DLQFailed
	}
	next := s.nextRetryAt(retryCount, s.now())

	if publishErr != nil {
		lastErrorAt := s.now()
		if err := s.repo.RecordAttempt(ctx, rec.DLQID, retryCount, status, next, &lastErrorAt); err != nil {
			l.Error("Failed to record dlq retry failure", "error", err)
			return
		}
		metrics.DLQRetries.WithLabelValues("failed").Inc()
		l.Error("DLQ retry failed", "retry_count", retryCount, "error", publishErr)
		return
	}

	if err := s.repo.RecordAttempt(ctx, rec.DLQID, retryCount, status, next, nil); err != nil {
		l.Error("Failed to record dlq retry result", "error", err)
		return
	}

	metrics.DLQRetries.WithLabelValues("republished").Inc()
	l.Info("DLQ retry processed", "retry_count", retryCount, "status", status)
}

// Resolve forces a record to resolved, usable from any current status.
func (s *Service) Resolve(ctx context.Context, dlqID uuid.UUID, resolution models.Resolution) error {
	if err := s.repo.Resolve(ctx, dlqID, s.now()); err != nil {
		return err
	}

	s.logger.Info("DLQ entry resolved", "dlq_id", dlqID, "resolution", resolution)
	return nil
}

// Stats aggregates counts by status and refreshes the backlog gauges.
func (s *Service) Stats(ctx context.Context) (models.DLQStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return models.DLQStats{}, err
	}

	metrics.DLQBacklog.WithLabelValues(string(models.DLQPending)).Set(float64(stats.Pending))
	metrics.DLQBacklog.WithLabelValues(string(models.DLQRetrying)).Set(float64(stats.Retrying))
	metrics.DLQBacklog.WithLabelValues(string(models.DLQFailed)).Set(float64(stats.Failed))
	metrics.DLQBacklog.WithLabelValues(string(models.DLQResolved)).Set(float64(stats.Resolved))

	return stats, nil
}

// StartRetryProcessor launches the ticker-driven retry loop. It is a no-op
// if the processor is already running.
func (s *Service) StartRetryProcessor(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx, interval)
	s.logger.Info("DLQ retry processor started", "interval", interval)
}

// Stop terminates the retry loop. The in-flight tick finishes first.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	close(s.stopCh)
	s.running = false
}

func (s *Service) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.ProcessRetries(ctx); err != nil {
				s.logger.Error("Retry processor error", "error", err)
			}
		}
	}
}

// nextRetryAt indexes the backoff schedule by retry count, clamped to the
// last configured delay.
func (s *Service) nextRetryAt(retryCount int, from time.Time) time.Time {
	idx := retryCount
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return from.Add(s.delays[idx])
}
