package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/claimscore/claims-event-relay/internal/models"
)

const outboxColumns = `id, occurred_at, topic, event_type, event_version,
	correlation_id, subject_json, payload_json, status, attempt_count, error_message`

// OutboxRepository gives the relay its mutate-only access to outbox rows.
// Row creation happens in the producing service's transaction via
// pkg/outbox, never here.
type OutboxRepository struct {
	db Querier
}

func NewOutboxRepository(db Querier) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// FetchPending returns up to limit pending records, oldest first. The scan
// order preserves intra-producer ordering for records sharing a subject key.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return r.fetchByStatus(ctx, models.OutboxPending, limit)
}

// FetchFailed exposes failed records for operator inspection and manual
// re-queueing. The relay never retries these automatically.
func (r *OutboxRepository) FetchFailed(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	return r.fetchByStatus(ctx, models.OutboxFailed, limit)
}

func (r *OutboxRepository) fetchByStatus(ctx context.Context, status models.OutboxStatus, limit int) ([]models.OutboxRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM outbox_events
		WHERE status = $1
		ORDER BY occurred_at ASC
		LIMIT $2`, outboxColumns)

	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s outbox events: %w", status, err)
	}
	defer rows.Close()

	var records []models.OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// MarkAsSent records a confirmed broker acknowledgment. The status guard
// makes the pending -> sent transition explicit: a record that has already
// moved to failed is never overwritten.
func (r *OutboxRepository) MarkAsSent(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_events SET status = $1 WHERE id = $2 AND status = $3`
	_, err := r.db.Exec(ctx, query, models.OutboxSent, id, models.OutboxPending)
	if err != nil {
		return fmt.Errorf("failed to mark event %s as sent: %w", id, err)
	}
	return nil
}

// MarkAsFailed stamps the failure reason and bumps the attempt counter.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET status = $1,
		    attempt_count = attempt_count + 1,
		    error_message = $2
		WHERE id = $3`
	_, err := r.db.Exec(ctx, query, models.OutboxFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s as failed: %w", id, err)
	}
	return nil
}

// CountPending samples the outbox backlog for the lag gauge.
func (r *OutboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_events WHERE status = $1`, models.OutboxPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

func scanOutboxRecord(rows pgx.Rows) (models.OutboxRecord, error) {
	var (
		rec         models.OutboxRecord
		subjectJSON []byte
		payloadJSON []byte
	)

	err := rows.Scan(
		&rec.ID,
		&rec.OccurredAt,
		&rec.Topic,
		&rec.EventType,
		&rec.EventVersion,
		&rec.CorrelationID,
		&subjectJSON,
		&payloadJSON,
		&rec.Status,
		&rec.AttemptCount,
		&rec.ErrorMessage,
	)
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("failed to scan outbox row: %w", err)
	}

	if err := json.Unmarshal(subjectJSON, &rec.Subject); err != nil {
		return models.OutboxRecord{}, fmt.Errorf("failed to decode subject for event %s: %w", rec.ID, err)
	}
	rec.Payload = payloadJSON

	return rec, nil
}
