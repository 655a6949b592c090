package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/claimscore/claims-event-relay/internal/models"
)

var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// RetryingStaleAfter bounds how long a record may sit in retrying before it
// is treated as orphaned by a crashed processor and offered for retry again.
const RetryingStaleAfter = 5 * time.Minute

const dlqColumns = `dlq_id, original_event_id, topic, partition, "offset", key,
	value, headers, error_message, error_stack, consumer_group, retry_count,
	max_retries, status, next_retry_at, last_error_at, resolved_at, created_at`

// DLQRepository persists dead-letter records. Records are never deleted;
// resolution is a status change.
type DLQRepository struct {
	db Querier
}

func NewDLQRepository(db Querier) *DLQRepository {
	return &DLQRepository{db: db}
}

func (r *DLQRepository) Insert(ctx context.Context, rec *models.DeadLetterRecord) error {
	headersJSON, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode dlq headers: %w", err)
	}

	query := `
		INSERT INTO dead_letter_queue
			(dlq_id, original_event_id, topic, partition, "offset", key, value,
			 headers, error_message, error_stack, consumer_group, retry_count,
			 max_retries, status, next_retry_at, last_error_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = r.db.Exec(ctx, query,
		rec.DLQID, rec.OriginalEventID, rec.Topic, rec.Partition, rec.Offset,
		rec.Key, []byte(rec.Value), headersJSON, rec.ErrorMessage, rec.ErrorStack,
		rec.ConsumerGroup, rec.RetryCount, rec.MaxRetries, rec.Status,
		rec.NextRetryAt, rec.LastErrorAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return nil
}

// FetchDue returns up to limit records eligible for a retry attempt: pending
// and past their next_retry_at, or stuck in retrying since before the stale
// window (a crash between claiming and recording the attempt), always with
// retry budget left.
func (r *DLQRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM dead_letter_queue
		WHERE retry_count < max_retries
		  AND ((status = $1 AND next_retry_at <= $2)
		    OR (status = $3 AND last_error_at <= $4))
		ORDER BY next_retry_at ASC
		LIMIT $5`, dlqColumns)

	rows, err := r.db.Query(ctx, query,
		models.DLQPending, now,
		models.DLQRetrying, now.Add(-RetryingStaleAfter),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch due dlq entries: %w", err)
	}
	defer rows.Close()

	var records []models.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDLQRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SetStatus moves a record between retry-cycle states.
func (r *DLQRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.DLQStatus) error {
	_, err := r.db.Exec(ctx, `UPDATE dead_letter_queue SET status = $1 WHERE dlq_id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set dlq entry %s status: %w", id, err)
	}
	return nil
}

// RecordAttempt persists the outcome of one replay attempt. lastErrorAt is
// only stamped when the attempt itself failed.
func (r *DLQRepository) RecordAttempt(ctx context.Context, id uuid.UUID, retryCount int, status models.DLQStatus, nextRetryAt time.Time, lastErrorAt *time.Time) error {
	query := `
		UPDATE dead_letter_queue
		SET retry_count = $1,
		    status = $2,
		    next_retry_at = $3,
		    last_error_at = COALESCE($4, last_error_at)
		WHERE dlq_id = $5`

	_, err := r.db.Exec(ctx, query, retryCount, status, nextRetryAt, lastErrorAt, id)
	if err != nil {
		return fmt.Errorf("failed to record dlq attempt for %s: %w", id, err)
	}
	return nil
}

// Resolve forces a record to resolved regardless of its current status.
func (r *DLQRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error {
	query := `
		UPDATE dead_letter_queue
		SET status = $1, resolved_at = $2
		WHERE dlq_id = $3`

	tag, err := r.db.Exec(ctx, query, models.DLQResolved, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("failed to resolve dlq entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDLQEntryNotFound, id)
	}
	return nil
}

// Stats aggregates record counts by status.
func (r *DLQRepository) Stats(ctx context.Context) (models.DLQStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM dead_letter_queue GROUP BY status`)
	if err != nil {
		return models.DLQStats{}, fmt.Errorf("failed to query dlq stats: %w", err)
	}
	defer rows.Close()

	var stats models.DLQStats
	for rows.Next() {
		var (
			status models.DLQStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return models.DLQStats{}, fmt.Errorf("failed to scan dlq stats row: %w", err)
		}

		switch status {
		case models.DLQPending:
			stats.Pending = count
		case models.DLQRetrying:
			stats.Retrying = count
		case models.DLQFailed:
			stats.Failed = count
		case models.DLQResolved:
			stats.Resolved = count
		}
		stats.Total += count
	}

	return stats, rows.Err()
}

func scanDLQRecord(rows pgx.Rows) (models.DeadLetterRecord, error) {
	var (
		rec         models.DeadLetterRecord
		valueJSON   []byte
		headersJSON []byte
	)

	err := rows.Scan(
		&rec.DLQID,
		&rec.OriginalEventID,
		&rec.Topic,
		&rec.Partition,
		&rec.Offset,
		&rec.Key,
		&valueJSON,
		&headersJSON,
		&rec.ErrorMessage,
		&rec.ErrorStack,
		&rec.ConsumerGroup,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.Status,
		&rec.NextRetryAt,
		&rec.LastErrorAt,
		&rec.ResolvedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return models.DeadLetterRecord{}, fmt.Errorf("failed to scan dlq row: %w", err)
	}

	rec.Value = valueJSON
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &rec.Headers); err != nil {
			return models.DeadLetterRecord{}, fmt.Errorf("failed to decode headers for dlq entry %s: %w", rec.DLQID, err)
		}
	}

	return rec, nil
}
