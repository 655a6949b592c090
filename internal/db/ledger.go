package db

import (
	"context"
	"fmt"
)

// LedgerRepository backs the idempotent-consumer ledger. A row per
// (event_id, consumer_name) means "already applied, skip".
type LedgerRepository struct {
	db Querier
}

func NewLedgerRepository(db Querier) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureIdempotent atomically checks and claims an event for a consumer.
// It returns true exactly once per (event, consumer) pair: the insert races
// on the composite primary key, so concurrent deliveries of the same message
// to parallel consumer instances cannot both proceed.
func (r *LedgerRepository) EnsureIdempotent(ctx context.Context, eventID, consumerName, topic string) (bool, error) {
	query := `
		INSERT INTO consumed_events (event_id, consumer_name, topic)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, consumer_name) DO NOTHING`

	tag, err := r.db.Exec(ctx, query, eventID, consumerName, topic)
	if err != nil {
		return false, fmt.Errorf("idempotency check failed for event %s: %w", eventID, err)
	}

	return tag.RowsAffected() == 1, nil
}
