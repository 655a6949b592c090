package db

import (
	"context"
	"fmt"
	"time"
)

// ClaimCase is the denormalized read-model row maintained by the example
// consumer. last_event_id tracks provenance for debugging.
type ClaimCase struct {
	ClaimID     string
	ClaimNumber string
	PolicyID    string
	Status      string
	LastEventID string
}

// ReadModelRepository maintains the rm_claim_cases projection.
type ReadModelRepository struct {
	db Querier
}

func NewReadModelRepository(db Querier) *ReadModelRepository {
	return &ReadModelRepository{db: db}
}

func (r *ReadModelRepository) UpsertClaimCase(ctx context.Context, c ClaimCase) error {
	query := `
		INSERT INTO rm_claim_cases (claim_id, claim_number, policy_id, status, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (claim_id) DO UPDATE SET
			claim_number  = EXCLUDED.claim_number,
			policy_id     = EXCLUDED.policy_id,
			status        = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at    = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query, c.ClaimID, c.ClaimNumber, c.PolicyID, c.Status, c.LastEventID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert claim case %s: %w", c.ClaimID, err)
	}
	return nil
}
