package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/claimscore/claims-event-relay/internal/db"
	"github.com/claimscore/claims-event-relay/internal/models"
)

// ClaimCases is the read-model persistence contract.
type ClaimCases interface {
	UpsertClaimCase(ctx context.Context, c db.ClaimCase) error
}

// ReadModelProjector folds claim lifecycle events into the rm_claim_cases
// projection. Unknown event types are logged and ignored.
type ReadModelProjector struct {
	repo   ClaimCases
	logger *slog.Logger
}

func NewReadModelProjector(repo ClaimCases, logger *slog.Logger) *ReadModelProjector {
	return &ReadModelProjector{repo: repo, logger: logger}
}

type claimPayload struct {
	ClaimID     string `json:"claimId"`
	ClaimNumber string `json:"claimNumber"`
	PolicyID    string `json:"policyId"`
	Status      string `json:"status"`
}

func (p *ReadModelProjector) Apply(ctx context.Context, env models.Envelope) error {
	switch env.EventType {
	case "ClaimRegistered", "ClaimAssessed", "ClaimApproved", "ClaimRejected", "ClaimPaid", "ClaimClosed":
		return p.upsert(ctx, env)
	default:
		p.logger.Warn("Unknown event type, ignored", "event_type", env.EventType, "event_id", env.EventID)
		return nil
	}
}

func (p *ReadModelProjector) upsert(ctx context.Context, env models.Envelope) error {
	var payload claimPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode claim payload: %w", err)
	}

	claimID := env.Subject["claimId"]
	if claimID == "" {
		claimID = payload.ClaimID
	}
	if claimID == "" {
		p.logger.Warn("Skipping event without claim id", "event_id", env.EventID)
		return nil
	}

	status := payload.Status
	if status == "" {
		status = "registered"
	}

	return p.repo.UpsertClaimCase(ctx, db.ClaimCase{
		ClaimID:     claimID,
		ClaimNumber: payload.ClaimNumber,
		PolicyID:    payload.PolicyID,
		Status:      status,
		LastEventID: env.EventID,
	})
}
