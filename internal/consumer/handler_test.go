package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/db"
	"github.com/claimscore/claims-event-relay/internal/dlq"
	"github.com/claimscore/claims-event-relay/internal/models"
)

type fakeLedger struct {
	seen  map[string]bool
	err   error
	calls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[string]bool)}
}

func (f *fakeLedger) EnsureIdempotent(ctx context.Context, eventID, consumerName, topic string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.calls++
	key := eventID + "/" + consumerName
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeDeadLetters struct {
	captured   []dlq.FailedMessage
	resolved   []uuid.UUID
	captureErr error
}

func (f *fakeDeadLetters) Capture(ctx context.Context, msg dlq.FailedMessage, cause error) (uuid.UUID, error) {
	if f.captureErr != nil {
		return uuid.Nil, f.captureErr
	}
	f.captured = append(f.captured, msg)
	return uuid.New(), nil
}

func (f *fakeDeadLetters) Resolve(ctx context.Context, dlqID uuid.UUID, resolution models.Resolution) error {
	f.resolved = append(f.resolved, dlqID)
	return nil
}

func envelopeBody(t *testing.T, eventID string) []byte {
	t.Helper()
	body, err := json.Marshal(models.Envelope{
		EventID:       eventID,
		EventType:     "ClaimRegistered",
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      "outbox-relay",
		CorrelationID: "c1",
		Subject:       map[string]string{"claimId": "X"},
		Payload:       json.RawMessage(`{"claimId":"X","status":"registered"}`),
	})
	require.NoError(t, err)
	return body
}

func testDelivery(t *testing.T, eventID string) broker.Delivery {
	return broker.Delivery{
		Topic: "insurance.claim.registered",
		Key:   "X",
		Body:  envelopeBody(t, eventID),
	}
}

func newHandler(ledger Ledger, dl DeadLetters, apply ApplyFunc) *IdempotentHandler {
	return NewIdempotentHandler(ledger, dl, apply, "claims-readmodel-v1", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandle_AppliesOnce(t *testing.T) {
	ledger := newFakeLedger()
	dl := &fakeDeadLetters{}
	applied := 0
	handler := newHandler(ledger, dl, func(ctx context.Context, env models.Envelope) error {
		applied++
		return nil
	})

	d := testDelivery(t, "ev-1")
	require.NoError(t, handler.Handle(context.Background(), d))
	require.NoError(t, handler.Handle(context.Background(), d))

	// The business effect is applied exactly once across redeliveries.
	assert.Equal(t, 1, applied)
	assert.Equal(t, 2, ledger.calls)
	assert.Empty(t, dl.captured)
}

func TestHandle_MalformedBodyDropped(t *testing.T) {
	ledger := newFakeLedger()
	handler := newHandler(ledger, &fakeDeadLetters{}, func(ctx context.Context, env models.Envelope) error {
		t.Fatal("apply must not be called for malformed bodies")
		return nil
	})

	err := handler.Handle(context.Background(), broker.Delivery{
		Topic: "insurance.claim.registered",
		Body:  []byte("{broken"),
	})
	require.NoError(t, err)
	assert.Zero(t, ledger.calls)
}

func TestHandle_ApplyFailureGoesToDLQ(t *testing.T) {
	ledger := newFakeLedger()
	dl := &fakeDeadLetters{}
	handler := newHandler(ledger, dl, func(ctx context.Context, env models.Envelope) error {
		return errors.New("projection broke")
	})

	// Nil return: the message is acked and the DLQ owns the retry cycle.
	require.NoError(t, handler.Handle(context.Background(), testDelivery(t, "ev-2")))

	require.Len(t, dl.captured, 1)
	captured := dl.captured[0]
	assert.Equal(t, "ev-2", captured.OriginalEventID)
	assert.Equal(t, "insurance.claim.registered", captured.Topic)
	require.NotNil(t, captured.Key)
	assert.Equal(t, "X", *captured.Key)
	assert.Equal(t, "claims-readmodel-v1", captured.ConsumerGroup)
}

func TestHandle_CaptureFailureRequeues(t *testing.T) {
	handler := newHandler(newFakeLedger(), &fakeDeadLetters{captureErr: errors.New("db down")}, func(ctx context.Context, env models.Envelope) error {
		return errors.New("projection broke")
	})

	err := handler.Handle(context.Background(), testDelivery(t, "ev-3"))
	require.Error(t, err)
}

func TestHandle_LedgerErrorRequeues(t *testing.T) {
	ledger := newFakeLedger()
	ledger.err = errors.New("db down")
	handler := newHandler(ledger, &fakeDeadLetters{}, func(ctx context.Context, env models.Envelope) error {
		t.Fatal("apply must not run when the ledger is unavailable")
		return nil
	})

	err := handler.Handle(context.Background(), testDelivery(t, "ev-4"))
	require.Error(t, err)
}

func TestHandle_ReplayBypassesLedgerAndAutoResolves(t *testing.T) {
	ledger := newFakeLedger()
	dl := &fakeDeadLetters{}
	applied := 0
	handler := newHandler(ledger, dl, func(ctx context.Context, env models.Envelope) error {
		applied++
		return nil
	})

	dlqID := uuid.New()
	d := testDelivery(t, "ev-5")
	d.Headers = map[string]string{
		models.HeaderDLQRetry: "1",
		models.HeaderDLQID:    dlqID.String(),
	}

	require.NoError(t, handler.Handle(context.Background(), d))

	assert.Equal(t, 1, applied)
	assert.Zero(t, ledger.calls, "replays are governed by the DLQ retry budget, not the dedup gate")
	assert.Equal(t, []uuid.UUID{dlqID}, dl.resolved)
}

func TestHandle_FailingReplayIsNotRecaptured(t *testing.T) {
	ledger := newFakeLedger()
	dl := &fakeDeadLetters{}
	handler := newHandler(ledger, dl, func(ctx context.Context, env models.Envelope) error {
		return errors.New("still poisoned")
	})

	dlqID := uuid.New()
	d := testDelivery(t, "ev-9")
	d.Headers = map[string]string{
		models.HeaderDLQRetry: "1",
		models.HeaderDLQID:    dlqID.String(),
	}

	// Replay each attempt the originating entry's budget allows. A failing
	// replay must ack without minting a new entry, otherwise one poisoned
	// message multiplies entries on every cycle and never reaches failed.
	for i := 0; i < 3; i++ {
		require.NoError(t, handler.Handle(context.Background(), d))
	}

	assert.Empty(t, dl.captured)
	assert.Empty(t, dl.resolved)
}

func TestProjector_UpsertsClaimCase(t *testing.T) {
	repo := &fakeClaimCases{}
	projector := NewReadModelProjector(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	env := models.Envelope{
		EventID:   "ev-6",
		EventType: "ClaimApproved",
		Subject:   map[string]string{"claimId": "CLM-9"},
		Payload:   json.RawMessage(`{"claimNumber":"2026-0009","policyId":"POL-1","status":"approved"}`),
	}

	require.NoError(t, projector.Apply(context.Background(), env))
	require.Len(t, repo.upserts, 1)
	assert.Equal(t, "CLM-9", repo.upserts[0].ClaimID)
	assert.Equal(t, "approved", repo.upserts[0].Status)
	assert.Equal(t, "ev-6", repo.upserts[0].LastEventID)
}

func TestProjector_UnknownEventIgnored(t *testing.T) {
	repo := &fakeClaimCases{}
	projector := NewReadModelProjector(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	env := models.Envelope{EventID: "ev-7", EventType: "SomethingElse", Payload: json.RawMessage(`{}`)}
	require.NoError(t, projector.Apply(context.Background(), env))
	assert.Empty(t, repo.upserts)
}

func TestProjector_MissingClaimIDSkipped(t *testing.T) {
	repo := &fakeClaimCases{}
	projector := NewReadModelProjector(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	env := models.Envelope{EventID: "ev-8", EventType: "ClaimRegistered", Payload: json.RawMessage(`{}`)}
	require.NoError(t, projector.Apply(context.Background(), env))
	assert.Empty(t, repo.upserts)
}

type fakeClaimCases struct {
	upserts []db.ClaimCase
	err     error
}

func (f *fakeClaimCases) UpsertClaimCase(ctx context.Context, c db.ClaimCase) error {
	if f.err != nil {
		return fmt.Errorf("upsert failed: %w", f.err)
	}
	f.upserts = append(f.upserts, c)
	return nil
}
