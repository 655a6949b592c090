package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimscore/claims-event-relay/internal/broker"
	"github.com/claimscore/claims-event-relay/internal/db"
	"github.com/claimscore/claims-event-relay/internal/models"
)

type fakeRepo struct {
	records map[uuid.UUID]*models.DeadLetterRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[uuid.UUID]*models.DeadLetterRecord)}
}

func (f *fakeRepo) Insert(ctx context.Context, rec *models.DeadLetterRecord) error {
	clone := *rec
	f.records[rec.DLQID] = &clone
	return nil
}

func (f *fakeRepo) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterRecord, error) {
	stale := now.Add(-db.RetryingStaleAfter)
	var due []models.DeadLetterRecord
	for _, rec := range f.records {
		if rec.RetryCount >= rec.MaxRetries {
			continue
		}
		ready := rec.Status == models.DLQPending && rec.NextRetryAt != nil && !rec.NextRetryAt.After(now)
		orphaned := rec.Status == models.DLQRetrying && !rec.LastErrorAt.After(stale)
		if ready || orphaned {
			due = append(due, *rec)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeRepo) SetStatus(ctx context.Context, id uuid.UUID, status models.DLQStatus) error {
	f.records[id].Status = status
	return nil
}

func (f *fakeRepo) RecordAttempt(ctx context.Context, id uuid.UUID, retryCount int, status models.DLQStatus, nextRetryAt time.Time, lastErrorAt *time.Time) error {
	rec := f.records[id]
	rec.RetryCount = retryCount
	rec.Status = status
	rec.NextRetryAt = &nextRetryAt
	if lastErrorAt != nil {
		rec.LastErrorAt = *lastErrorAt
	}
	return nil
}

func (f *fakeRepo) Resolve(ctx context.Context, id uuid.UUID, resolvedAt time.Time) error {
	rec, ok := f.records[id]
	if !ok {
		return errors.New("dlq entry not found")
	}
	rec.Status = models.DLQResolved
	rec.ResolvedAt = &resolvedAt
	return nil
}

func (f *fakeRepo) Stats(ctx context.Context) (models.DLQStats, error) {
	var stats models.DLQStats
	for _, rec := range f.records {
		switch rec.Status {
		case models.DLQPending:
			stats.Pending++
		case models.DLQRetrying:
			stats.Retrying++
		case models.DLQFailed:
			stats.Failed++
		case models.DLQResolved:
			stats.Resolved++
		}
		stats.Total++
	}
	return stats, nil
}

type fakePublisher struct {
	published []broker.Message
	topics    []string
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, msg broker.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.published = append(f.published, msg)
	return nil
}

// fakeClock advances only when told to, so tests never sleep on real timers.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(repo Repository, pub Publisher) (*Service, *fakeClock) {
	svc := NewService(repo, pub, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := &fakeClock{t: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc, clock
}

func testFailedMessage() FailedMessage {
	key := "claim-X"
	return FailedMessage{
		OriginalEventID: "ev-1",
		Topic:           "insurance.claim.registered",
		Key:             &key,
		Value:           json.RawMessage(`{"eventId":"ev-1"}`),
		Headers:         map[string]string{models.HeaderEventType: "ClaimRegistered"},
		ConsumerGroup:   "claims-readmodel-v1",
	}
}

func TestCapture_CreatesPendingRecord(t *testing.T) {
	repo := newFakeRepo()
	svc, clock := newTestService(repo, &fakePublisher{})

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("handler exploded"))
	require.NoError(t, err)

	rec := repo.records[id]
	require.NotNil(t, rec)
	assert.Equal(t, models.DLQPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 3, rec.MaxRetries)
	assert.Equal(t, "handler exploded", rec.ErrorMessage)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, clock.Now().Add(1*time.Second), *rec.NextRetryAt)
}

func TestProcessRetries_BoundedRetryThenFailed(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{err: errors.New("still broken")}
	svc, clock := newTestService(repo, pub)

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)

	// First two attempts fail and return to pending.
	for i := 1; i <= 2; i++ {
		clock.Advance(time.Minute)
		require.NoError(t, svc.ProcessRetries(context.Background()))

		rec := repo.records[id]
		assert.Equal(t, i, rec.RetryCount)
		assert.Equal(t, models.DLQPending, rec.Status)
	}

	// Third attempt exhausts the budget.
	clock.Advance(time.Minute)
	require.NoError(t, svc.ProcessRetries(context.Background()))

	rec := repo.records[id]
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, models.DLQFailed, rec.Status)

	// Failed records are no longer picked up.
	clock.Advance(time.Hour)
	require.NoError(t, svc.ProcessRetries(context.Background()))
	assert.Equal(t, 3, repo.records[id].RetryCount)
}

func TestProcessRetries_ReplayCarriesMarkersAndKey(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc, clock := newTestService(repo, pub)

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, svc.ProcessRetries(context.Background()))

	require.Len(t, pub.published, 1)
	msg := pub.published[0]
	assert.Equal(t, "insurance.claim.registered", pub.topics[0])
	assert.Equal(t, "claim-X", msg.Key)
	assert.Equal(t, "1", msg.Headers[models.HeaderDLQRetry])
	assert.Equal(t, id.String(), msg.Headers[models.HeaderDLQID])
	// Original headers survive the replay.
	assert.Equal(t, "ClaimRegistered", msg.Headers[models.HeaderEventType])

	rec := repo.records[id]
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, models.DLQPending, rec.Status)
}

func TestProcessRetries_BackoffScheduleClamped(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc, clock := newTestService(repo, pub)
	svc.maxRetries = 5

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)
	repo.records[id].MaxRetries = 5

	expected := []time.Duration{5 * time.Second, 15 * time.Second, 15 * time.Second, 15 * time.Second}
	for i, want := range expected {
		clock.Advance(time.Minute)
		require.NoError(t, svc.ProcessRetries(context.Background()))

		rec := repo.records[id]
		require.Equal(t, i+1, rec.RetryCount)
		assert.Equal(t, clock.Now().Add(want), *rec.NextRetryAt, "retry %d", i+1)
	}
}

func TestProcessRetries_RepublishErrorStampsLastErrorAt(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{err: errors.New("nack")}
	svc, clock := newTestService(repo, pub)

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)
	captureTime := clock.Now()

	clock.Advance(time.Minute)
	require.NoError(t, svc.ProcessRetries(context.Background()))

	rec := repo.records[id]
	assert.Equal(t, models.DLQPending, rec.Status)
	assert.True(t, rec.LastErrorAt.After(captureTime))
}

func TestProcessRetries_OrphanedRetryingRecovered(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc, clock := newTestService(repo, pub)

	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)

	// A crash between claiming the record and recording the attempt leaves
	// it in retrying with no future pickup scheduled.
	repo.records[id].Status = models.DLQRetrying

	clock.Advance(time.Minute)
	require.NoError(t, svc.ProcessRetries(context.Background()))
	assert.Equal(t, 0, repo.records[id].RetryCount, "fresh retrying records are left to their owner")

	clock.Advance(db.RetryingStaleAfter)
	require.NoError(t, svc.ProcessRetries(context.Background()))

	rec := repo.records[id]
	assert.Equal(t, 1, rec.RetryCount)
	assert.Equal(t, models.DLQPending, rec.Status)
	require.Len(t, pub.published, 1)
}

func TestResolve_OverridesAnyState(t *testing.T) {
	for _, status := range []models.DLQStatus{models.DLQPending, models.DLQRetrying, models.DLQFailed} {
		t.Run(string(status), func(t *testing.T) {
			repo := newFakeRepo()
			svc, _ := newTestService(repo, &fakePublisher{})

			id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
			require.NoError(t, err)
			repo.records[id].Status = status

			require.NoError(t, svc.Resolve(context.Background(), id, models.ResolutionManual))

			rec := repo.records[id]
			assert.Equal(t, models.DLQResolved, rec.Status)
			require.NotNil(t, rec.ResolvedAt)
		})
	}
}

func TestResolve_UnknownEntry(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakePublisher{})

	err := svc.Resolve(context.Background(), uuid.New(), models.ResolutionManual)
	require.Error(t, err)
}

func TestStats_CountsByStatus(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakePublisher{})

	for i := 0; i < 2; i++ {
		_, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
		require.NoError(t, err)
	}
	id, err := svc.Capture(context.Background(), testFailedMessage(), errors.New("boom"))
	require.NoError(t, err)
	repo.records[id].Status = models.DLQFailed

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
}

func TestCapture_NonJSONValueIsEscaped(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, &fakePublisher{})

	msg := testFailedMessage()
	msg.Value = []byte("not json at all")

	id, err := svc.Capture(context.Background(), msg, errors.New("boom"))
	require.NoError(t, err)
	assert.True(t, json.Valid(repo.records[id].Value))
}
