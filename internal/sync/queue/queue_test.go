package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/candlefish/paintbox-sync/internal/clock"
	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	queue *SyncQueue
	store *db.Store
	clock *clock.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	store := db.NewStore(database.DB)
	c := clock.NewFake(start)
	q := NewSyncQueue(store, cfg, WithClock(c), WithRandom(func() float64 { return 0.5 }))
	return &fixture{queue: q, store: store, clock: c}
}

func estimate(id string, total float64) Mutation {
	return Mutation{
		Action: models.ActionUpdate,
		Payload: models.EstimatePayload{
			EstimateID: id,
			Diff:       map[string]interface{}{"total": total},
		},
	}
}

func photo(id string) Mutation {
	return Mutation{
		Action: models.ActionCreate,
		Payload: models.PhotoPayload{
			PhotoID:     id,
			EstimateID:  "est-1",
			FileName:    id + ".jpg",
			ContentType: "image/jpeg",
			Data:        []byte{1, 2, 3},
		},
	}
}

func claimOne(t *testing.T, q *SyncQueue) *models.QueueItem {
	t.Helper()
	items, err := q.ClaimNext(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		r        float64
		want     time.Duration
	}{
		{0, 0.5, time.Second},
		{1, 0.5, 2 * time.Second},
		{3, 0.5, 8 * time.Second},
		{3, 0, 6400 * time.Millisecond},
		{20, 0.5, 5 * time.Minute},
		{200, 0.5, 5 * time.Minute},
		{1, 0.999, 2398 * time.Millisecond},
	}
	for _, tt := range tests {
		got := calculateBackoff(time.Second, 5*time.Minute, tt.attempts, tt.r)
		assert.InDelta(t, float64(tt.want), float64(got), float64(5*time.Millisecond), "attempts=%d r=%v", tt.attempts, tt.r)
	}
}

func TestBackoffStaysWithinJitterBounds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.queue.random = func() float64 { return 0 }
	assert.Equal(t, 3200*time.Millisecond, f.queue.Backoff(2))

	f.queue.random = func() float64 { return 0.99999 }
	got := f.queue.Backoff(2)
	assert.Less(t, got, 4800*time.Millisecond)
	assert.Greater(t, got, 4790*time.Millisecond)
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, photo("ph-1"))
	require.NoError(t, err)

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ItemTypePhoto, item.Type)
	assert.Equal(t, "photo:ph-1", item.EntityKey)
	assert.Equal(t, DefaultPriorities[models.ItemTypePhoto], item.Priority)
	assert.Equal(t, DefaultMaxAttempts, item.MaxAttempts)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.True(t, start.Equal(item.NextRetry))

	decoded, err := models.DecodePayload(item.Payload)
	require.NoError(t, err)
	assert.Equal(t, "ph-1", decoded.EntityID())
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.queue.Enqueue(context.Background(), Mutation{
		Action:  models.ActionUpdate,
		Payload: models.EstimatePayload{EstimateID: "e"},
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestSupersede verifies that two edits to one entity leave exactly one
// pending item with the later payload, the earlier creation time and the
// lower priority.
func TestSupersede(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	urgent := 1
	first := estimate("est-1", 100)
	first.Priority = &urgent
	firstID, err := f.queue.Enqueue(ctx, first)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	secondID, err := f.queue.Enqueue(ctx, estimate("est-1", 250))
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	items, err := f.queue.List(ctx, db.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	item := items[0]
	assert.Equal(t, secondID, item.ID)
	assert.True(t, start.Equal(item.CreatedAt), "earliest creation time is kept")
	assert.Equal(t, 1, item.Priority)

	payload, err := models.DecodePayload(item.Payload)
	require.NoError(t, err)
	assert.Equal(t, 250.0, payload.(*models.EstimatePayload).Diff["total"])

	_, err = f.queue.Get(ctx, firstID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSupersedeKeepsCreateAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	create := estimate("est-9", 1)
	create.Action = models.ActionCreate
	_, err := f.queue.Enqueue(ctx, create)
	require.NoError(t, err)

	id, err := f.queue.Enqueue(ctx, estimate("est-9", 2))
	require.NoError(t, err)

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreate, item.Action)
}

// TestClaimOrder verifies priority first, FIFO within a priority.
func TestClaimOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	low := 5
	high := 1
	a := estimate("a", 1)
	a.Priority = &low
	b := estimate("b", 1)
	b.Priority = &high
	c := estimate("c", 1)
	c.Priority = &high

	idA, err := f.queue.Enqueue(ctx, a)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	idB, err := f.queue.Enqueue(ctx, b)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	idC, err := f.queue.Enqueue(ctx, c)
	require.NoError(t, err)

	items, err := f.queue.ClaimNext(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{idB, idC, idA}, []string{items[0].ID, items[1].ID, items[2].ID})
}

func TestFailTransientSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)
	claimOne(t, f.queue)

	item, err := f.queue.Fail(ctx, id, apperrors.Transient("503 from backend", nil))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, string(apperrors.KindTransient), item.LastErrorKind)
	assert.True(t, start.Add(2*time.Second).Equal(item.NextRetry))

	items, err := f.queue.ClaimNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, items, "not due yet")

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, id, claimOne(t, f.queue).ID)
}

// TestRetryingItemKeepsEntityOrder verifies a newer edit enqueued while an
// older one is in flight waits behind the older one after it fails.
func TestRetryingItemKeepsEntityOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	idA, err := f.queue.Enqueue(ctx, estimate("est-1", 100))
	require.NoError(t, err)
	require.Equal(t, idA, claimOne(t, f.queue).ID)

	f.clock.Advance(time.Second)
	idB, err := f.queue.Enqueue(ctx, estimate("est-1", 200))
	require.NoError(t, err)
	require.NotEqual(t, idA, idB, "in-flight items are never superseded")

	item, err := f.queue.Fail(ctx, idA, apperrors.Transient("503 from backend", nil))
	require.NoError(t, err)
	require.True(t, item.NextRetry.After(f.clock.Now()))

	items, err := f.queue.ClaimNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items, "newer edit must wait for the older one")

	next, ok, err := f.queue.NextRetryAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, item.NextRetry.Equal(next), "wake-up follows the head of the key")

	var order []string
	for i := 0; i < 10 && len(order) < 2; i++ {
		f.clock.Advance(time.Second)
		items, err := f.queue.ClaimNext(ctx, 10)
		require.NoError(t, err)
		for _, it := range items {
			order = append(order, it.ID)
			require.NoError(t, f.queue.Complete(ctx, it.ID, ""))
		}
	}
	assert.Equal(t, []string{idA, idB}, order)
}

// TestFailExhaustsAttempts verifies attempts never exceed the maximum and
// exhaustion produces a failed item that is never claimed.
func TestFailExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)

	claimOne(t, f.queue)
	item, err := f.queue.Fail(ctx, id, context.DeadlineExceeded)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)

	f.clock.Advance(time.Hour)
	claimOne(t, f.queue)
	item, err = f.queue.Fail(ctx, id, context.DeadlineExceeded)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, item.Status)
	assert.Equal(t, 2, item.Attempts)

	f.clock.Advance(time.Hour)
	items, err := f.queue.ClaimNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
}

func TestFailFatalSkipsRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)
	claimOne(t, f.queue)

	item, err := f.queue.Fail(ctx, id, apperrors.Fatal("400 invalid estimate", nil))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, string(apperrors.KindFatal), item.LastErrorKind)
}

func TestFailConflictUsesConflictBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)

	claimOne(t, f.queue)
	item, err := f.queue.Fail(ctx, id, &apperrors.ConflictError{EntityID: "estimate:est-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 1, item.ConflictAttempts)
	assert.Equal(t, 0, item.Attempts)

	f.clock.Advance(time.Hour)
	claimOne(t, f.queue)
	item, err = f.queue.Fail(ctx, id, &apperrors.ConflictError{EntityID: "estimate:est-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, item.Status)
}

func TestFailRequiresInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)

	_, err = f.queue.Fail(ctx, id, context.DeadlineExceeded)
	assert.ErrorIs(t, err, db.ErrStatusChanged)

	_, err = f.queue.Fail(ctx, "missing", context.DeadlineExceeded)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestCompleteAndRemoveAreIdempotent verifies repeated calls are no-ops.
func TestCompleteAndRemoveAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)
	claimOne(t, f.queue)

	require.NoError(t, f.queue.Complete(ctx, id, "remote-1"))
	require.NoError(t, f.queue.Complete(ctx, id, "remote-1"))
	require.NoError(t, f.queue.Remove(ctx, id))
	require.NoError(t, f.queue.Remove(ctx, "never-existed"))

	audit, err := f.store.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, models.OutcomeCompleted, audit[0].Outcome)
	assert.Equal(t, 1, audit[0].Attempts)
	assert.Equal(t, "remote-1", audit[0].RemoteID)
}

func TestRetryRevivesFailedItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)
	claimOne(t, f.queue)
	assert.ErrorIs(t, f.queue.Retry(ctx, id), ErrItemInFlight)

	_, err = f.queue.Fail(ctx, id, apperrors.Fatal("rejected", nil))
	require.NoError(t, err)

	require.NoError(t, f.queue.Retry(ctx, id))
	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.Empty(t, item.LastError)
	assert.True(t, start.Equal(item.NextRetry))
}

func TestRetryAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	for _, id := range []string{"a", "b"} {
		itemID, err := f.queue.Enqueue(ctx, estimate(id, 1))
		require.NoError(t, err)
		claimOne(t, f.queue)
		_, err = f.queue.Fail(ctx, itemID, apperrors.Fatal("rejected", nil))
		require.NoError(t, err)
	}

	n, err := f.queue.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := f.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
}

func TestReleaseAndReschedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, err := f.queue.Enqueue(ctx, estimate("est-1", 1))
	require.NoError(t, err)
	claimOne(t, f.queue)

	n, err := f.queue.Release(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	claimOne(t, f.queue)
	later := start.Add(time.Minute)
	require.NoError(t, f.queue.Reschedule(ctx, id, later))

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Zero(t, item.Attempts)

	next, ok, err := f.queue.NextRetryAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, later.Equal(next))
}
