package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(openTestDB(t).DB)
}

func newItem(entityKey string, priority int, createdAt time.Time) *models.QueueItem {
	return &models.QueueItem{
		ID:          uuid.New(),
		Type:        models.ItemTypeEstimate,
		Action:      models.ActionUpdate,
		EntityKey:   entityKey,
		Payload:     []byte(`{"type":"estimate","data":{}}`),
		Priority:    priority,
		MaxAttempts: 5,
		NextRetry:   createdAt,
		EditedAt:    createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		Status:      models.StatusPending,
	}
}

func ids(items []*models.QueueItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	item := newItem("estimate:1", 2, base)
	item.LastError = "boom"
	require.NoError(t, s.Put(ctx, item))

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.EntityKey, got.EntityKey)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, "boom", got.LastError)
	assert.JSONEq(t, string(item.Payload), string(got.Payload))
	assert.True(t, base.Equal(got.CreatedAt))

	item.Priority = 0
	require.NoError(t, s.Put(ctx, item), "put must replace by id")
	got, err = s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Priority)

	_, err = s.Get(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestStoreRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newItem("estimate:1", 0, base)
	require.NoError(t, s.Put(ctx, item))

	require.NoError(t, s.Remove(ctx, item.ID))
	require.NoError(t, s.Remove(ctx, item.ID))

	counts, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	item := newItem("estimate:1", 0, base)
	require.NoError(t, s.Put(ctx, item))

	attempts := 2
	msg := "timeout"
	next := base.Add(time.Minute)
	require.NoError(t, s.UpdateStatus(ctx, item.ID, models.StatusPending, Fields{
		From:      models.StatusPending,
		Attempts:  &attempts,
		LastError: &msg,
		NextRetry: &next,
	}))

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "timeout", got.LastError)
	assert.True(t, next.Equal(got.NextRetry))

	err = s.UpdateStatus(ctx, item.ID, models.StatusFailed, Fields{From: models.StatusInFlight})
	assert.True(t, errors.Is(err, ErrStatusChanged))

	err = s.UpdateStatus(ctx, "missing", models.StatusFailed, Fields{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestStoreGetReadyOrder verifies priority first, then FIFO, with future items excluded.
func TestStoreGetReadyOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	lowOld := newItem("estimate:a", 5, base)
	highNew := newItem("estimate:b", 1, base.Add(2*time.Second))
	highOld := newItem("estimate:c", 1, base.Add(time.Second))
	future := newItem("estimate:d", 0, base)
	future.NextRetry = base.Add(time.Hour)
	failed := newItem("estimate:e", 0, base)
	failed.Status = models.StatusFailed

	for _, item := range []*models.QueueItem{lowOld, highNew, highOld, future, failed} {
		require.NoError(t, s.Put(ctx, item))
	}

	ready, err := s.GetReady(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{highOld.ID, highNew.ID, lowOld.ID}, ids(ready))
}

func TestStoreClaimSkipsBusyEntityKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := newItem("photo:1", 0, base)
	sameKey := newItem("photo:1", 0, base.Add(time.Second))
	other := newItem("photo:2", 0, base.Add(2*time.Second))
	for _, item := range []*models.QueueItem{first, sameKey, other} {
		require.NoError(t, s.Put(ctx, item))
	}

	claimed, err := s.Claim(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, other.ID}, ids(claimed))
	for _, item := range claimed {
		assert.Equal(t, models.StatusInFlight, item.Status)
	}

	claimed, err = s.Claim(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, claimed, "photo:1 is still in flight")

	require.NoError(t, s.Remove(ctx, first.ID))
	claimed, err = s.Claim(ctx, 10, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{sameKey.ID}, ids(claimed))
}

// TestStoreClaimWaitsForOlderPendingEdit verifies a due item is held back
// while an older pending item for the same key is still backing off.
func TestStoreClaimWaitsForOlderPendingEdit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older := newItem("estimate:1", 0, base)
	older.Attempts = 1
	older.NextRetry = base.Add(time.Minute)
	newer := newItem("estimate:1", 0, base.Add(time.Second))
	other := newItem("estimate:2", 0, base.Add(2*time.Second))
	for _, item := range []*models.QueueItem{older, newer, other} {
		require.NoError(t, s.Put(ctx, item))
	}

	now := base.Add(10 * time.Second)
	claimed, err := s.Claim(ctx, 10, now)
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, ids(claimed))

	next, ok, err := s.NextRetry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, older.NextRetry.Equal(next))

	claimed, err = s.Claim(ctx, 10, older.NextRetry)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, ids(claimed))

	require.NoError(t, s.Remove(ctx, older.ID))
	claimed, err = s.Claim(ctx, 10, older.NextRetry)
	require.NoError(t, err)
	assert.Equal(t, []string{newer.ID}, ids(claimed))
}

// TestStoreConcurrentClaimsNeverOverlap claims from many goroutines and
// checks that every item is handed out exactly once.
func TestStoreConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, s.Put(ctx, newItem(fmt.Sprintf("estimate:%d", i), i%3, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.Claim(ctx, 3, base.Add(time.Hour))
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, item := range claimed {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}

	counts, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, total, counts.InFlight)
}

func TestStoreReleaseInFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := newItem("estimate:a", 0, base)
	b := newItem("estimate:b", 0, base)
	a.Attempts = 2
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))

	_, err := s.Claim(ctx, 2, base)
	require.NoError(t, err)

	n, err := s.ReleaseInFlight(ctx, base, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 2, got.Attempts, "release must not touch attempts")

	n, err = s.ReleaseInFlight(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Pending: 2}, counts)
}

func TestStoreSupersede(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := newItem("estimate:1", 1, base)
	require.NoError(t, s.Put(ctx, old))

	next := newItem("estimate:1", 3, base.Add(time.Minute))
	replaced, err := s.Supersede(ctx, next, func(o, n *models.QueueItem) {
		n.CreatedAt = o.CreatedAt
	})
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, old.ID, replaced.ID)

	items, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, next.ID, items[0].ID)
	assert.True(t, base.Equal(items[0].CreatedAt))

	fresh := newItem("estimate:2", 0, base)
	replaced, err = s.Supersede(ctx, fresh, nil)
	require.NoError(t, err)
	assert.Nil(t, replaced)

	found, err := s.FindPendingByKey(ctx, "estimate:2")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, found.ID)

	_, err = s.FindPendingByKey(ctx, "estimate:404")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestStoreSupersedeIgnoresInFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := newItem("estimate:1", 0, base)
	require.NoError(t, s.Put(ctx, old))
	_, err := s.Claim(ctx, 1, base)
	require.NoError(t, err)

	next := newItem("estimate:1", 0, base.Add(time.Second))
	replaced, err := s.Supersede(ctx, next, nil)
	require.NoError(t, err)
	assert.Nil(t, replaced)

	counts, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Pending: 1, InFlight: 1}, counts)
}

func TestStoreFinishWritesBoundedAudit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var items []*models.QueueItem
	for i := 0; i < 4; i++ {
		item := newItem(fmt.Sprintf("estimate:%d", i), 0, base)
		item.Attempts = i
		require.NoError(t, s.Put(ctx, item))
		items = append(items, item)
	}

	for _, item := range items {
		removed, err := s.Finish(ctx, item.ID, 3, func(it *models.QueueItem) models.AuditEntry {
			return models.AuditEntry{
				ItemID:     it.ID,
				Type:       it.Type,
				EntityKey:  it.EntityKey,
				Action:     it.Action,
				Attempts:   it.Attempts + 1,
				Outcome:    models.OutcomeCompleted,
				RemoteID:   "remote-" + it.EntityKey,
				RecordedAt: base,
			}
		})
		require.NoError(t, err)
		assert.True(t, removed)
	}

	removed, err := s.Finish(ctx, items[0].ID, 3, nil)
	require.NoError(t, err)
	assert.False(t, removed, "finishing twice is a no-op")

	audit, err := s.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, items[3].ID, audit[0].ItemID, "newest first")
	assert.Equal(t, 4, audit[0].Attempts)
	assert.Equal(t, "remote-estimate:3", audit[0].RemoteID)
	assert.Equal(t, models.OutcomeCompleted, audit[0].Outcome)
}

func TestStoreCountAndNextRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.NextRetry(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	a := newItem("estimate:a", 0, base)
	a.NextRetry = base.Add(30 * time.Second)
	b := newItem("estimate:b", 0, base)
	b.NextRetry = base.Add(10 * time.Second)
	photo := newItem("photo:c", 0, base)
	photo.Type = models.ItemTypePhoto
	photo.Status = models.StatusFailed
	for _, item := range []*models.QueueItem{a, b, photo} {
		require.NoError(t, s.Put(ctx, item))
	}

	next, ok, err := s.NextRetry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, base.Add(10*time.Second).Equal(next))

	counts, err := s.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Pending: 2, Failed: 1}, counts)

	counts, err = s.Count(ctx, Filter{Type: models.ItemTypePhoto})
	require.NoError(t, err)
	assert.Equal(t, StatusCounts{Failed: 1}, counts)

	failed, err := s.List(ctx, Filter{Status: models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{photo.ID}, ids(failed))
}

func TestStoreEntityCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetEntity(ctx, "estimate:1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, s.PutEntity(ctx, models.EntityState{EntityKey: "estimate:1", Version: "v1", Data: []byte(`{"a":1}`), UpdatedAt: base}))
	require.NoError(t, s.PutEntity(ctx, models.EntityState{EntityKey: "estimate:1", Version: "v2", Data: []byte(`{"a":2}`), UpdatedAt: base}))

	got, err := s.GetEntity(ctx, "estimate:1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Version)
	assert.JSONEq(t, `{"a":2}`, string(got.Data))

	require.NoError(t, s.DeleteEntity(ctx, "estimate:1"))
	_, err = s.GetEntity(ctx, "estimate:1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestStoreConflictWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendConflict(ctx, &models.ConflictRecord{
			ItemID:          fmt.Sprintf("item-%d", i),
			EntityID:        "estimate:1",
			LocalTimestamp:  base,
			RemoteTimestamp: base.Add(time.Duration(i) * time.Second),
			Strategy:        "latest_timestamp_wins",
			Winner:          models.SideRemote,
			ResolvedAt:      base,
		}, 2))
	}

	records, err := s.ListConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "item-4", records[0].ItemID)
	assert.Equal(t, "item-3", records[1].ItemID)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, models.SideRemote, records[0].Winner)
}

func TestWithRetryRetriesStorageErrors(t *testing.T) {
	s := &Store{retries: 3, retryDelay: time.Millisecond}

	calls := 0
	err := s.withRetry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("disk I/O error")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = s.withRetry(context.Background(), "op", func() error {
		calls++
		return errors.New("database is locked")
	})
	assert.Equal(t, 4, calls)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.Equal(t, apperrors.KindStorage, apperrors.Classify(err))
}

func TestWithRetrySkipsPermanentErrors(t *testing.T) {
	s := &Store{retries: 3, retryDelay: time.Millisecond}

	tests := []struct {
		name string
		err  error
	}{
		{"app error", apperrors.NotFound("queue item", "x")},
		{"status changed", ErrStatusChanged},
		{"no rows", fmt.Errorf("scan: %w", sql.ErrNoRows)},
		{"cancelled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := s.withRetry(context.Background(), "op", func() error {
				calls++
				return tt.err
			})
			assert.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestWithRetrySkipsConstraintViolations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.retryDelay = time.Millisecond

	item := newItem("estimate:1", 0, base)
	require.NoError(t, s.Put(ctx, item))

	calls := 0
	err := s.withRetry(ctx, "insert duplicate", func() error {
		calls++
		return insertItem(ctx, s.db, item)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, apperrors.KindStorage, apperrors.Classify(err))
	assert.False(t, isBusy(err))
}
