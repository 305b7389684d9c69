package sync

import (
	"context"

	"github.com/candlefish/paintbox-sync/internal/db"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
)

// Enqueue adds a mutation to the queue and wakes the loop.
func (e *SyncEngine) Enqueue(ctx context.Context, m queue.Mutation) (string, error) {
	id, err := e.queue.Enqueue(ctx, m)
	if err != nil {
		return "", err
	}
	e.refreshCounts(ctx)
	e.kick()
	return id, nil
}

// TriggerSync starts a drain now. Items waiting on backoff keep their schedule.
func (e *SyncEngine) TriggerSync() error {
	e.mu.Lock()
	active, online := e.running && !e.stopping, e.online
	e.mu.Unlock()
	if !active {
		return ErrNotRunning
	}
	if !online {
		return ErrOffline
	}
	e.logger.Info("manual sync triggered")
	e.kick()
	return nil
}

// RetryItem resets a failed or waiting item so it is dispatched immediately.
func (e *SyncEngine) RetryItem(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return err
	}
	e.refreshCounts(ctx)
	e.kick()
	return nil
}

// RemoveItem deletes an item. An in-flight dispatch of it is cancelled.
func (e *SyncEngine) RemoveItem(ctx context.Context, id string) error {
	if err := e.queue.Remove(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	cancel := e.inflight[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel(errReleased)
	}
	e.refreshCounts(ctx)
	return nil
}

// ClearErrors empties the user-facing error list.
func (e *SyncEngine) ClearErrors() {
	e.mu.Lock()
	e.errors.clear()
	e.mu.Unlock()
}

// Items lists queue items.
func (e *SyncEngine) Items(ctx context.Context, filter db.Filter) ([]*models.QueueItem, error) {
	return e.queue.List(ctx, filter)
}

// Conflicts returns the most recent conflict records, newest first.
func (e *SyncEngine) Conflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error) {
	return e.store.ListConflicts(ctx, limit)
}
