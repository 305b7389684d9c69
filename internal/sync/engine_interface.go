package sync

import (
	"context"
	"time"

	"github.com/candlefish/paintbox-sync/internal/db"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/netmon"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
)

// SyncEngineInterface is the surface exposed to the status API and the CLI.
type SyncEngineInterface interface {
	Snapshot(ctx context.Context) Snapshot
	Subscribe(fn func(Event)) func()

	Enqueue(ctx context.Context, m queue.Mutation) (string, error)
	TriggerSync() error
	RetryItem(ctx context.Context, id string) error
	RemoveItem(ctx context.Context, id string) error
	ClearErrors()

	Items(ctx context.Context, filter db.Filter) ([]*models.QueueItem, error)
	Conflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error)
}

// Queue is the durable work queue the engine drains.
type Queue interface {
	Enqueue(ctx context.Context, m queue.Mutation) (string, error)
	ClaimNext(ctx context.Context, limit int) ([]*models.QueueItem, error)
	Complete(ctx context.Context, id, remoteID string) error
	Discard(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) (*models.QueueItem, error)
	Reschedule(ctx context.Context, id string, at time.Time) error
	Retry(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Release(ctx context.Context, ids ...string) (int64, error)
	List(ctx context.Context, filter db.Filter) ([]*models.QueueItem, error)
	Counts(ctx context.Context) (db.StatusCounts, error)
	NextRetryAt(ctx context.Context) (time.Time, bool, error)
}

// EntityStore keeps the last known entity copies and the conflict history.
type EntityStore interface {
	PutEntity(ctx context.Context, state models.EntityState) error
	DeleteEntity(ctx context.Context, entityKey string) error
	AppendConflict(ctx context.Context, rec *models.ConflictRecord, keep int) error
	ListConflicts(ctx context.Context, limit int) ([]*models.ConflictRecord, error)
}

// NetworkMonitor reports debounced connectivity.
type NetworkMonitor interface {
	Status() netmon.Status
	OnChange(fn netmon.Listener) func()
}

var (
	_ Queue               = (*queue.SyncQueue)(nil)
	_ EntityStore         = (*db.Store)(nil)
	_ NetworkMonitor      = (*netmon.Monitor)(nil)
	_ SyncEngineInterface = (*SyncEngine)(nil)
)
