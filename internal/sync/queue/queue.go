// Package queue provides the durable sync queue for offline mutations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/candlefish/paintbox-sync/internal/clock"
	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/uuid"
)

// ErrItemInFlight is returned when a manual operation targets an item that
// is currently being dispatched.
var ErrItemInFlight = errors.New("queue item is in flight")

// Default priorities per item type. CRM writes are small and unblock other
// users, photos are large and go last.
var DefaultPriorities = map[models.ItemType]int{
	models.ItemTypeCRMWrite: 10,
	models.ItemTypeEstimate: 20,
	models.ItemTypePhoto:    30,
}

// Store is the persistence the queue needs. *db.Store implements it.
type Store interface {
	Supersede(ctx context.Context, next *models.QueueItem, merge func(old, next *models.QueueItem)) (*models.QueueItem, error)
	Claim(ctx context.Context, limit int, now time.Time) ([]*models.QueueItem, error)
	Get(ctx context.Context, id string) (*models.QueueItem, error)
	List(ctx context.Context, filter db.Filter) ([]*models.QueueItem, error)
	Count(ctx context.Context, filter db.Filter) (db.StatusCounts, error)
	UpdateStatus(ctx context.Context, id string, status models.ItemStatus, fields db.Fields) error
	Finish(ctx context.Context, id string, keep int, audit func(*models.QueueItem) models.AuditEntry) (bool, error)
	ReleaseInFlight(ctx context.Context, now time.Time, ids ...string) (int64, error)
	NextRetry(ctx context.Context) (time.Time, bool, error)
}

// Mutation is an application edit to be replayed remotely.
type Mutation struct {
	Action  models.Action
	Payload models.Payload
	// Priority overrides the per-type default when set. Lower runs first.
	Priority *int
}

// SyncQueue manages pending sync operations with retry logic.
type SyncQueue struct {
	store  Store
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	randMu sync.Mutex
	random func() float64
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithClock sets the clock used for timestamps and retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(q *SyncQueue) { q.clock = c }
}

// WithRandom sets the jitter source; f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(q *SyncQueue) { q.random = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *SyncQueue) { q.logger = l }
}

// NewSyncQueue creates a SyncQueue over store.
func NewSyncQueue(store Store, cfg Config, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		store:  store,
		cfg:    cfg.withDefaults(),
		clock:  clock.Real(),
		logger: slog.Default(),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "sync_queue")
	return q
}

// Config returns the effective configuration.
func (q *SyncQueue) Config() Config {
	return q.cfg
}

// Enqueue validates and persists a mutation. A pending item for the same
// entity is superseded: the new payload replaces it, the earliest creation
// time and the lowest priority are kept, and a pending create stays a create.
func (q *SyncQueue) Enqueue(ctx context.Context, m Mutation) (string, error) {
	if err := models.ValidatePayload(m.Action, m.Payload); err != nil {
		return "", apperrors.Validation("invalid mutation", err)
	}
	raw, err := models.EncodePayload(m.Payload)
	if err != nil {
		return "", apperrors.Validation("invalid mutation", err)
	}

	now := q.clock.Now()
	itemType := m.Payload.ItemType()
	priority := DefaultPriorities[itemType]
	if m.Priority != nil {
		priority = *m.Priority
	}
	editedAt := models.EditedAt(m.Payload)
	if editedAt.IsZero() {
		editedAt = now
	}

	item := &models.QueueItem{
		ID:          uuid.New(),
		Type:        itemType,
		Action:      m.Action,
		EntityKey:   models.EntityKeyFor(itemType, m.Payload.EntityID()),
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		NextRetry:   now,
		EditedAt:    editedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.StatusPending,
	}

	replaced, err := q.store.Supersede(ctx, item, supersede)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", item.EntityKey, err)
	}

	if replaced != nil {
		q.logger.Info("superseded pending item",
			"id", item.ID, "replaced", replaced.ID, "entity", item.EntityKey, "action", item.Action)
	} else {
		q.logger.Info("enqueued item",
			"id", item.ID, "type", item.Type, "entity", item.EntityKey, "action", item.Action, "priority", item.Priority)
	}
	return item.ID, nil
}

func supersede(old, next *models.QueueItem) {
	if old.CreatedAt.Before(next.CreatedAt) {
		next.CreatedAt = old.CreatedAt
	}
	if old.Priority < next.Priority {
		next.Priority = old.Priority
	}
	if old.Action == models.ActionCreate && next.Action == models.ActionUpdate {
		next.Action = models.ActionCreate
	}
}

// ClaimNext atomically claims up to limit ready items. No item is returned
// to more than one caller.
func (q *SyncQueue) ClaimNext(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	return q.store.Claim(ctx, limit, q.clock.Now())
}

// Complete removes a successfully synced item and records it in the audit
// trail. Completing an unknown id is a no-op.
func (q *SyncQueue) Complete(ctx context.Context, id, remoteID string) error {
	return q.finish(ctx, id, models.OutcomeCompleted, remoteID, 1)
}

// Discard removes an item whose edit lost a conflict.
func (q *SyncQueue) Discard(ctx context.Context, id string) error {
	return q.finish(ctx, id, models.OutcomeDiscarded, "", 1)
}

// Remove deletes an item at the user's request. Removing an unknown id is a no-op.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	return q.finish(ctx, id, models.OutcomeRemoved, "", 0)
}

func (q *SyncQueue) finish(ctx context.Context, id string, outcome models.AuditOutcome, remoteID string, extraAttempts int) error {
	now := q.clock.Now()
	removed, err := q.store.Finish(ctx, id, q.cfg.AuditTrailSize, func(item *models.QueueItem) models.AuditEntry {
		return models.AuditEntry{
			ItemID:     item.ID,
			Type:       item.Type,
			EntityKey:  item.EntityKey,
			Action:     item.Action,
			Attempts:   item.Attempts + extraAttempts,
			Outcome:    outcome,
			RemoteID:   remoteID,
			RecordedAt: now,
		}
	})
	if err != nil {
		return fmt.Errorf("%s item %s: %w", outcome, id, err)
	}
	if removed {
		q.logger.Info("item left queue", "id", id, "outcome", outcome, "remote_id", remoteID)
	}
	return nil
}

// Fail records a failed attempt on an in-flight item according to the
// error's classification and returns the updated item:
//   - transient and storage errors consume an attempt and schedule a retry
//     with backoff, or mark the item failed once attempts reach the maximum
//   - fatal errors mark the item failed without consuming an attempt
//   - conflicts consume the separate conflict budget
func (q *SyncQueue) Fail(ctx context.Context, id string, cause error) (*models.QueueItem, error) {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	kind := apperrors.Classify(cause)
	if kind == "" {
		kind = apperrors.KindTransient
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	status := models.StatusPending
	attempts := item.Attempts
	conflictAttempts := item.ConflictAttempts
	nextRetry := item.NextRetry

	switch kind {
	case apperrors.KindFatal:
		status = models.StatusFailed
	case apperrors.KindConflict:
		conflictAttempts++
		if conflictAttempts > q.cfg.ConflictMaxAttempts {
			status = models.StatusFailed
		} else {
			nextRetry = now.Add(q.Backoff(conflictAttempts))
		}
	default:
		attempts++
		if attempts >= item.MaxAttempts {
			attempts = item.MaxAttempts
			status = models.StatusFailed
		} else {
			nextRetry = now.Add(q.Backoff(attempts))
		}
	}

	kindStr := string(kind)
	err = q.store.UpdateStatus(ctx, id, status, db.Fields{
		From:             models.StatusInFlight,
		Attempts:         &attempts,
		ConflictAttempts: &conflictAttempts,
		NextRetry:        &nextRetry,
		LastError:        &msg,
		LastErrorKind:    &kindStr,
		UpdatedAt:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("fail item %s: %w", id, err)
	}

	item.Status = status
	item.Attempts = attempts
	item.ConflictAttempts = conflictAttempts
	item.NextRetry = nextRetry
	item.LastError = msg
	item.LastErrorKind = kindStr
	item.UpdatedAt = now

	if status == models.StatusFailed {
		q.logger.Warn("item failed permanently",
			"id", id, "entity", item.EntityKey, "kind", kind, "attempts", attempts, "error", msg)
	} else {
		q.logger.Info("item failed, retry scheduled",
			"id", id, "entity", item.EntityKey, "kind", kind, "attempt", attempts,
			"max_attempts", item.MaxAttempts, "retry_in", nextRetry.Sub(now).Round(time.Millisecond), "error", msg)
	}
	return item, nil
}

// Reschedule returns an in-flight or pending item to pending, due at.
// Attempts are not consumed.
func (q *SyncQueue) Reschedule(ctx context.Context, id string, at time.Time) error {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == models.StatusFailed {
		return fmt.Errorf("reschedule item %s: item has failed, use retry", id)
	}
	return q.store.UpdateStatus(ctx, id, models.StatusPending, db.Fields{
		From:      item.Status,
		NextRetry: &at,
		UpdatedAt: q.clock.Now(),
	})
}

// Retry resets an item's budgets and makes it due immediately.
func (q *SyncQueue) Retry(ctx context.Context, id string) error {
	item, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status == models.StatusInFlight {
		return ErrItemInFlight
	}

	now := q.clock.Now()
	zero := 0
	empty := ""
	err = q.store.UpdateStatus(ctx, id, models.StatusPending, db.Fields{
		From:             item.Status,
		Attempts:         &zero,
		ConflictAttempts: &zero,
		NextRetry:        &now,
		LastError:        &empty,
		LastErrorKind:    &empty,
		UpdatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("retry item %s: %w", id, err)
	}
	q.logger.Info("item reset for retry", "id", id, "previous_status", item.Status)
	return nil
}

// RetryAll resets every failed item and returns how many were reset.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	failed, err := q.store.List(ctx, db.Filter{Status: models.StatusFailed})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, item := range failed {
		if err := q.Retry(ctx, item.ID); err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) || errors.Is(err, db.ErrStatusChanged) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// Release returns in-flight items to pending without consuming attempts.
// With no ids all in-flight items are released.
func (q *SyncQueue) Release(ctx context.Context, ids ...string) (int64, error) {
	n, err := q.store.ReleaseInFlight(ctx, q.clock.Now(), ids...)
	if err != nil {
		return 0, fmt.Errorf("release in-flight items: %w", err)
	}
	if n > 0 {
		q.logger.Info("released in-flight items", "count", n)
	}
	return n, nil
}

// Get returns one item.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	return q.store.Get(ctx, id)
}

// List returns items matching filter in claim order.
func (q *SyncQueue) List(ctx context.Context, filter db.Filter) ([]*models.QueueItem, error) {
	return q.store.List(ctx, filter)
}

// Counts returns item counts per status.
func (q *SyncQueue) Counts(ctx context.Context) (db.StatusCounts, error) {
	return q.store.Count(ctx, db.Filter{})
}

// NextRetryAt returns when the earliest pending item becomes due.
func (q *SyncQueue) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	return q.store.NextRetry(ctx)
}
