package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/sync/conflict"
	"github.com/candlefish/paintbox-sync/internal/transport"
)

func (e *SyncEngine) process(ctx context.Context, cancel context.CancelCauseFunc, item *models.QueueItem) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, item.ID)
		e.mu.Unlock()
		cancel(nil)
		e.sem.Release(1)
		e.kick()
		e.wg.Done()
	}()
	e.dispatch(ctx, item)
}

// dispatch runs the per-item protocol: submit, then complete, resolve a
// conflict, or record the failure. Store writes outlive cancellation.
func (e *SyncEngine) dispatch(ctx context.Context, item *models.QueueItem) {
	storeCtx := context.WithoutCancel(ctx)

	t, ok := e.transports.Lookup(item.Type)
	if !ok {
		e.fail(storeCtx, item, apperrors.Fatal(fmt.Sprintf("no transport registered for %s", item.Type), nil))
		return
	}
	payload, err := models.DecodePayload(item.Payload)
	if err != nil {
		e.fail(storeCtx, item, apperrors.Fatal("undecodable payload", err))
		return
	}

	sub := transport.Submission{
		ItemID:    item.ID,
		Type:      item.Type,
		Action:    item.Action,
		EntityKey: item.EntityKey,
		Payload:   payload,
		Raw:       item.Payload,
		Attempt:   item.Attempts + 1,
	}

	remoteID, err := e.submit(ctx, t, sub)
	e.settleSubmission(ctx, t, sub, item, payload, remoteID, err, true)
}

func (e *SyncEngine) settleSubmission(ctx context.Context, t transport.Transport, sub transport.Submission, item *models.QueueItem, payload models.Payload, remoteID string, err error, mayResolve bool) {
	storeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		e.complete(storeCtx, item, payload, remoteID)
	case errors.Is(context.Cause(ctx), errReleased):
		e.release(storeCtx, item)
	case errors.Is(err, errThrottled):
		e.reschedule(storeCtx, item)
	default:
		if ce, ok := apperrors.AsConflict(err); ok && mayResolve {
			e.resolve(ctx, t, sub, item, payload, ce)
			return
		}
		e.fail(storeCtx, item, err)
	}
}

// submit calls the transport under the request timeout. A transport that
// ignores its context is abandoned when the timeout expires.
func (e *SyncEngine) submit(ctx context.Context, t transport.Transport, sub transport.Submission) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := e.limiter.Wait(reqCtx); err != nil {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", errThrottled
	}

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		id, err := t.Submit(reqCtx, sub)
		done <- result{id, err}
	}()

	select {
	case r := <-done:
		recordDispatchDuration(sub.Type, time.Since(start))
		if r.err != nil && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", apperrors.Wrap(apperrors.ErrSyncTimeout,
				fmt.Sprintf("request timed out after %s", e.cfg.RequestTimeout), r.err)
		}
		return r.id, r.err
	case <-reqCtx.Done():
		recordDispatchDuration(sub.Type, time.Since(start))
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		return "", apperrors.Wrap(apperrors.ErrSyncTimeout,
			fmt.Sprintf("request timed out after %s", e.cfg.RequestTimeout), reqCtx.Err())
	}
}

func (e *SyncEngine) complete(ctx context.Context, item *models.QueueItem, payload models.Payload, remoteID string) {
	if err := e.queue.Complete(ctx, item.ID, remoteID); err != nil {
		e.logger.Error("failed to complete item", "id", item.ID, "error", err)
		e.recordError(SyncError{
			ItemID:   item.ID,
			ItemType: item.Type,
			Kind:     apperrors.KindStorage,
			Code:     apperrors.CodeOf(err),
			Message:  err.Error(),
		})
		e.release(ctx, item)
		return
	}

	if item.Action == models.ActionDelete {
		if err := e.store.DeleteEntity(ctx, item.EntityKey); err != nil {
			e.logger.Warn("failed to drop cached entity", "entity", item.EntityKey, "error", err)
		}
	} else {
		err := e.store.PutEntity(ctx, models.EntityState{
			EntityKey: item.EntityKey,
			Version:   payload.LocalVersion(),
			Data:      e.localData(payload),
			UpdatedAt: item.EditedAt,
		})
		if err != nil {
			e.logger.Warn("failed to cache entity", "entity", item.EntityKey, "error", err)
		}
	}

	e.mu.Lock()
	e.lastSync = e.clock.Now()
	e.synced++
	e.mu.Unlock()

	recordOutcome(item.Type, outcomeSynced)
	e.logger.Info("item synced", "id", item.ID, "type", item.Type, "entity", item.EntityKey, "remote_id", remoteID)
	e.emit(Event{Type: EventItemSynced, ItemID: item.ID, ItemType: item.Type, RemoteID: remoteID})
	e.reportProgress(ctx)
}

// resolve settles a conflict. A remote win overwrites the cached entity and
// discards the local edit; a local win re-submits with Force set.
func (e *SyncEngine) resolve(ctx context.Context, t transport.Transport, sub transport.Submission, item *models.QueueItem, payload models.Payload, ce *apperrors.ConflictError) {
	storeCtx := context.WithoutCancel(ctx)

	res, err := e.resolver.Resolve(&conflict.Conflict{
		ItemID:   item.ID,
		EntityID: item.EntityKey,
		Local: conflict.Version{
			Version:   payload.LocalVersion(),
			Timestamp: item.EditedAt,
			Data:      e.localData(payload),
		},
		Remote: conflict.Version{
			Version:   ce.RemoteVersion,
			Timestamp: ce.RemoteTimestamp,
			Data:      ce.RemoteData,
		},
	})
	if err != nil {
		e.fail(storeCtx, item, apperrors.Fatal("unresolvable conflict", err))
		return
	}

	if err := e.store.AppendConflict(storeCtx, res.Record, e.cfg.ConflictHistorySize); err != nil {
		e.logger.Warn("failed to record conflict", "item_id", item.ID, "error", err)
	}
	recordConflict(res.Winner)
	e.emit(Event{Type: EventConflictResolved, ItemID: item.ID, ItemType: item.Type, Conflict: res.Record})

	if res.Winner == models.SideRemote {
		err := e.store.PutEntity(storeCtx, models.EntityState{
			EntityKey: item.EntityKey,
			Version:   ce.RemoteVersion,
			Data:      ce.RemoteData,
			UpdatedAt: ce.RemoteTimestamp,
		})
		if err != nil {
			e.logger.Warn("failed to cache remote entity", "entity", item.EntityKey, "error", err)
		}
		if err := e.queue.Discard(storeCtx, item.ID); err != nil {
			e.logger.Error("failed to discard item", "id", item.ID, "error", err)
			e.release(storeCtx, item)
			return
		}
		recordOutcome(item.Type, outcomeDiscarded)
		e.reportProgress(storeCtx)
		return
	}

	sub.Force = true
	remoteID, err := e.submit(ctx, t, sub)
	e.settleSubmission(ctx, t, sub, item, payload, remoteID, err, false)
}

func (e *SyncEngine) fail(ctx context.Context, item *models.QueueItem, cause error) {
	updated, err := e.queue.Fail(ctx, item.ID, cause)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) || errors.Is(err, db.ErrStatusChanged) {
			e.logger.Debug("item left flight before its failure was recorded", "id", item.ID)
			return
		}
		e.logger.Error("failed to record item failure", "id", item.ID, "error", err)
		e.recordError(SyncError{
			ItemID:   item.ID,
			ItemType: item.Type,
			Kind:     apperrors.KindStorage,
			Code:     apperrors.CodeOf(err),
			Message:  err.Error(),
		})
		e.release(ctx, item)
		return
	}

	se := SyncError{
		ItemID:         item.ID,
		ItemType:       item.Type,
		Kind:           apperrors.Classify(cause),
		Code:           apperrors.CodeOf(cause),
		Message:        cause.Error(),
		Attempts:       updated.Attempts,
		NeedsAttention: updated.Status == models.StatusFailed,
	}
	e.recordError(se)

	outcome := outcomeRetry
	if se.NeedsAttention {
		outcome = outcomeFailed
	}
	recordOutcome(item.Type, outcome)
	e.emit(Event{
		Type:      EventItemFailed,
		ItemID:    item.ID,
		ItemType:  item.Type,
		WillRetry: !se.NeedsAttention,
		Error:     &se,
	})
	e.reportProgress(ctx)
}

func (e *SyncEngine) release(ctx context.Context, item *models.QueueItem) {
	if _, err := e.queue.Release(ctx, item.ID); err != nil {
		e.logger.Error("failed to release item", "id", item.ID, "error", err)
		return
	}
	recordOutcome(item.Type, outcomeReleased)
}

func (e *SyncEngine) reschedule(ctx context.Context, item *models.QueueItem) {
	at := e.clock.Now().Add(e.throttleDelay())
	if err := e.queue.Reschedule(ctx, item.ID, at); err != nil {
		e.logger.Warn("failed to reschedule throttled item", "id", item.ID, "error", err)
		e.release(ctx, item)
	}
}
