package sync

import (
	"time"

	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/netmon"
)

// EventType identifies an engine event.
type EventType string

const (
	EventStateChanged        EventType = "state_changed"
	EventItemSynced          EventType = "item_synced"
	EventItemFailed          EventType = "item_failed"
	EventConflictResolved    EventType = "conflict_resolved"
	EventProgress            EventType = "progress"
	EventConnectivityChanged EventType = "connectivity_changed"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	State    State `json:"state,omitempty"`
	Previous State `json:"previous,omitempty"`

	ItemID    string          `json:"item_id,omitempty"`
	ItemType  models.ItemType `json:"item_type,omitempty"`
	RemoteID  string          `json:"remote_id,omitempty"`
	WillRetry bool            `json:"will_retry,omitempty"`

	Error    *SyncError             `json:"error,omitempty"`
	Conflict *models.ConflictRecord `json:"conflict,omitempty"`
	Network  *netmon.Status         `json:"network,omitempty"`
	Progress *Progress              `json:"progress,omitempty"`
}

// Progress reports queue depth during a drain.
type Progress struct {
	Synced  int `json:"synced"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Subscribe registers fn for every engine event and returns a function that
// removes it. Listeners run on the engine's goroutines and must not block.
func (e *SyncEngine) Subscribe(fn func(Event)) func() {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *SyncEngine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.clock.Now()
	}
	e.lmu.RLock()
	fns := make([]func(Event), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
