package sync

import (
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/netmon"
)

// State is the engine loop state.
type State string

const (
	StateIdle        State = "idle"
	StateDraining    State = "draining"
	StateBackoffWait State = "backoff_wait"
)

// States lists every engine state.
var States = []State{StateIdle, StateDraining, StateBackoffWait}

// SyncError is an entry of the user-facing error list.
type SyncError struct {
	At       time.Time           `json:"at"`
	ItemID   string              `json:"item_id,omitempty"`
	ItemType models.ItemType     `json:"item_type,omitempty"`
	Kind     apperrors.Kind      `json:"kind"`
	Code     apperrors.ErrorCode `json:"code,omitempty"`
	Message  string              `json:"message"`
	Attempts int                 `json:"attempts,omitempty"`
	// NeedsAttention is set when the item will not be retried automatically.
	NeedsAttention bool `json:"needs_attention"`
}

// Snapshot is the engine status exposed to the UI.
type Snapshot struct {
	IsOnline bool           `json:"is_online"`
	IsActive bool           `json:"is_active"`
	Running  bool           `json:"running"`
	State    State          `json:"state"`
	Quality  netmon.Quality `json:"quality"`
	// PendingCount includes items currently in flight.
	PendingCount int         `json:"pending_count"`
	FailedCount  int         `json:"failed_count"`
	LastSync     *time.Time  `json:"last_sync,omitempty"`
	Errors       []SyncError `json:"errors"`
}

// errorLog is a bounded list of SyncErrors, oldest first.
type errorLog struct {
	max     int
	entries []SyncError
}

func (l *errorLog) add(e SyncError) {
	l.entries = append(l.entries, e)
	if over := len(l.entries) - l.max; l.max > 0 && over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
}

func (l *errorLog) list() []SyncError {
	return append([]SyncError{}, l.entries...)
}

func (l *errorLog) clear() {
	l.entries = nil
}
