// Package models provides data model definitions for the paintbox sync core.
package models

import (
	"encoding/json"
	"time"
)

// ItemType identifies which backend a queue item is replayed against.
type ItemType string

const (
	ItemTypeEstimate ItemType = "estimate"
	ItemTypePhoto    ItemType = "photo"
	ItemTypeCRMWrite ItemType = "crm_write"
)

// ItemTypes lists every known item type.
var ItemTypes = []ItemType{ItemTypeEstimate, ItemTypePhoto, ItemTypeCRMWrite}

// Valid reports whether t is a known item type.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeEstimate, ItemTypePhoto, ItemTypeCRMWrite:
		return true
	}
	return false
}

// Action is the mutation kind applied to the remote entity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	StatusPending  ItemStatus = "pending"
	StatusInFlight ItemStatus = "in_flight"
	StatusFailed   ItemStatus = "failed"
	StatusDone     ItemStatus = "done"
)

// QueueItem is one durable unit of pending remote work.
type QueueItem struct {
	ID               string          `db:"id" json:"id"`
	Type             ItemType        `db:"type" json:"type"`
	Action           Action          `db:"action" json:"action"`
	EntityKey        string          `db:"entity_key" json:"entity_key"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
	Priority         int             `db:"priority" json:"priority"` // lower runs first
	Attempts         int             `db:"attempts" json:"attempts"`
	MaxAttempts      int             `db:"max_attempts" json:"max_attempts"`
	ConflictAttempts int             `db:"conflict_attempts" json:"conflict_attempts"`
	NextRetry        time.Time       `db:"next_retry" json:"next_retry"`
	EditedAt         time.Time       `db:"edited_at" json:"edited_at"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	Status           ItemStatus      `db:"status" json:"status"`
	LastError        string          `db:"last_error" json:"last_error,omitempty"`
	LastErrorKind    string          `db:"last_error_kind" json:"last_error_kind,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "queue_items"
}

// Ready reports whether the item may be claimed at now.
func (i *QueueItem) Ready(now time.Time) bool {
	return i.Status == StatusPending && !i.NextRetry.After(now)
}

// Exhausted reports whether the retry budget is spent.
func (i *QueueItem) Exhausted() bool {
	return i.Attempts >= i.MaxAttempts
}

// EntityKeyFor builds the logical target key of an entity.
func EntityKeyFor(t ItemType, entityID string) string {
	return string(t) + ":" + entityID
}
