package models

import (
	"encoding/json"
	"time"
)

// Side names the winner of a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// ConflictRecord records a resolved divergence between a local edit and the
// backend's copy, kept for user awareness.
type ConflictRecord struct {
	ID              string    `db:"id" json:"id"`
	ItemID          string    `db:"item_id" json:"item_id"`
	EntityID        string    `db:"entity_id" json:"entity_id"`
	LocalVersion    string    `db:"local_version" json:"local_version"`
	RemoteVersion   string    `db:"remote_version" json:"remote_version"`
	LocalTimestamp  time.Time `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp time.Time `db:"remote_timestamp" json:"remote_timestamp"`
	Strategy        string    `db:"strategy" json:"strategy"`
	Winner          Side      `db:"winner" json:"winner"`
	ResolvedAt      time.Time `db:"resolved_at" json:"resolved_at"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// EntityState is the last known good copy of a remote entity.
type EntityState struct {
	EntityKey string          `db:"entity_key" json:"entity_key"`
	Version   string          `db:"version" json:"version"`
	Data      json.RawMessage `db:"data" json:"data,omitempty"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for EntityState.
func (EntityState) TableName() string {
	return "entity_cache"
}

// AuditOutcome describes how a queue item left the queue.
type AuditOutcome string

const (
	OutcomeCompleted AuditOutcome = "completed"
	OutcomeDiscarded AuditOutcome = "discarded"
	OutcomeRemoved   AuditOutcome = "removed"
)

// AuditEntry is a row of the bounded sync audit trail.
type AuditEntry struct {
	ItemID     string       `db:"item_id" json:"item_id"`
	Type       ItemType     `db:"type" json:"type"`
	EntityKey  string       `db:"entity_key" json:"entity_key"`
	Action     Action       `db:"action" json:"action"`
	Attempts   int          `db:"attempts" json:"attempts"`
	Outcome    AuditOutcome `db:"outcome" json:"outcome"`
	RemoteID   string       `db:"remote_id" json:"remote_id,omitempty"`
	RecordedAt time.Time    `db:"recorded_at" json:"recorded_at"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "sync_audit"
}
