// Package conflict decides between a local edit and the backend's divergent copy.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/uuid"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// StrategyLatestTimestampWins keeps the side with the later edit time.
	// An exact tie goes to the remote side.
	StrategyLatestTimestampWins ResolutionStrategy = "latest_timestamp_wins"
	StrategyRemoteWins          ResolutionStrategy = "remote_wins"
	StrategyLocalWins           ResolutionStrategy = "local_wins"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLatestTimestampWins, StrategyRemoteWins, StrategyLocalWins:
		return true
	}
	return false
}

var (
	// ErrInvalidConflict is returned for a conflict without an entity.
	ErrInvalidConflict = errors.New("invalid conflict: entity id is required")
	// ErrUnknownStrategy is returned by NewResolver for an unsupported strategy.
	ErrUnknownStrategy = errors.New("unknown conflict resolution strategy")
)

// Version is one side of a conflict.
type Version struct {
	Version   string
	Timestamp time.Time
	Data      json.RawMessage
}

// Conflict is a detected divergence between a queued edit and the backend.
type Conflict struct {
	ItemID   string
	EntityID string
	Local    Version
	Remote   Version
}

// ResolveResult is the outcome of a resolution.
type ResolveResult struct {
	Winner models.Side
	// Kept is the version that survives.
	Kept   Version
	Record *models.ConflictRecord
}

// Resolver applies a fixed resolution strategy. It is stateless and safe for
// concurrent use.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a Resolver. An empty strategy selects latest-timestamp-wins.
func NewResolver(strategy ResolutionStrategy) (*Resolver, error) {
	if strategy == "" {
		strategy = StrategyLatestTimestampWins
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return &Resolver{strategy: strategy, now: time.Now}, nil
}

// WithNow returns a copy of the resolver stamping records with now.
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	cp := *r
	cp.now = now
	return &cp
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Resolve picks the winning side. For identical inputs it always returns the
// same winner.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.EntityID == "" {
		return nil, ErrInvalidConflict
	}

	winner := r.pick(c.Local, c.Remote)
	kept := c.Remote
	if winner == models.SideLocal {
		kept = c.Local
	}

	record := &models.ConflictRecord{
		ID:              uuid.New(),
		ItemID:          c.ItemID,
		EntityID:        c.EntityID,
		LocalVersion:    c.Local.Version,
		RemoteVersion:   c.Remote.Version,
		LocalTimestamp:  c.Local.Timestamp,
		RemoteTimestamp: c.Remote.Timestamp,
		Strategy:        string(r.strategy),
		Winner:          winner,
		ResolvedAt:      r.now(),
	}

	slog.Info("conflict resolved",
		"entity", c.EntityID,
		"item_id", c.ItemID,
		"strategy", r.strategy,
		"winner", winner,
		"local_timestamp", c.Local.Timestamp,
		"remote_timestamp", c.Remote.Timestamp)

	return &ResolveResult{Winner: winner, Kept: kept, Record: record}, nil
}

func (r *Resolver) pick(local, remote Version) models.Side {
	switch r.strategy {
	case StrategyLocalWins:
		return models.SideLocal
	case StrategyRemoteWins:
		return models.SideRemote
	default:
		if local.Timestamp.After(remote.Timestamp) {
			return models.SideLocal
		}
		return models.SideRemote
	}
}

// DetectConflict reports whether a local edit based on localVersion diverges
// from the remote version. Unknown versions on either side never conflict.
func DetectConflict(localVersion, remoteVersion string) bool {
	if localVersion == "" || remoteVersion == "" {
		return false
	}
	return localVersion != remoteVersion
}
