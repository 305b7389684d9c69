// Package transport defines how queued mutations reach the backend services.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/candlefish/paintbox-sync/internal/models"
)

// Submission is one dispatch of a queue item.
type Submission struct {
	ItemID    string
	Type      models.ItemType
	Action    models.Action
	EntityKey string
	Payload   models.Payload
	// Raw is the stored payload envelope.
	Raw json.RawMessage
	// Force asks the backend to overwrite its copy; set when a conflict was
	// resolved in favour of the local edit.
	Force bool
	// Attempt is the 1-based attempt number.
	Attempt int
}

// Transport submits mutations of one item type. Errors should be an
// errors.ConflictError when the backend's copy diverges, a fatal AppError
// for permanent rejections, and anything else for retryable failures.
type Transport interface {
	Submit(ctx context.Context, sub Submission) (remoteID string, err error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, sub Submission) (string, error)

// Submit calls f.
func (f Func) Submit(ctx context.Context, sub Submission) (string, error) {
	return f(ctx, sub)
}

// Registry maps item types to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[models.ItemType]Transport
	breaker    *BreakerSettings
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreakers wraps every transport registered afterwards in its own
// circuit breaker.
func WithBreakers(s BreakerSettings) RegistryOption {
	return func(r *Registry) { r.breaker = &s }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{transports: make(map[models.ItemType]Transport)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds t to an item type, replacing any previous binding.
func (r *Registry) Register(itemType models.ItemType, t Transport) error {
	if !itemType.Valid() {
		return fmt.Errorf("register transport: unknown item type %q", itemType)
	}
	if t == nil {
		return fmt.Errorf("register transport: nil transport for %s", itemType)
	}
	if _, wrapped := t.(*Breaker); r.breaker != nil && !wrapped {
		t = NewBreaker(itemType, t, *r.breaker)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[itemType] = t
	return nil
}

// Lookup returns the transport for an item type.
func (r *Registry) Lookup(itemType models.ItemType) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[itemType]
	return t, ok
}

// Types returns the registered item types in sorted order.
func (r *Registry) Types() []models.ItemType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.ItemType, 0, len(r.transports))
	for t := range r.transports {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
