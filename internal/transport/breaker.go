package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/sony/gobreaker"
)

// Default circuit breaker settings.
const (
	DefaultBreakerMaxRequests  = 1
	DefaultBreakerMinRequests  = 3
	DefaultBreakerFailureRatio = 0.6
	DefaultBreakerInterval     = time.Minute
	DefaultBreakerTimeout      = 30 * time.Second
)

// BreakerSettings configures the circuit breaker in front of a transport.
type BreakerSettings struct {
	// MaxRequests is how many trial submissions pass while half-open.
	MaxRequests uint32
	// MinRequests is how many submissions a window needs before the failure
	// ratio can trip the breaker.
	MinRequests  uint32
	FailureRatio float64
	// Interval clears the closed-state counts; zero keeps them until the
	// breaker trips.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
}

// DefaultBreakerSettings returns the default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  DefaultBreakerMaxRequests,
		MinRequests:  DefaultBreakerMinRequests,
		FailureRatio: DefaultBreakerFailureRatio,
		Interval:     DefaultBreakerInterval,
		Timeout:      DefaultBreakerTimeout,
	}
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequests == 0 {
		s.MaxRequests = DefaultBreakerMaxRequests
	}
	if s.MinRequests == 0 {
		s.MinRequests = DefaultBreakerMinRequests
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = DefaultBreakerFailureRatio
	}
	if s.Interval < 0 {
		s.Interval = 0
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultBreakerTimeout
	}
	return s
}

// Breaker guards a Transport with a circuit breaker. Only transient failures
// count against the backend: conflicts and fatal rejections are answers from
// a healthy service. While open, submissions fail fast with a transient
// error so items go back to backoff without touching the network.
type Breaker struct {
	next     Transport
	itemType models.ItemType
	cb       *gobreaker.CircuitBreaker
}

// NewBreaker wraps next in a circuit breaker named after itemType.
func NewBreaker(itemType models.ItemType, next Transport, s BreakerSettings) *Breaker {
	s = s.withDefaults()
	name := string(itemType)

	b := &Breaker{next: next, itemType: itemType}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < s.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("transport circuit breaker state changed",
				"type", name, "from", from.String(), "to", to.String())
			recordBreakerState(name, to)
		},
		IsSuccessful: healthyResponse,
	})
	recordBreakerState(name, gobreaker.StateClosed)
	return b
}

// Submit forwards sub to the wrapped transport unless the breaker is open.
func (b *Breaker) Submit(ctx context.Context, sub Submission) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Submit(ctx, sub)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		recordBreakerRequest(b.itemType, breakerRejected)
		return "", apperrors.Transient(fmt.Sprintf("%s backend unavailable", b.itemType), err)
	}
	result := breakerSuccess
	if !healthyResponse(err) {
		result = breakerFailure
	}
	recordBreakerRequest(b.itemType, result)
	if err != nil {
		return "", err
	}
	id, _ := out.(string)
	return id, nil
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// healthyResponse reports whether err leaves the backend's health untouched.
// A cancelled submission says nothing about the backend.
func healthyResponse(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return apperrors.Classify(err) != apperrors.KindTransient
}
