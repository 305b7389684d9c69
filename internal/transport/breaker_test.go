package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	next := Func(func(ctx context.Context, sub Submission) (string, error) {
		calls.Add(1)
		if healthy.Load() {
			return "r-" + sub.ItemID, nil
		}
		return "", apperrors.Transient("502 from backend", nil)
	})
	b := NewBreaker(models.ItemTypePhoto, next, BreakerSettings{
		MinRequests:  3,
		FailureRatio: 1,
		Timeout:      20 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		_, err := b.Submit(context.Background(), Submission{ItemID: "1"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("photo")))

	_, err := b.Submit(context.Background(), Submission{ItemID: "1"})
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load(), "an open breaker does not reach the backend")
	assert.Equal(t, apperrors.KindTransient, apperrors.Classify(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		_, err := b.Submit(context.Background(), Submission{ItemID: "2"})
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Zero(t, testutil.ToFloat64(breakerState.WithLabelValues("photo")))
}

func TestBreakerIgnoresAnswersFromHealthyBackend(t *testing.T) {
	errs := []error{
		&apperrors.ConflictError{EntityID: "estimate:1", RemoteVersion: "v2"},
		apperrors.Fatal("422 unprocessable estimate", nil),
		context.Canceled,
	}
	var i atomic.Int32
	next := Func(func(ctx context.Context, sub Submission) (string, error) {
		return "", errs[int(i.Add(1)-1)%len(errs)]
	})
	b := NewBreaker(models.ItemTypeEstimate, next, BreakerSettings{MinRequests: 1, FailureRatio: 0.1})

	for n := 0; n < 6; n++ {
		_, err := b.Submit(context.Background(), Submission{ItemID: "1"})
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())

	_, err := b.Submit(context.Background(), Submission{ItemID: "1"})
	_, ok := apperrors.AsConflict(err)
	assert.True(t, ok, "conflicts pass through unchanged")
}

func TestRegistryWrapsTransportsInBreakers(t *testing.T) {
	r := NewRegistry(WithBreakers(DefaultBreakerSettings()))
	ok := Func(func(ctx context.Context, sub Submission) (string, error) { return "r-" + sub.ItemID, nil })
	require.NoError(t, r.Register(models.ItemTypeCRMWrite, ok))

	got, found := r.Lookup(models.ItemTypeCRMWrite)
	require.True(t, found)
	b, isBreaker := got.(*Breaker)
	require.True(t, isBreaker)

	id, err := b.Submit(context.Background(), Submission{ItemID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "r-7", id)

	require.NoError(t, r.Register(models.ItemTypeCRMWrite, b))
	again, _ := r.Lookup(models.ItemTypeCRMWrite)
	assert.Same(t, b, again, "breakers are not wrapped twice")
}
