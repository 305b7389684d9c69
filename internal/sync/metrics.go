package sync

import (
	"time"

	"github.com/candlefish/paintbox-sync/internal/db"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paintsync"

var (
	itemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "items_processed_total",
			Help:      "Dispatch outcomes by item type",
		},
		[]string{"type", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent submitting one item to its transport",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"type"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	conflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by winning side",
		},
		[]string{"winner"},
	)

	engineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state",
			Help:      "1 for the current engine state, 0 otherwise",
		},
		[]string{"state"},
	)

	networkOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "online",
			Help:      "1 when the debounced network status is online",
		},
	)
)

const (
	outcomeSynced    = "synced"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeDiscarded = "discarded"
	outcomeReleased  = "released"
)

func recordOutcome(t models.ItemType, outcome string) {
	itemsProcessed.WithLabelValues(string(t), outcome).Inc()
}

func recordDispatchDuration(t models.ItemType, d time.Duration) {
	dispatchDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func recordQueueSize(c db.StatusCounts) {
	queueSize.WithLabelValues(string(models.StatusPending)).Set(float64(c.Pending))
	queueSize.WithLabelValues(string(models.StatusInFlight)).Set(float64(c.InFlight))
	queueSize.WithLabelValues(string(models.StatusFailed)).Set(float64(c.Failed))
}

func recordConflict(winner models.Side) {
	conflictsResolved.WithLabelValues(string(winner)).Inc()
}

func recordState(s State) {
	for _, st := range States {
		v := 0.0
		if st == s {
			v = 1
		}
		engineState.WithLabelValues(string(st)).Set(v)
	}
}

func recordNetwork(online bool) {
	if online {
		networkOnline.Set(1)
		return
	}
	networkOnline.Set(0)
}
