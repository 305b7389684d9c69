package transport

import (
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "paintsync",
			Subsystem: "transport",
			Name:      "breaker_state",
			Help:      "Circuit breaker state by item type (0=closed, 1=open, 2=half-open)",
		},
		[]string{"type"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paintsync",
			Subsystem: "transport",
			Name:      "breaker_requests_total",
			Help:      "Submissions through the circuit breaker by result",
		},
		[]string{"type", "result"},
	)
)

const (
	breakerSuccess  = "success"
	breakerFailure  = "failure"
	breakerRejected = "rejected"
)

func recordBreakerState(name string, s gobreaker.State) {
	var v float64
	switch s {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}

func recordBreakerRequest(t models.ItemType, result string) {
	breakerRequests.WithLabelValues(string(t), result).Inc()
}
