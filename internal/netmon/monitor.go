// Package netmon tracks connectivity and connection quality, debouncing flaps.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/candlefish/paintbox-sync/internal/clock"
)

// Quality grades the connection.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Defaults.
const (
	DefaultStableDuration   = 500 * time.Millisecond
	DefaultProbeInterval    = 5 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
	DefaultExcellentLatency = 150 * time.Millisecond
	DefaultGoodLatency      = 600 * time.Millisecond
)

// Status is a committed connectivity state.
type Status struct {
	IsOnline bool      `json:"is_online"`
	Quality  Quality   `json:"quality"`
	Since    time.Time `json:"since"`
}

func (s Status) same(o Status) bool {
	return s.IsOnline == o.IsOnline && s.Quality == o.Quality
}

// Listener receives committed transitions.
type Listener func(Status)

// Config configures a Monitor.
type Config struct {
	// StableDuration is how long a new state must hold before it is committed.
	StableDuration   time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	ExcellentLatency time.Duration
	GoodLatency      time.Duration
}

func (c Config) withDefaults() Config {
	if c.StableDuration < 0 {
		c.StableDuration = 0
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ExcellentLatency <= 0 {
		c.ExcellentLatency = DefaultExcellentLatency
	}
	if c.GoodLatency <= 0 {
		c.GoodLatency = DefaultGoodLatency
	}
	return c
}

// Monitor holds the debounced connectivity state and notifies listeners.
type Monitor struct {
	cfg    Config
	prober Prober
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	pending   *Status
	timer     clock.Timer
	gen       uint64
	listeners map[uint64]Listener
	nextID    uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used for debouncing.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithInitialStatus sets the state before the first report.
func WithInitialStatus(online bool, q Quality) Option {
	return func(m *Monitor) {
		m.status.IsOnline = online
		m.status.Quality = q
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor. prober may be nil when connectivity is only fed
// through Report. The monitor starts offline unless WithInitialStatus says otherwise.
func New(cfg Config, prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		prober:    prober,
		clock:     clock.Real(),
		logger:    slog.Default(),
		status:    Status{Quality: QualityOffline},
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status.Since = m.clock.Now()
	m.logger = m.logger.With("component", "netmon")
	return m
}

// Status returns the committed state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnChange registers fn for committed transitions and returns a function
// that unregisters it. Unsubscribing more than once is harmless.
func (m *Monitor) OnChange(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Classify grades a probe result.
func (m *Monitor) Classify(online bool, latency time.Duration) Quality {
	switch {
	case !online:
		return QualityOffline
	case latency < m.cfg.ExcellentLatency:
		return QualityExcellent
	case latency < m.cfg.GoodLatency:
		return QualityGood
	default:
		return QualityPoor
	}
}

// Report feeds an observation. A differing state is committed only after it
// has held for the stable duration; reverting before then cancels it.
func (m *Monitor) Report(online bool, latency time.Duration) {
	next := Status{IsOnline: online, Quality: m.Classify(online, latency)}

	m.mu.Lock()
	if next.same(m.status) {
		m.cancelPendingLocked()
		m.mu.Unlock()
		return
	}
	if m.pending != nil && m.pending.IsOnline == next.IsOnline {
		// Same direction; keep the running timer and track the latest quality.
		m.pending.Quality = next.Quality
		m.mu.Unlock()
		return
	}
	m.cancelPendingLocked()
	m.pending = &next
	gen := m.gen
	m.mu.Unlock()

	// Scheduled without the lock held: a zero delay may fire synchronously.
	t := m.clock.AfterFunc(m.cfg.StableDuration, func() { m.commit(gen) })

	m.mu.Lock()
	if m.gen == gen && m.pending != nil {
		m.timer = t
	} else {
		t.Stop()
	}
	m.mu.Unlock()
}

func (m *Monitor) cancelPendingLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pending = nil
	m.gen++
}

func (m *Monitor) commit(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pending == nil {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = *m.pending
	m.status.Since = m.clock.Now()
	m.pending = nil
	m.timer = nil
	status := m.status

	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		"online", status.IsOnline, "quality", status.Quality,
		"was_online", prev.IsOnline, "was_quality", prev.Quality)

	for _, l := range listeners {
		l(status)
	}
}

// Run probes connectivity until ctx is cancelled, waiting one probe
// interval on the monitor's clock after each probe.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	tick := make(chan struct{}, 1)
	arm := func() clock.Timer {
		return m.clock.AfterFunc(m.cfg.ProbeInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	m.probeOnce(ctx)
	timer := arm()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			m.mu.Lock()
			m.cancelPendingLocked()
			m.mu.Unlock()
			return nil
		case <-tick:
			m.probeOnce(ctx)
			timer = arm()
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	latency, err := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
		m.Report(false, 0)
		return
	}
	m.Report(true, latency)
}
