// Package sync drains the offline queue to the backend services whenever the
// device is online.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/candlefish/paintbox-sync/internal/clock"
	"github.com/candlefish/paintbox-sync/internal/db"
	apperrors "github.com/candlefish/paintbox-sync/internal/errors"
	"github.com/candlefish/paintbox-sync/internal/models"
	"github.com/candlefish/paintbox-sync/internal/netmon"
	"github.com/candlefish/paintbox-sync/internal/sync/conflict"
	"github.com/candlefish/paintbox-sync/internal/transport"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency         = 3
	DefaultRequestTimeout      = 30 * time.Second
	DefaultMaxErrors           = 50
	DefaultConflictHistorySize = 50
	DefaultPoorQualityRate     = 1.0
	DefaultStorageRetryDelay   = 5 * time.Second

	// minWake bounds how soon a scheduled wake-up may fire.
	minWake = 10 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = errors.New("sync engine already running")
	// ErrNotRunning is returned by manual controls before Start.
	ErrNotRunning = errors.New("sync engine not running")
	// ErrOffline is returned by TriggerSync while the network is down.
	ErrOffline = apperrors.New(apperrors.ErrSyncOffline, "network is offline")

	errReleased  = errors.New("dispatch released")
	errThrottled = errors.New("dispatch throttled")
)

// Config holds engine settings. Zero values take the defaults.
type Config struct {
	// Concurrency is the number of items dispatched at once.
	Concurrency int
	// RequestTimeout bounds one transport call; expiry counts as a transient failure.
	RequestTimeout time.Duration
	// MaxErrors bounds the user-facing error list.
	MaxErrors int
	// ConflictHistorySize bounds the persisted conflict log.
	ConflictHistorySize int
	// PoorQualityRate is the dispatch rate per second while quality is poor.
	PoorQualityRate float64
	// StorageRetryDelay is how long the loop waits after a store failure.
	StorageRetryDelay time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:         DefaultConcurrency,
		RequestTimeout:      DefaultRequestTimeout,
		MaxErrors:           DefaultMaxErrors,
		ConflictHistorySize: DefaultConflictHistorySize,
		PoorQualityRate:     DefaultPoorQualityRate,
		StorageRetryDelay:   DefaultStorageRetryDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.ConflictHistorySize <= 0 {
		c.ConflictHistorySize = d.ConflictHistorySize
	}
	if c.PoorQualityRate <= 0 {
		c.PoorQualityRate = d.PoorQualityRate
	}
	if c.StorageRetryDelay <= 0 {
		c.StorageRetryDelay = d.StorageRetryDelay
	}
	return c
}

// SyncEngine owns the drain loop. One control goroutine claims ready items
// and hands them to at most Concurrency dispatch goroutines.
type SyncEngine struct {
	cfg        Config
	queue      Queue
	store      EntityStore
	monitor    NetworkMonitor
	transports *transport.Registry
	resolver   *conflict.Resolver
	clock      clock.Clock
	logger     *slog.Logger
	limiter    *rate.Limiter
	sem        *semaphore.Weighted

	mu          gosync.Mutex
	running     bool
	stopping    bool
	state       State
	online      bool
	quality     netmon.Quality
	lastSync    time.Time
	synced      int
	counts      db.StatusCounts
	errors      errorLog
	inflight    map[string]context.CancelCauseFunc
	retryTimer  clock.Timer
	wake        chan struct{}
	baseCtx     context.Context
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	stopped     chan struct{}
	unsubscribe func()
	wg          gosync.WaitGroup

	lmu          gosync.RWMutex
	listeners    map[uint64]func(Event)
	nextListener uint64
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithClock sets the clock driving retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(e *SyncEngine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *SyncEngine) { e.logger = l }
}

// WithResolver sets the conflict resolver. The default is latest-timestamp-wins.
func WithResolver(r *conflict.Resolver) Option {
	return func(e *SyncEngine) { e.resolver = r }
}

// NewSyncEngine creates an engine. It does nothing until Start.
func NewSyncEngine(q Queue, store EntityStore, monitor NetworkMonitor, transports *transport.Registry, cfg Config, opts ...Option) *SyncEngine {
	cfg = cfg.withDefaults()
	e := &SyncEngine{
		cfg:        cfg,
		queue:      q,
		store:      store,
		monitor:    monitor,
		transports: transports,
		clock:      clock.Real(),
		logger:     slog.Default().With("component", "sync_engine"),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		state:      StateIdle,
		errors:     errorLog{max: cfg.MaxErrors},
		inflight:   make(map[string]context.CancelCauseFunc),
		listeners:  make(map[uint64]func(Event)),
	}
	for _, opt := range opts {
		opt(e)
	}
	st := monitor.Status()
	e.online, e.quality = st.IsOnline, st.Quality
	if e.resolver == nil {
		r, _ := conflict.NewResolver(conflict.StrategyLatestTimestampWins)
		e.resolver = r.WithNow(e.clock.Now)
	}
	return e
}

// Config returns the effective configuration.
func (e *SyncEngine) Config() Config {
	return e.cfg
}

// Start releases items left in flight by an earlier run, subscribes to the
// network monitor and starts the drain loop. Cancelling ctx stops claiming
// new work; use Stop or Abort to wait for in-flight dispatches.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.stopping = false
	e.wake = make(chan struct{}, 1)
	e.baseCtx = context.WithoutCancel(ctx)
	e.cancelLoop = cancel
	e.loopDone = make(chan struct{})
	e.stopped = make(chan struct{})
	wake, done := e.wake, e.loopDone
	e.mu.Unlock()

	if n, err := e.queue.Release(ctx); err != nil {
		e.logger.Warn("failed to release interrupted items", "error", err)
	} else if n > 0 {
		e.logger.Info("recovered interrupted items", "count", n)
	}

	st := e.monitor.Status()
	unsubscribe := e.monitor.OnChange(e.handleNetworkChange)
	e.mu.Lock()
	e.online = st.IsOnline
	e.quality = st.Quality
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	e.applyQuality(st.Quality)
	recordNetwork(st.IsOnline)
	recordState(StateIdle)

	go e.run(loopCtx, wake, done)
	e.refreshCounts(ctx)
	e.kick()

	e.logger.Info("sync engine started",
		"online", st.IsOnline, "quality", st.Quality, "concurrency", e.cfg.Concurrency)
	return nil
}

// Stop stops claiming new items and waits for in-flight dispatches to finish.
// It is idempotent.
func (e *SyncEngine) Stop() {
	e.shutdown(false)
}

// Abort cancels in-flight dispatches, returns them to pending without
// consuming attempts and stops the engine. It is idempotent.
func (e *SyncEngine) Abort() {
	e.shutdown(true)
}

func (e *SyncEngine) shutdown(abort bool) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	var cancels []context.CancelCauseFunc
	if abort {
		for _, cancel := range e.inflight {
			cancels = append(cancels, cancel)
		}
	}
	first := !e.stopping
	e.stopping = true
	timer := e.retryTimer
	e.retryTimer = nil
	stopped := e.stopped
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, cancel := range cancels {
		cancel(errReleased)
	}
	if !first {
		<-stopped
		return
	}

	e.wg.Wait()
	e.cancelLoop()
	<-e.loopDone
	if e.unsubscribe != nil {
		e.unsubscribe()
	}

	e.mu.Lock()
	e.running = false
	e.stopping = false
	e.wake = nil
	e.mu.Unlock()

	e.setState(StateIdle)
	close(stopped)
	e.logger.Info("sync engine stopped", "aborted", abort)
}

// State returns the current loop state.
func (e *SyncEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsOnline reports the last network status seen by the engine.
func (e *SyncEngine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *SyncEngine) kick() {
	e.mu.Lock()
	wake := e.wake
	e.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (e *SyncEngine) run(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			e.drain(ctx)
		}
	}
}

// drain claims as many ready items as there are free workers and starts
// their dispatches.
func (e *SyncEngine) drain(ctx context.Context) {
	e.mu.Lock()
	online, stopping := e.online, e.stopping
	e.mu.Unlock()
	if stopping {
		return
	}
	if !online {
		e.setState(StateIdle)
		return
	}

	free := 0
	for free < e.cfg.Concurrency && e.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return
	}

	items, err := e.queue.ClaimNext(ctx, free)
	if err != nil {
		e.sem.Release(int64(free))
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("failed to claim queue items", "error", err)
		e.recordError(SyncError{
			Kind:    apperrors.KindStorage,
			Code:    apperrors.CodeOf(err),
			Message: fmt.Sprintf("claim queue items: %v", err),
		})
		e.scheduleWake(e.clock.Now().Add(e.cfg.StorageRetryDelay))
		return
	}
	if unused := free - len(items); unused > 0 {
		e.sem.Release(int64(unused))
	}
	if len(items) == 0 {
		e.settle(ctx)
		return
	}

	type job struct {
		ctx    context.Context
		cancel context.CancelCauseFunc
		item   *models.QueueItem
	}

	e.mu.Lock()
	if !e.online || e.stopping {
		e.mu.Unlock()
		e.sem.Release(int64(len(items)))
		ids := make([]string, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if _, err := e.queue.Release(context.WithoutCancel(ctx), ids...); err != nil {
			e.logger.Error("failed to release claimed items", "count", len(ids), "error", err)
		}
		return
	}
	jobs := make([]job, 0, len(items))
	for _, item := range items {
		jctx, cancel := context.WithCancelCause(e.baseCtx)
		e.inflight[item.ID] = cancel
		jobs = append(jobs, job{ctx: jctx, cancel: cancel, item: item})
	}
	e.wg.Add(len(jobs))
	e.mu.Unlock()

	e.setState(StateDraining)
	for _, j := range jobs {
		go e.process(j.ctx, j.cancel, j.item)
	}
}

// settle picks the resting state once nothing is claimable: backoff_wait
// with a wake-up at the earliest retry, or idle when the queue is empty.
func (e *SyncEngine) settle(ctx context.Context) {
	e.refreshCounts(ctx)

	e.mu.Lock()
	busy := len(e.inflight) > 0
	e.mu.Unlock()
	if busy {
		return
	}

	next, ok, err := e.queue.NextRetryAt(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("failed to read next retry time", "error", err)
		e.scheduleWake(e.clock.Now().Add(e.cfg.StorageRetryDelay))
		return
	}
	if !ok {
		e.setState(StateIdle)
		return
	}
	e.setState(StateBackoffWait)
	e.scheduleWake(next)
}

func (e *SyncEngine) scheduleWake(at time.Time) {
	d := at.Sub(e.clock.Now())
	if d < minWake {
		d = minWake
	}
	t := e.clock.AfterFunc(d, e.kick)

	e.mu.Lock()
	old := e.retryTimer
	e.retryTimer = t
	e.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	e.logger.Debug("next wake-up scheduled", "in", d.Round(time.Millisecond))
}

func (e *SyncEngine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	if prev == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()

	recordState(s)
	e.logger.Debug("sync state changed", "from", prev, "to", s)
	e.emit(Event{Type: EventStateChanged, State: s, Previous: prev})
}

func (e *SyncEngine) handleNetworkChange(st netmon.Status) {
	e.mu.Lock()
	e.online = st.IsOnline
	e.quality = st.Quality
	active := e.running && !e.stopping
	var (
		cancels []context.CancelCauseFunc
		timer   clock.Timer
	)
	if !st.IsOnline {
		for _, cancel := range e.inflight {
			cancels = append(cancels, cancel)
		}
		timer, e.retryTimer = e.retryTimer, nil
	}
	e.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	e.applyQuality(st.Quality)
	recordNetwork(st.IsOnline)
	e.logger.Info("network status changed",
		"online", st.IsOnline, "quality", st.Quality, "released", len(cancels))
	e.emit(Event{Type: EventConnectivityChanged, Network: &st})

	for _, cancel := range cancels {
		cancel(errReleased)
	}
	if !active {
		return
	}
	if !st.IsOnline {
		e.setState(StateIdle)
		return
	}
	e.kick()
}

func (e *SyncEngine) applyQuality(q netmon.Quality) {
	if q == netmon.QualityPoor {
		e.limiter.SetLimit(rate.Limit(e.cfg.PoorQualityRate))
		return
	}
	e.limiter.SetLimit(rate.Inf)
}

func (e *SyncEngine) throttleDelay() time.Duration {
	limit := e.limiter.Limit()
	if limit == rate.Inf || limit <= 0 {
		return minWake
	}
	return time.Duration(float64(time.Second) / float64(limit))
}

func (e *SyncEngine) refreshCounts(ctx context.Context) db.StatusCounts {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		e.logger.Warn("failed to count queue items", "error", err)
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.counts
	}
	e.mu.Lock()
	e.counts = counts
	e.mu.Unlock()
	recordQueueSize(counts)
	return counts
}

func (e *SyncEngine) recordError(se SyncError) {
	if se.At.IsZero() {
		se.At = e.clock.Now()
	}
	e.mu.Lock()
	e.errors.add(se)
	e.mu.Unlock()
}

func (e *SyncEngine) reportProgress(ctx context.Context) {
	counts := e.refreshCounts(ctx)
	e.mu.Lock()
	synced := e.synced
	e.mu.Unlock()
	e.emit(Event{Type: EventProgress, Progress: &Progress{
		Synced:  synced,
		Pending: counts.Pending + counts.InFlight,
		Failed:  counts.Failed,
	}})
}

// Snapshot returns the current status with fresh queue counts.
func (e *SyncEngine) Snapshot(ctx context.Context) Snapshot {
	counts := e.refreshCounts(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		IsOnline:     e.online,
		IsActive:     e.state == StateDraining,
		Running:      e.running,
		State:        e.state,
		Quality:      e.quality,
		PendingCount: counts.Pending + counts.InFlight,
		FailedCount:  counts.Failed,
		Errors:       e.errors.list(),
	}
	if !e.lastSync.IsZero() {
		last := e.lastSync
		s.LastSync = &last
	}
	return s
}

func (e *SyncEngine) localData(payload models.Payload) json.RawMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
