// Package app wires the store, queue, engine and status API together and
// manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/candlefish/paintbox-sync/internal/config"
	"github.com/candlefish/paintbox-sync/internal/db"
	"github.com/candlefish/paintbox-sync/internal/logging"
	"github.com/candlefish/paintbox-sync/internal/netmon"
	"github.com/candlefish/paintbox-sync/internal/status"
	syncpkg "github.com/candlefish/paintbox-sync/internal/sync"
	"github.com/candlefish/paintbox-sync/internal/sync/conflict"
	"github.com/candlefish/paintbox-sync/internal/sync/queue"
	"github.com/candlefish/paintbox-sync/internal/transport"
	"github.com/candlefish/paintbox-sync/internal/transport/httpx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// App represents the application instance.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	db        *db.DB
	store     *db.Store
	queue     *queue.SyncQueue
	monitor   *netmon.Monitor
	engine    *syncpkg.SyncEngine
	hub       *status.Hub
	server    *http.Server

	unsubscribe func()

	mu       sync.Mutex
	addr     string
	closeErr error
	closed   sync.Once
}

// New creates a new application instance. The database is opened and
// migrated; nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	logCloser, err := logging.Init(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := slog.Default()

	database, err := db.Open(cfg.Store.Path)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		logCloser.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	a := &App{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
		db:        database,
	}
	if err := a.wire(); err != nil {
		database.Close()
		logCloser.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.config

	a.store = db.NewStore(a.db.DB, db.WithRetries(cfg.Store.Retries, cfg.Store.RetryDelay))
	a.queue = queue.NewSyncQueue(a.store, queue.Config{
		BaseDelay:           cfg.Queue.BaseDelay,
		MaxDelay:            cfg.Queue.MaxDelay,
		MaxAttempts:         cfg.Queue.MaxAttempts,
		ConflictMaxAttempts: cfg.Conflict.MaxAttempts,
		AuditTrailSize:      cfg.Queue.AuditTrailSize,
	}, queue.WithLogger(a.logger))

	resolver, err := conflict.NewResolver(conflict.ResolutionStrategy(cfg.Conflict.Strategy))
	if err != nil {
		return fmt.Errorf("create conflict resolver: %w", err)
	}

	a.monitor = newMonitor(cfg.Network, a.logger)

	var ropts []transport.RegistryOption
	if cfg.Breaker.Enabled {
		ropts = append(ropts, transport.WithBreakers(transport.BreakerSettings{
			MaxRequests:  cfg.Breaker.MaxRequests,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
		}))
	}
	registry := transport.NewRegistry(ropts...)
	for _, t := range cfg.TransportTypes() {
		tc := cfg.Transports[string(t)]
		if err := registry.Register(t, httpx.New(tc.URL, httpx.WithToken(tc.Token))); err != nil {
			return fmt.Errorf("register transport %s: %w", t, err)
		}
	}
	if len(registry.Types()) == 0 {
		a.logger.Warn("no transports configured, queued items will fail as fatal")
	}

	a.engine = syncpkg.NewSyncEngine(a.queue, a.store, a.monitor, registry, syncpkg.Config{
		Concurrency:         cfg.Engine.Concurrency,
		RequestTimeout:      cfg.Engine.RequestTimeout,
		MaxErrors:           cfg.Engine.MaxErrors,
		ConflictHistorySize: cfg.Conflict.HistorySize,
		PoorQualityRate:     cfg.Engine.PoorQualityRate,
	}, syncpkg.WithLogger(a.logger), syncpkg.WithResolver(resolver))

	a.hub = status.NewHub(a.logger)
	a.unsubscribe = a.engine.Subscribe(a.hub.Publish)

	a.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.setupRouter(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	return nil
}

// newMonitor probes the configured URL. Without one, the device is treated
// as always online.
func newMonitor(cfg config.NetworkConfig, logger *slog.Logger) *netmon.Monitor {
	mcfg := netmon.Config{
		StableDuration: cfg.StableDuration,
		ProbeInterval:  cfg.ProbeInterval,
		ProbeTimeout:   cfg.ProbeTimeout,
	}
	if cfg.ProbeURL == "" {
		return netmon.New(mcfg, nil,
			netmon.WithLogger(logger),
			netmon.WithInitialStatus(true, netmon.QualityGood))
	}
	return netmon.New(mcfg, netmon.NewHTTPProber(cfg.ProbeURL), netmon.WithLogger(logger))
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(status.RequestLogger(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	status.NewHandler(a.engine, a.hub).RegisterRoutes(r)
	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", "error", err)
		status.Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	status.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Run starts the network monitor, the engine, the event hub and the HTTP
// server, and blocks until ctx is cancelled or the server fails. The engine
// is stopped gracefully before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.config.Server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	if err := a.engine.Start(gctx); err != nil {
		ln.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("starting server", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.stop()
	})

	return g.Wait()
}

func (a *App) stop() error {
	a.logger.Info("stopping sync engine")
	a.engine.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// Shutdown stops anything still running and releases the database and the
// log file. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.closed.Do(func() {
		var errs []error

		a.engine.Stop()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		a.unsubscribe()

		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Addr returns the address the server listens on once Run has started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Engine returns the sync engine.
func (a *App) Engine() *syncpkg.SyncEngine {
	return a.engine
}

// Queue returns the durable queue.
func (a *App) Queue() *queue.SyncQueue {
	return a.queue
}

// Monitor returns the connectivity monitor.
func (a *App) Monitor() *netmon.Monitor {
	return a.monitor
}
