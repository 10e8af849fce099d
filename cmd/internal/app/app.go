// Package app wires the devicecap server runtime: config, logging, the
// session store, the HTTP gateway, and the realtime push endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"devicecap/cmd/internal/events"
	"devicecap/cmd/internal/realtime"
	"devicecap/cmd/internal/session"
	sessionapi "devicecap/cmd/internal/session/api"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Store kinds reported in logs and readiness.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// App is the devicecap server runtime.
type App struct {
	cfg Config
	log Logger

	store     session.Store
	storeKind string
	dbPool    *pgxpool.Pool

	svc *session.Service
	api *sessionapi.Handler
	hub *realtime.Hub
	ws  *realtime.WSGateway

	pub *events.Publisher

	registry *prometheus.Registry
	tracing  *Tracing
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	tracing, err := NewTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.OTLPInsecure)
	if err != nil {
		return nil, fmt.Errorf("app: tracing: %w", err)
	}
	tracing.SetGlobal()
	a.tracing = tracing

	var (
		sessMetrics *session.Metrics
		rtMetrics   *realtime.Metrics
	)
	if cfg.MetricsEnabled {
		a.registry = newRegistry()
		if sessMetrics, err = session.NewMetrics(a.registry); err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		if rtMetrics, err = realtime.NewMetrics(a.registry); err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
	}

	a.store, a.dbPool, a.storeKind, err = OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := []session.Option{
		session.WithLogger(log),
		session.WithMetrics(sessMetrics),
		session.WithTracer(tracing.Tracer()),
	}
	var notifiers session.Notifiers
	if cfg.PushEnabled {
		a.hub = realtime.NewHub(log, rtMetrics)
		notifiers = append(notifiers, a.hub)
	}
	if cfg.Events.Enabled() {
		if a.pub, err = events.NewPublisher(log, cfg.Events); err != nil {
			return nil, fmt.Errorf("app: events: %w", err)
		}
		notifiers = append(notifiers, a.pub)
		log.Info("events.enabled", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}
	if len(notifiers) > 0 {
		opts = append(opts, session.WithNotifier(notifiers))
	}
	a.svc, err = session.NewService(cfg.Session, a.store, opts...)
	if err != nil {
		return nil, err
	}

	auth, err := sessionapi.NewAuthenticator(ctx, cfg.API.Auth, cfg.IsProduction(), nil)
	if err != nil {
		return nil, err
	}
	if _, dev := auth.(sessionapi.DevHeaderAuthenticator); dev {
		log.Warn("auth.dev_header.enabled", "hint", "X-User-Id is trusted; never use outside development")
	}

	a.api, err = sessionapi.NewHandler(log, cfg.API, auth, a.svc,
		sessionapi.WithHeartbeatInterval(cfg.Session.HeartbeatInterval))
	if err != nil {
		return nil, err
	}

	if a.hub != nil {
		a.ws, err = realtime.NewWSGateway(log, a.hub, auth, a.svc, cfg.WS)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// Service exposes the session service (used by CLI subcommands and tests).
func (a *App) Service() *session.Service { return a.svc }

// Handler returns the full middleware-wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRecovery(h, a.log)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and the idle sweeper and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	// Hijacked WebSocket connections ignore Shutdown; cancelling the base
	// context is what ends them.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"env", a.cfg.AppEnv,
		"store", a.storeKind,
		"max_devices", a.cfg.Session.MaxDevices,
		"idle_ttl", a.cfg.Session.IdleTTL,
		"push_enabled", a.ws != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.svc.RunSweeper(gctx, a.cfg.Session.SweepInterval)
	})

	if a.pub != nil {
		g.Go(func() error { return a.pub.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.close(closeCtx)

	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

// close releases the event publisher, store, pool, and tracer.
// Safe on a partially built App.
func (a *App) close(ctx context.Context) {
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.log.Warn("events.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.Warn("tracing.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OpenStore picks the session store: Postgres when DatabaseURL is set, bbolt
// when BoltPath is set, otherwise the in-memory store.
// The caller owns the returned pool, which is nil for non-Postgres stores.
func OpenStore(ctx context.Context, cfg Config, log Logger) (session.Store, *pgxpool.Pool, string, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, "", fmt.Errorf("app: postgres: %w", err)
		}
		st, err := session.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		log.Info("store.enabled", "kind", StorePostgres)
		return st, pool, StorePostgres, nil

	case cfg.BoltPath != "":
		st, err := session.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, nil, "", fmt.Errorf("app: bolt: %w", err)
		}
		log.Info("store.enabled", "kind", StoreBolt, "path", cfg.BoltPath)
		return st, nil, StoreBolt, nil

	default:
		log.Info("store.enabled", "kind", StoreMemory, "hint", "sessions are lost on restart")
		return session.NewMemoryStore(), nil, StoreMemory, nil
	}
}
