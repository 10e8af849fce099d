package app

import (
	"context"
	"time"

	"devicecap/cmd/internal/session"
)

// Serve loads configuration from the environment and runs the server until
// ctx is cancelled. It returns an error instead of exiting so defers run.
func Serve(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}

// SweepOnce runs a single idle-reclamation pass against the configured store.
// idleTTL, when > 0, overrides DEVICECAP_SESSION_IDLE_TTL.
func SweepOnce(ctx context.Context, idleTTL time.Duration) (int, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return 0, err
	}
	if idleTTL > 0 {
		cfg.Session.IdleTTL = idleTTL
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	st, pool, kind, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
	}()

	svc, err := session.NewService(cfg.Session, st, session.WithLogger(log))
	if err != nil {
		return 0, err
	}
	n, err := svc.ReclaimIdle(ctx)
	if err != nil {
		return n, err
	}
	log.Info("session.sweep.done", "ended", n, "idle_ttl", cfg.Session.IdleTTL, "store", kind)
	return n, nil
}
