package app

import (
	"context"
	"net/http"
	"time"
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.storeKind == StoreMemory {
			http.Error(w, "durable store not configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			a.log.Info("readyz.store.not_ready", "store", a.storeKind, "err", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.registry != nil {
		mux.Handle("/metrics", metricsHandler(a.registry))
	}

	a.api.Register(mux)

	if a.ws != nil {
		mux.Handle("/ws", a.ws)
	}
}
