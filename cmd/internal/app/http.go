package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/cmd/internal/backend"
)

// Handler returns the full HTTP surface with middleware applied.
func (a *App) Handler() http.Handler {
	var h http.Handler = a.routes()
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	return WithRequestID(h)
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	api := &conversationAPI{engine: a.engine, coord: a.coord}
	api.register(mux)

	mux.Handle("/ws", a.gateway)

	if a.mem != nil {
		backend.NewHandler(a.mem, a.mem, a.log).Register(mux, "/authority")
	}
	return mux
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}
	if a.cfg.ReadinessRequireStream {
		if st := a.mux.Connection(); !st.Connected {
			http.Error(w, "event stream not connected", http.StatusServiceUnavailable)
			a.log.Info("readyz.stream.not_ready", "failures", st.Failures, "last_error", st.LastError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
