// Package app wires the chatsync daemon: config, logging, the authority client,
// the inbound event stream, reconciliation, caching and the local HTTP and
// WebSocket surface.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"chatsync/cmd/internal/backend"
	"chatsync/cmd/internal/coordinator"
	"chatsync/cmd/internal/gateway"
	"chatsync/cmd/internal/livestream"
	"chatsync/cmd/internal/reconcile"
	"chatsync/cmd/internal/snapshot"
	"chatsync/cmd/internal/telemetry"
	"chatsync/cmd/internal/versions"
)

// App owns every long-lived component and the HTTP server that exposes them.
type App struct {
	cfg Config
	log Logger

	reg     *prometheus.Registry
	metrics *telemetry.Metrics

	pool    *pgxpool.Pool
	closers []func() error

	backend backend.Backend
	// mem is set in memory mode; it is also the event transport.
	mem *backend.Memory

	mux     *livestream.Multiplexer
	cache   *snapshot.Cache
	coord   *coordinator.Coordinator
	engine  *reconcile.Engine
	gateway *gateway.Gateway
}

// New constructs a fully wired App from config and logger. ctx bounds the
// startup work (database dial, schema creation).
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.New(reg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, reg: reg, metrics: metrics}

	transport, err := a.newBackend()
	if err != nil {
		return nil, err
	}
	persister, err := a.newPersister(ctx)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	a.cache = snapshot.New(snapshot.Options{
		Capacity:  cfg.CacheCapacity,
		TTL:       cfg.CacheTTL,
		Persister: persister,
		Logger:    log,
		Metrics:   metrics,
	})
	a.coord = coordinator.New(log)
	a.mux = livestream.New(livestream.Options{
		Transport:  transport,
		Backoff:    cfg.ReconnectBackoff,
		AlertAfter: cfg.ReconnectAlertAfter,
		Logger:     log,
		Metrics:    metrics,
	})
	a.engine = reconcile.New(reconcile.Options{
		Backend:       a.backend,
		Multiplexer:   a.mux,
		Tree:          versions.NewTree(log, time.Now),
		Cache:         a.cache,
		Coordinator:   a.coord,
		VerifyTimeout: cfg.VerifyTimeout,
		Logger:        log,
		Metrics:       metrics,
	})
	a.gateway = gateway.New(log, a.engine, a.mux, a.coord, gateway.Options{
		SendQueueSize:  cfg.WSSendQueue,
		OriginRequired: cfg.WSOriginRequired,
		AllowedOrigins: cfg.WSAllowedOrigins,
		RateEvents:     cfg.WSRateEvents,
		RateWindow:     cfg.WSRateWindow,
	})
	return a, nil
}

// Run restores the cache, then runs the event stream, the cache writer and
// the HTTP server until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.cache.Load(ctx); err != nil {
		a.log.Warn("cache.load.fail", "err", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.mux.Run(gctx) })
	g.Go(func() error { return a.cache.Run(gctx) })
	g.Go(func() error {
		a.log.Info("server.start",
			"addr", a.cfg.HTTPAddr,
			"base_url", runtimeBaseURL(a.cfg.HTTPAddr),
			"backend", a.cfg.Backend,
			"db_enabled", a.pool != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	a.engine.Close()
	a.mux.Close()
	a.closeResources()
}

// closeResources releases the authority and persistence resources in reverse
// order of acquisition.
func (a *App) closeResources() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

// newBackend picks the authority and returns the transport of its event stream.
func (a *App) newBackend() (livestream.Transport, error) {
	if a.cfg.Backend == BackendMemory {
		mem := backend.NewMemory(backend.MemoryOptions{
			Delay:    a.cfg.MemoryDelay,
			Provider: "memory",
			Model:    "echo",
			Logger:   a.log,
		})
		a.mem, a.backend = mem, mem
		a.closers = append(a.closers, func() error {
			mem.Close()
			return nil
		})
		a.log.Info("backend.memory.enabled")
		return mem, nil
	}

	client, err := backend.NewHTTPClient(a.cfg.BackendURL, backend.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.backend = client

	streamURL := a.cfg.EventStreamURL()
	a.log.Info("backend.http.enabled",
		"backend_url", a.cfg.BackendURL,
		"stream_url", streamURL,
		"transport", a.cfg.StreamTransport,
	)
	if a.cfg.StreamTransport == TransportNDJSON {
		return livestream.NDJSONTransport{URL: streamURL, Client: &http.Client{}}, nil
	}
	return livestream.WebSocketTransport{URL: streamURL}, nil
}

// newPersister prefers Postgres, then a local bbolt file. With neither the
// cache lives only in memory.
func (a *App) newPersister(ctx context.Context) (snapshot.Persister, error) {
	switch {
	case a.cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		p, err := snapshot.NewPostgresPersister(pool, snapshot.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if err := p.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.log.Info("cache.persist.postgres", "schema", a.cfg.DBSchema)
		return p, nil

	case a.cfg.CachePath != "":
		p, err := snapshot.OpenBolt(a.cfg.CachePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		a.log.Info("cache.persist.bolt", "path", a.cfg.CachePath)
		return p, nil

	default:
		a.log.Info("cache.persist.disabled")
		return nil, nil
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
