package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/armorclaw/wsbridge/pkg/config"
	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/eventbus"
	"github.com/armorclaw/wsbridge/pkg/host"
	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
	"github.com/armorclaw/wsbridge/pkg/rpc"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

// runServe wires the process: diagnostics, metrics, the event bus, the
// host controller and the control socket. It blocks until SIGINT/SIGTERM.
func runServe(cliCfg cliConfig) error {
	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	base := logger.Global()
	log := base.WithComponent("main")

	log.Info("starting wsbridge", "build_time", buildTime)

	var store *errsys.Store
	if cfg.Diagnostics.StorePath != "" {
		store, err = errsys.NewStore(errsys.StoreConfig{Path: cfg.Diagnostics.StorePath})
		if err != nil {
			log.Warn("diagnostics store unavailable, not persisting", "path", cfg.Diagnostics.StorePath, "error", err)
			store = nil
		} else {
			defer store.Close()
		}
	}
	reporter := errsys.NewReporter(errsys.ReporterConfig{
		Logger:   base,
		Sampling: errsys.NewSamplingRegistry(errsys.SamplingConfig{RateLimitWindow: cfg.DiagnosticsWindow()}),
		Store:    store,
	})

	collector := metrics.New("wsbridge")

	bus := eventbus.New(eventbus.Config{
		MaxBacklog: cfg.Events.MaxBacklog,
		Logger:     base,
		Metrics:    collector,
	})
	defer bus.Close()

	ctrl := host.New(host.Config{
		Base: serverOptions(cfg),
		Bus:  bus,
		Discovery: host.DiscoveryConfig{
			Enabled:      cfg.Discovery.Enabled,
			InstanceName: cfg.Discovery.InstanceName,
			Path:         cfg.Server.Path,
		},
		Logger:   base,
		Metrics:  collector,
		Reporter: reporter,
	})

	rpcSrv, err := rpc.New(rpc.Config{
		SocketPath:  cfg.Control.SocketPath,
		Backend:     ctrl,
		RateLimit:   cfg.Control.RateLimit,
		RateBurst:   cfg.Control.RateBurst,
		Logger:      base,
		Diagnostics: store,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rpcSrv.Serve(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, collector, ctrl, log) })
	}

	sched, err := startStatsJob(cfg.Diagnostics.StatsSchedule, collector, store, log)
	if err != nil {
		stop()
		g.Wait()
		return err
	}
	if sched != nil {
		defer sched.Stop()
	}

	if cfg.Server.AutoStart {
		addr, err := ctrl.Start(gctx, startParams(cfg))
		if err != nil {
			log.Error("auto start failed", "error", err)
		} else {
			log.Info("WebSocket server listening", "addr", addr.String())
		}
	}

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout()+time.Second)
	defer cancel()
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Warn("WebSocket server did not stop cleanly", "error", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("wsbridge stopped")
	return nil
}

// serverOptions maps the [server] section onto the options every started
// server inherits
func serverOptions(cfg *config.Config) wsserver.Options {
	opts := wsserver.DefaultOptions()
	opts.Host = cfg.Server.Host
	opts.Port = cfg.Server.Port
	opts.TCPNoDelay = cfg.Server.TCPNoDelay
	opts.MaxConnections = cfg.Server.MaxConnections
	opts.ReadLimit = cfg.Server.ReadLimit
	opts.PingInterval = cfg.PingInterval()
	opts.PongWait = cfg.PongWait()
	opts.WriteWait = cfg.WriteWait()
	opts.CloseTimeout = cfg.CloseTimeout()
	opts.StartTimeout = cfg.StartTimeout()
	opts.StopTimeout = cfg.StopTimeout()
	opts.SendBuffer = cfg.Server.SendBuffer
	opts.MaxIdentityAttempts = cfg.Server.MaxIdentityAttempts
	return opts
}

func startParams(cfg *config.Config) host.StartParams {
	noDelay := cfg.Server.TCPNoDelay
	return host.StartParams{
		Host:               cfg.Server.Host,
		Port:               cfg.Server.Port,
		Origins:            cfg.Server.Origins,
		Subprotocols:       cfg.Server.Subprotocols,
		RequireSubprotocol: cfg.Server.RequireSubprotocol,
		TCPNoDelay:         &noDelay,
	}
}

// newMetricsRouter serves Prometheus metrics and a JSON health view
func newMetricsRouter(collector *metrics.Collector, ctrl *host.Controller) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", collector.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := ctrl.Status()
		w.Header().Set("Content-Type", "application/json")
		if st.Phase == wsserver.PhaseFailed.String() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(st)
	})
	return r
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, ctrl *host.Controller, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsRouter(collector, ctrl),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startStatsJob logs a metrics snapshot on schedule and prunes resolved
// diagnostics. An empty schedule disables it.
func startStatsJob(schedule string, collector *metrics.Collector, store *errsys.Store, log *logger.Logger) (*cron.Cron, error) {
	if schedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		snap := collector.GetSnapshot()
		log.Info("connection stats",
			"active", snap["active"],
			"opened", snap["opened"],
			"closed", snap["closed"],
			"rejected", snap["rejected"],
			"messages_received", snap["messages_received"],
			"messages_sent", snap["messages_sent"],
			"commands_dropped", snap["commands_dropped"])

		if store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := store.Cleanup(ctx); err != nil {
			log.Warn("diagnostics cleanup failed", "error", err)
		} else if n > 0 {
			log.Info("pruned resolved diagnostics", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
