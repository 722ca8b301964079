// Command halgate runs the single-host LLM inference gateway: one GPU-locked
// worker behind a priority queue, a WebSocket chat surface with web search and
// long-term memory, and an admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/halgate/halgate/internal/config"
	"github.com/halgate/halgate/internal/engine"
	"github.com/halgate/halgate/internal/gateway"
	"github.com/halgate/halgate/internal/hardware"
	"github.com/halgate/halgate/internal/inferlog"
	"github.com/halgate/halgate/internal/memstore"
	otelPkg "github.com/halgate/halgate/internal/otel"
	"github.com/halgate/halgate/internal/queue"
	"github.com/halgate/halgate/internal/search"
	"github.com/halgate/halgate/internal/session"
	"github.com/halgate/halgate/internal/sessionstore"
	"github.com/halgate/halgate/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "settings.yaml", "path to settings.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load settings failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, cfg, logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, cfg config.Settings, logger *slog.Logger) error {
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	store, err := sessionstore.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return err
	}
	logger.Info("session store ready")

	var analytics *inferlog.Store
	if cfg.InferenceLogPath != "" {
		analytics, err = inferlog.Open(cfg.InferenceLogPath, logger)
		if err != nil {
			logger.Warn("inference log unavailable, continuing without analytics", "error", err)
		} else {
			defer analytics.Close()
		}
	}

	var mem *memstore.Store
	mem, err = memstore.New(memstore.Config{
		Host:           cfg.Vector.Host,
		Port:           cfg.Vector.Port,
		Collection:     cfg.Vector.Collection,
		Dimension:      cfg.Vector.Dimension,
		EmbeddingModel: cfg.Model.EmbeddingModel,
	}, cfg.Model.BaseURL, cfg.Model.APIKey, logger)
	if err != nil {
		logger.Warn("memory store unavailable, continuing without recall", "error", err)
		mem = nil
	} else if err := mem.EnsureCollection(ctx); err != nil {
		logger.Warn("memory collection unavailable, continuing without recall", "error", err)
		mem.Close()
		mem = nil
	} else {
		defer mem.Close()
	}

	monitor := hardware.NewMonitor(cfg.TelemetryCmd, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	q := queue.New(queue.Config{
		MaxSize:              cfg.Queue.MaxSize,
		StarvationPrevention: cfg.Queue.StarvationPrevention,
		AgingInterval:        cfg.Queue.AgingInterval(),
		DefaultPriority:      cfg.Queue.DefaultPriority,
	}, logger)

	worker := engine.NewWorker(q, engine.NewOpenAIRuntime(cfg.Model.BaseURL, cfg.Model.APIKey), engine.Config{
		Model:    cfg.Model.Model,
		Adapters: cfg.Model.Adapters,
	}, logger).WithHardware(monitor).WithMetrics(metrics).WithTracer(provider.Tracer)
	if analytics != nil {
		worker = worker.WithAnalytics(analytics)
	}
	worker.Start(ctx)
	defer worker.Stop()

	var archiver session.Archiver
	if mem != nil {
		archiver = mem
	}
	sessions := session.NewManager(store, worker, archiver, cfg.Priorities.Background, logger).WithMetrics(metrics)

	sweeper := session.NewSweeper(sessions, session.SweeperConfig{
		Interval: time.Duration(cfg.Sweep.IntervalSeconds) * time.Second,
		Idle:     time.Duration(cfg.Sweep.IdleSeconds) * time.Second,
		CronExpr: cfg.Sweep.Cron,
	}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	quota := search.NewQuotaLedger(cfg.Search.LimitsPath, cfg.Search.UsagePath)
	searcher := search.NewClient(os.Getenv("BRAVE_API_KEY"), quota, cfg.Search.ResultK, cfg.Search.MaxChars, logger).WithMetrics(metrics)

	gwCfg := gateway.Config{
		Engine:     worker,
		Sessions:   sessions,
		Store:      store,
		Search:     searcher,
		Hardware:   monitor,
		Queue:      q,
		Priorities: cfg.Priorities,
		Tracer:     provider.Tracer,
		MaxChars:   cfg.Search.MaxChars,
	}
	if mem != nil {
		gwCfg.Memory = mem
	}
	if analytics != nil {
		gwCfg.Analytics = analytics
	}

	gw := gateway.New(gwCfg, logger)

	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("settings watcher unavailable", "error", err)
	} else {
		go watchSettings(ctx, watcher, configPath, gw, searcher, logger)
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "model", cfg.Model.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchSettings applies the hot-reloadable subset on each valid change: the
// priority table and the search limits. Structural settings (bind address,
// database, model runtime) still need a restart; the log makes that explicit
// instead of applying half a config.
func watchSettings(ctx context.Context, watcher *config.Watcher, path string, gw *gateway.Server, searcher *search.Client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load(path)
			if err != nil {
				logger.Error("reloaded settings are invalid, keeping current config", "error", err)
				continue
			}
			gw.ApplySettings(next.Priorities, next.Search.MaxChars)
			searcher.UpdateLimits(next.Search.ResultK, next.Search.MaxChars)
			logger.Info("settings reloaded, structural changes need a restart",
				"path", path,
				"ui_priority", next.Priorities.UI,
				"result_k", next.Search.ResultK,
				"max_chars", next.Search.MaxChars)
		}
	}
}
