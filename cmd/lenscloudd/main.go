// Command lenscloudd is the main entry point for the lenscloud control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lenslab/lenscloud/internal/auth"
	"github.com/lenslab/lenscloud/internal/config"
	"github.com/lenslab/lenscloud/internal/observe"
	"github.com/lenslab/lenscloud/internal/resilience"
	"github.com/lenslab/lenscloud/internal/server"
	"github.com/lenslab/lenscloud/internal/session"
	"github.com/lenslab/lenscloud/internal/store"
	"github.com/lenslab/lenscloud/internal/store/postgres"
	"github.com/lenslab/lenscloud/internal/transcription"
	"github.com/lenslab/lenscloud/pkg/asr"
	"github.com/lenslab/lenscloud/pkg/asr/azure"
	"github.com/lenslab/lenscloud/pkg/asr/soniox"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lenscloudd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lenscloudd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lenscloud starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lenscloud",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metric instruments", "err", err)
		return 1
	}

	// ── Persistence ───────────────────────────────────────────────────────────
	users, apps, ready, closeStore, err := buildStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Transcription providers ───────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build transcription providers", "err", err)
		return 1
	}

	// ── Token verification ────────────────────────────────────────────────────
	verifier, err := auth.NewVerifier(cfg.Auth.Secret)
	if err != nil {
		slog.Error("failed to initialise token verifier", "err", err)
		return 1
	}

	// ── Session registry ──────────────────────────────────────────────────────
	registry := session.NewRegistry(session.Deps{
		Cfg:       cfg,
		Users:     users,
		Apps:      apps,
		Providers: providers,
		Limiter:   transcription.NewStreamLimiter(cfg.Transcription.MaxTotalStreams),
		Breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name: "transcription",
		}),
		Metrics: metrics,
		Log:     logger,
	})
	defer registry.DisposeAll()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Options{
		Cfg:      cfg,
		Registry: registry,
		Verifier: verifier,
		Users:    users,
		Apps:     apps,
		Metrics:  metrics,
		Ready:    ready,
		Log:      logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// buildStores selects the persistence backend: postgres when a DSN is
// configured, the in-memory store otherwise.
func buildStores(ctx context.Context, cfg *config.Config) (store.UserStore, store.AppStore, func(context.Context) error, func(), error) {
	if cfg.Postgres.DSN == "" {
		slog.Warn("no postgres dsn configured, using in-memory store")
		mem := store.NewMemStore()
		return mem, mem, nil, func() {}, nil
	}

	pg, err := postgres.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("postgres connected")
	return pg, pg, pg.Ping, pg.Close, nil
}

// buildProviders instantiates the configured transcription providers,
// preferring the configured default as the first failover candidate.
func buildProviders(cfg *config.Config) ([]asr.Provider, error) {
	var providers []asr.Provider

	if cfg.Providers.Azure.Key != "" {
		var opts []azure.Option
		if cfg.Providers.Azure.Endpoint != "" {
			opts = append(opts, azure.WithEndpoint(cfg.Providers.Azure.Endpoint))
		}
		p, err := azure.New(cfg.Providers.Azure.Key, cfg.Providers.Azure.Region, opts...)
		if err != nil {
			return nil, fmt.Errorf("create azure provider: %w", err)
		}
		providers = append(providers, p)
		slog.Info("provider created", "kind", "transcription", "name", "azure")
	}

	if cfg.Providers.Soniox.APIKey != "" {
		var opts []soniox.Option
		if cfg.Providers.Soniox.Endpoint != "" {
			opts = append(opts, soniox.WithEndpoint(cfg.Providers.Soniox.Endpoint))
		}
		p, err := soniox.New(cfg.Providers.Soniox.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("create soniox provider: %w", err)
		}
		providers = append(providers, p)
		slog.Info("provider created", "kind", "transcription", "name", "soniox")
	}

	if len(providers) == 0 {
		slog.Warn("no transcription providers configured; transcription subscriptions will fail")
		return nil, nil
	}

	// Put the configured default first; stream creation walks the slice in
	// order when all providers are equally healthy.
	def := string(cfg.Transcription.DefaultProvider)
	for i, p := range providers {
		if p.Name() == def && i != 0 {
			providers[0], providers[i] = providers[i], providers[0]
		}
	}
	return providers, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
