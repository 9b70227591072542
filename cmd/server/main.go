package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/api"
	"plugin-warden/internal/config"
	"plugin-warden/internal/manager"
	"plugin-warden/internal/monitor"
	"plugin-warden/internal/storage"
)

func main() {
	// .env is optional; real deployments set variables directly.
	_ = godotenv.Load()

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	applyEnvOverrides(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopTracing, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := stopTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("trace flush on shutdown failed")
		}
	}()

	// Initialize database (optional, the registry runs in memory without it)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, persistence and audit logging disabled")
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("schema migration failed")
			}
		}
	}

	// Only hand the manager concrete values: a nil *storage.DB inside a
	// non-nil interface would defeat its nil checks.
	opts := manager.Options{}
	if db != nil {
		opts.Store = db

		auditWriter := storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		opts.Auditor = auditWriter
	}

	mgr, err := manager.New(ctx, cfg, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize plugin manager")
	}

	// Periodic resource sweep: metrics and over-limit logging only.
	// Enforcement stays with the limits applied at spawn time.
	if cfg.Monitor.SweepEnabled {
		go runSweep(ctx, mgr, cfg.Monitor.SweepInterval)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, mgr, db)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("manager close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Strs("backends", mgr.Backends()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func applyEnvOverrides(cfg *config.Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		} else {
			log.Warn().Str("port", port).Msg("ignoring invalid PORT override")
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if dir := os.Getenv("PLUGIN_DIR"); dir != "" {
		cfg.Registry.PluginDir = dir
	}
	if keys := os.Getenv("WARDEN_API_KEYS"); keys != "" {
		cfg.Security.AllowedKeys = strings.Split(keys, ",")
	}
}

func runSweep(ctx context.Context, mgr *manager.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Monitor().Sweep(mgr.Metrics())
		}
	}
}
