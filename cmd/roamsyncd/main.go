package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/roamplan/roamsync/internal/api"
	"github.com/roamplan/roamsync/internal/config"
	"github.com/roamplan/roamsync/internal/revision"
	"github.com/roamplan/roamsync/internal/revision/sqlite"
	"github.com/roamplan/roamsync/internal/server"
	"github.com/roamplan/roamsync/internal/session"
	"github.com/roamplan/roamsync/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "roamsync.yaml", "path to config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("roamsyncd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	var backend revision.Backend
	switch cfg.Storage.Driver {
	case "sqlite":
		sqlBackend, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to open revision store: %v", err)
		}
		defer sqlBackend.Close()
		backend = sqlBackend
	default:
		backend = revision.NewMemoryBackend()
	}
	store := revision.NewStore(backend, revision.WithLogger(logger))

	client := api.NewClient(
		api.WithBaseURL(cfg.Backend.BaseURL),
		api.WithToken(cfg.Backend.Token),
	)

	core := session.New(client, store,
		session.WithLogger(logger),
		session.WithPollInterval(cfg.Sync.PollInterval),
		session.WithReconnectBaseDelay(cfg.Sync.ReconnectBaseDelay),
	)
	defer core.Disconnect()

	srv := server.New(cfg.Server.Port, core, logger, cfg.Server.AuthToken)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("roamsyncd starting",
		slog.Int("port", cfg.Server.Port),
		slog.String("backend", cfg.Backend.BaseURL),
		slog.String("storage", cfg.Storage.Driver),
	)

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("roamsyncd shutdown complete")
}
