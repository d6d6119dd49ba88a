package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/teledm/teledm/internal/api"
	"github.com/teledm/teledm/internal/config"
	"github.com/teledm/teledm/internal/database"
	"github.com/teledm/teledm/internal/downloader"
	"github.com/teledm/teledm/internal/logger"
	"github.com/teledm/teledm/internal/scheduler"
	"github.com/teledm/teledm/internal/scheduler/tasks"
	"github.com/teledm/teledm/internal/store"
	"github.com/teledm/teledm/internal/telegram"
	"github.com/teledm/teledm/internal/websocket"
)

func main() {
	// Optional .env for local development; environment wins over file values.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("logLevel", cfg.Logging.Level).
		Str("downloadPath", cfg.Downloads.Path).
		Msg("starting TeleDM")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	st := store.New(db.Conn(), log.Logger)

	fetcher := telegram.New(telegram.Config{
		APIURL:   cfg.Telegram.APIURL,
		BotToken: cfg.Telegram.BotToken,
	}, log.Logger)

	engine := downloader.New(downloader.Config{
		DownloadPath:  cfg.Downloads.Path,
		MaxConcurrent: cfg.Downloads.MaxConcurrent,
		RetryAttempts: cfg.Downloads.RetryAttempts,
		RetryDelay:    cfg.Downloads.RetryDelayDuration(),
	}, st, fetcher, log.Logger)

	hub := websocket.NewHub()
	go hub.Run()

	// Mirror engine lifecycle events onto the websocket feed.
	engine.Subscribe(func(event downloader.Event) {
		if err := hub.Broadcast(event.Type, event.Download); err != nil {
			log.Debug().Err(err).Str("event", event.Type).Msg("failed to broadcast event")
		}
	})

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Start(startCtx); err != nil {
		startCancel()
		log.Fatal().Err(err).Msg("failed to start download engine")
	}
	startCancel()

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := tasks.RegisterDBMaintenanceTask(sched, db, st, engine); err != nil {
		log.Fatal().Err(err).Msg("failed to register maintenance task")
	}
	if err := tasks.RegisterPartCleanupTask(sched, st, cfg.Downloads.Path); err != nil {
		log.Fatal().Err(err).Msg("failed to register cleanup task")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	server := api.NewServer(engine, hub, log.Logger)

	go func() {
		addr := cfg.Server.Address()
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown error")
	}

	log.Info().Msg("stopped")
}
