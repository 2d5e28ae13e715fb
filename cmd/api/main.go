package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"

	"notesuite/api/internal/app"
	"notesuite/api/internal/collab"
	"notesuite/api/internal/config"
	"notesuite/api/internal/presence"
	"notesuite/api/internal/search"
	"notesuite/api/internal/store"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "notes api terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return exitRuntime, fmt.Errorf("database connection failed: %w", err)
	}
	defer func() {
		logger.Info("Closing database...")
		_ = db.Close()
	}()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return exitRuntime, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("Applied migrations", "versions", applied)
	}
	dataStore := store.NewPostgresStore(db)

	var broadcaster presence.Broadcaster = presence.NewLocalBroadcaster(cfg.WSSendBuffer)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBroadcaster, err := presence.NewRedisBroadcaster(cfg.RedisURL, logger)
		if err != nil {
			return exitRuntime, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("Mirroring collaboration events to Redis")
		broadcaster = presence.NewMirror(broadcaster, redisBroadcaster, func(env presence.Envelope, err error) {
			logger.Warn("mirror event to redis", "type", env.Type, "note_id", env.NoteID, "error", err)
		})
	}
	defer func() { _ = broadcaster.Close() }()

	var indexer search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With("component", "search"))
		defer meiliClient.Close()
		indexer = meiliClient
	}

	service := app.NewService(cfg, dataStore, broadcaster, indexer, logger)

	janitor := collab.NewJanitor(service.Registry(), cfg.SweepInterval, cfg.IdleTimeout, logger.With("component", "janitor"), service.Expire)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		if err := janitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session janitor stopped", "error", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.SocketOptions{
		WriteTimeout: cfg.WSWriteTimeout,
		SendBuffer:   cfg.WSSendBuffer,
	}, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Notes API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			stop()
			<-janitorDone
			return exitRuntime, fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	if err := httpServer.CloseSockets(shutdownCtx); err != nil {
		logger.Warn("closing websockets", "error", err)
	}
	<-janitorDone
	if closed := service.CloseSessions(shutdownCtx); len(closed) > 0 {
		logger.Info("Closed live sessions", "sessions", len(closed))
	}
	return exitOK, nil
}

