package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/pairpad/backend/internal/api"
	"github.com/manpreetbhatti/pairpad/backend/internal/compaction"
	"github.com/manpreetbhatti/pairpad/backend/internal/config"
	"github.com/manpreetbhatti/pairpad/backend/internal/db"
	"github.com/manpreetbhatti/pairpad/backend/internal/room"
	"github.com/manpreetbhatti/pairpad/backend/internal/suggest"
	"github.com/manpreetbhatti/pairpad/backend/internal/ws"
)

const (
	exitError  = 1
	exitConfig = 2
)

func main() {
	if code, err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pairpad: %v\n", err)
		os.Exit(code)
	}
}

// run owns every resource so that deferred cleanup happens before exit
func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	logger := config.NewLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DatabasePath, logger)
	if err != nil {
		return exitError, fmt.Errorf("open database: %w", err)
	}
	defer func() {
		logger.Info("closing database")
		_ = database.Close()
	}()

	rooms := room.NewCoordinator(logger)
	go rooms.RunEviction(ctx, evictionInterval(cfg.RoomIdleTTL), cfg.RoomIdleTTL)

	compactor := compaction.New(database, compaction.Config{
		Interval:  cfg.HistoryInterval,
		Threshold: cfg.HistoryThreshold,
		Keep:      cfg.HistoryKeep,
	}, logger)
	compactor.Start(ctx)
	defer compactor.Stop()

	sessions := ws.NewServer(rooms, database, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins(),
		EditsPerSecond: cfg.EditsPerSecond,
		EditBurst:      cfg.EditBurst,
	}, logger)

	handlers := api.New(rooms, database, suggest.New(cfg.SuggestionPlaceholder), http.HandlerFunc(sessions.ServeRoom), api.Options{
		AllowedOrigins:  cfg.AllowedOrigins(),
		CreatePerMinute: cfg.CreatePerMinute,
	}, logger)
	defer handlers.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errChan:
		return exitError, fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}

	logger.Info("server stopped")
	return 0, nil
}

// Sweep a few times per TTL, but not more than once a second
func evictionInterval(ttl time.Duration) time.Duration {
	return max(ttl/4, time.Second)
}
