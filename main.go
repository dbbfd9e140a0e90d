package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/pliu/duet/internal/auth"
	"github.com/pliu/duet/internal/chat"
	"github.com/pliu/duet/internal/config"
	"github.com/pliu/duet/internal/handlers"
	"github.com/pliu/duet/internal/presence"
	"github.com/pliu/duet/internal/store/backend"
	"github.com/pliu/duet/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	// Initialize Database
	store, err := backend.Open(cfg.StoreDriver, cfg.StoreDSN, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		log.Info("Closing store...")
		if err := store.Close(); err != nil {
			log.Error("Failed to close store", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize WebSocket Hub
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	tracker := presence.NewTracker(log, store)
	pipeline := chat.NewPipeline(log, store, tracker, hub)
	wsServer := ws.NewServer(log, hub, pipeline, tracker, ws.Options{
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
		ReadOnForward:  cfg.ReadOnForward,
	})

	// Initialize Handlers
	router := &handlers.Router{
		Auth:      &handlers.AuthHandler{Store: store, Tokens: tokens, Log: log},
		Chat:      &handlers.ChatHandler{Store: store, Pipeline: pipeline, Presence: tracker, Log: log},
		Health:    &handlers.HealthHandler{Store: store, Hub: hub, Online: tracker.Online, Log: log},
		Websocket: wsServer.HandleChat,
		Tokens:    tokens,
		Log:       log,
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}

	// Stopping the hub closes every session; each one marks its user offline
	// before the store is closed.
	stopHub()
	if err := wsServer.Wait(shutdownCtx); err != nil {
		log.Warn("Sessions still open at shutdown", "error", err)
	}
	log.Info("Server stopped")
	return nil
}
