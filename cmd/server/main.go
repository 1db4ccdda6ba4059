package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"roomchat/internal/server"
	"roomchat/internal/store"
)

// Exit codes give a meaningful status to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// main is a thin wrapper so deferred cleanup in run always executes
	// before the process exits.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomchat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LoggerLevel()}))

	db, err := store.Open(cfg.DataDir, log)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("closing database")
		_ = db.Close()
	}()

	messages, err := store.NewMessageStore(db, log)
	if err != nil {
		return exitRuntime, fmt.Errorf("message store: %w", err)
	}
	defer func() {
		_ = messages.Close()
	}()
	profiles := store.NewProfileStore(db, log)

	hub := server.NewHub(server.NewRoomRegistry(), messages, log)
	go hub.Run()

	handlers := server.NewHandlers(hub, messages, profiles, log)
	httpServer := server.CreateServer(cfg.Port, server.NewRouter(handlers))

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Port)
		serverErr <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Error("hub shutdown error", "error", err)
	}

	log.Info("shutdown complete")
	return exitOK, nil
}
