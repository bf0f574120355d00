package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"fordward_relay/config"
	"fordward_relay/handlers"
	"fordward_relay/protocol"
	"fordward_relay/relay"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	registry := relay.NewRegistry(logger.Named("registry"))
	hub := relay.NewHub(logger.Named("hub"))
	reaper := relay.NewReaper(registry, hub,
		cfg.RobotTimeout, cfg.ControlIdleTimeout,
		cfg.StaleSweepInterval, cfg.IdleSweepInterval,
		logger.Named("reaper"))
	reaper.Start()

	srv := &handlers.Server{
		Registry: registry,
		Hub:      hub,
		Cfg:      cfg,
		Log:      logger,
	}

	router := chi.NewRouter()

	// Status API
	router.Get("/", srv.Root)
	router.Get("/health", srv.Health)
	router.Get("/robots", srv.ListRobots)
	router.Get("/robots/{robotID}", srv.GetRobot)

	// WebSocket endpoints
	router.Get("/robot", srv.RobotWSHandler)
	router.Get("/ui", srv.UIWSHandler)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))

		hub.BroadcastAll(protocol.Event("server_shutdown", "", nil))
		reaper.Stop()
		// Shutdown below does not track hijacked WebSocket conns; give the
		// write pumps a chance to flush the farewell frame.
		hub.Shutdown(2 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	logger.Info("relay listening", zap.Int("port", cfg.Port))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
