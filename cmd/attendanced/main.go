package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendance-sync-backend/config"
	"attendance-sync-backend/internal/api"
	"attendance-sync-backend/internal/db"
	"attendance-sync-backend/internal/poller"
	"attendance-sync-backend/internal/reconcile"
	"attendance-sync-backend/internal/store"
	"attendance-sync-backend/internal/upstream"
)

func main() {
	logger := log.New(os.Stdout, "attendance-sync ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	if cfg.Upstream.BaseURL == "" || cfg.Upstream.Username == "" {
		logger.Fatalf("upstream base_url and credentials must be configured")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	client, err := upstream.NewClient(&cfg.Upstream)
	if err != nil {
		logger.Fatalf("failed to initialize upstream client: %v", err)
	}

	engine := reconcile.NewEngine(appStore, &cfg.Reconcile, client.Location())

	syncSvc := poller.NewService(cfg, appStore, client, engine)
	if cfg.Poller.Enabled {
		syncSvc.Start(ctx)
	} else {
		logger.Println("pollers are disabled; start them via POST /api/sync/start")
	}

	// Log health transitions published by the watchdog.
	go func() {
		for ev := range syncSvc.HealthEvents() {
			logger.Printf("health: poller=%s status=%s restarted=%t", ev.Poller, ev.Status, ev.Restarted)
		}
	}()

	router := api.NewRouter(&cfg.Server, appStore, syncSvc)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	syncSvc.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
