package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clinical-codes-finder/internal/api"
	"github.com/clinical-codes-finder/internal/config"
	"github.com/clinical-codes-finder/internal/workflow"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := config.NewLogger(cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := workflow.NewRuntime(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialise services: %v", err)
	}
	defer runtime.Close()

	logger.WithField("llm_provider", runtime.Provider.Name()).Infof("Starting clinical codes finder on %s:%d", cfg.Server.Host, cfg.Server.Port)

	server := api.NewServer(configManager, runtime.Sessions, runtime.Lookup, logger)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Start server
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}

	logger.Info("Server stopped")
}
