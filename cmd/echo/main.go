package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/echo-chamber/internals/config"
	"github.com/adityaadpandey/echo-chamber/internals/engine"
	"github.com/adityaadpandey/echo-chamber/internals/utils"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	defer logger.Sync()
	logger.Info("Starting echo chamber server")

	server, err := engine.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create echo chamber server", zap.Error(err))
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("Echo chamber server failed", zap.Error(err))
	}
	logger.Info("Echo chamber server stopped")
}
