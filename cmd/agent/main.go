package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	zap "go.uber.org/zap"

	server "github.com/agentfabric/runtime/server"
	config "github.com/agentfabric/runtime/server/config"
	otel "github.com/agentfabric/runtime/server/otel"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx, &config.Config{AgentVersion: Version})
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	opts := []server.ServerOption{}
	if cfg.TelemetryConfig.Enable {
		telemetry, err := otel.NewOpenTelemetry(cfg, logger)
		if err != nil {
			logger.Fatal("failed to initialize telemetry", zap.Error(err))
		}
		opts = append(opts, server.WithTelemetry(telemetry))
	}

	a2aServer, err := server.NewA2AServer(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Fatal("failed to create a2a server", zap.Error(err))
	}

	a2aServer.AttachInitialCapabilities(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a2aServer.Start(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := a2aServer.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
