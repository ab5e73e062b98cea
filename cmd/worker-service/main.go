package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/imagejobs/internal/bootstrap"
	"github.com/cuongbtq/imagejobs/internal/config"
	"github.com/cuongbtq/imagejobs/internal/events"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("processor", cfg.Worker.ProcessorPath),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends, err := bootstrap.OpenBackends(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	// Lifecycle events go to the API over RabbitMQ when enabled
	var publisher events.Publisher = events.NewBus()
	if cfg.Events.Enabled {
		rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, false, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
		publisher = events.NewRabbitPublisher(rabbitClient, appLogger.Logger)
	}

	uploader, err := bootstrap.InitUploader(ctx, &cfg.Artifact, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	// Create worker instance
	workerInstance := bootstrap.NewWorker(cfg, backends, publisher, uploader, appLogger.Logger)

	maintenance := bootstrap.NewMaintenance(cfg, backends, appLogger.Logger)
	if err := maintenance.Start(ctx); err != nil {
		return err
	}
	defer maintenance.Stop()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop claiming; running jobs finish within the shutdown timeout
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
