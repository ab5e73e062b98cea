package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/imagejobs/internal/api/handler"
	"github.com/cuongbtq/imagejobs/internal/api/router"
	"github.com/cuongbtq/imagejobs/internal/api/service"
	"github.com/cuongbtq/imagejobs/internal/bootstrap"
	"github.com/cuongbtq/imagejobs/internal/config"
	"github.com/cuongbtq/imagejobs/internal/events"
	"github.com/cuongbtq/imagejobs/internal/metrics"
	"github.com/cuongbtq/imagejobs/internal/worker"
	"github.com/cuongbtq/imagejobs/shared/rabbitmq"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker and job store
	backends, err := bootstrap.OpenBackends(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	recorder := metrics.NewRecorder(cfg.Metrics.Window)

	// Lifecycle events feed the completion/failure counters
	var (
		publisher    events.Publisher
		rabbitClient *rabbitmq.Client
	)
	if cfg.Events.Enabled {
		rabbitClient, err = bootstrap.InitRabbitMQ(&cfg.RabbitMQ, true, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")

		publisher = events.NewRabbitPublisher(rabbitClient, appLogger.Logger)
		subscriber := events.NewRabbitSubscriber(rabbitClient, cfg.RabbitMQ.Consumer.Tag, appLogger.Logger)
		go func() {
			if err := subscriber.Subscribe(ctx, metrics.EventHandler(recorder)); err != nil {
				appLogger.Error("Event consumer stopped",
					slog.Any("error", err),
				)
			}
		}()
	} else {
		bus := events.NewBus()
		bus.Handle(metrics.EventHandler(recorder))
		publisher = bus
	}

	// Queue size gauges
	sampler := metrics.NewSampler(backends.Broker, recorder, appLogger.Logger)
	if err := sampler.Start(ctx, cfg.Metrics.SampleSchedule); err != nil {
		return err
	}
	defer sampler.Stop()

	// Optional in-process worker pool
	var (
		embedded    *worker.Worker
		maintenance *worker.Maintenance
	)
	if cfg.Worker.Embedded {
		uploader, err := bootstrap.InitUploader(ctx, &cfg.Artifact, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize artifact storage: %w", err)
		}

		embedded = bootstrap.NewWorker(cfg, backends, publisher, uploader, appLogger.Logger)
		go func() {
			if err := embedded.Start(ctx); err != nil {
				appLogger.Error("Embedded worker failed",
					slog.Any("error", err),
				)
			}
		}()

		maintenance = bootstrap.NewMaintenance(cfg, backends, appLogger.Logger)
		if err := maintenance.Start(ctx); err != nil {
			return err
		}
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, backends, recorder)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	if embedded != nil {
		stopWorker(embedded, cfg.Worker.ShutdownTimeout, appLogger.Logger)
		maintenance.Stop()
	}
	cancel()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, backends *bootstrap.Backends, recorder *metrics.Recorder) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	jobs := service.NewJobService(service.Config{
		Broker:         backends.Broker,
		Store:          backends.Store,
		Metrics:        recorder,
		Logger:         logger,
		AllowedFilters: cfg.Jobs.AllowedFilters,
	})

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:   logger,
		Jobs:     jobs,
		Metrics:  recorder,
		Registry: metrics.NewRegistry(recorder),
	}

	// Setup router
	return router.SetupRouter(handlerDeps)
}

// stopWorker waits for running jobs up to timeout
func stopWorker(w *worker.Worker, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
}
