// Package bootstrap turns a loaded config into the broker, store, event and
// worker components shared by the api and worker services.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/imagejobs/internal/artifact"
	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/config"
	"github.com/cuongbtq/imagejobs/internal/events"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/cuongbtq/imagejobs/internal/worker"
	"github.com/cuongbtq/imagejobs/shared/database"
	"github.com/cuongbtq/imagejobs/shared/logger"
	"github.com/cuongbtq/imagejobs/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/imagejobs/shared/redis"
	"github.com/cuongbtq/imagejobs/shared/s3"
)

// Backends are the opened broker and store plus the connections behind them
type Backends struct {
	Broker broker.Broker
	Store  store.Store

	closers []func() error
}

// Close releases the broker, the store and their connections in reverse open order
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// OpenBackends connects the configured broker and store. SQL backends share
// one database client and create their tables on first use.
func OpenBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backends, error) {
	b := &Backends{}

	var dbClient *database.Client
	if cfg.Broker.Driver == config.BrokerSQL || cfg.Store.Driver == config.StoreSQL {
		client, err := InitDatabase(&cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		dbClient = client
		b.closers = append(b.closers, client.Close)
	}

	switch cfg.Store.Driver {
	case config.StoreSQL:
		s := store.NewSQLStore(dbClient)
		if err := s.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to prepare job store: %w", err)
		}
		b.Store = s
	case config.StoreMemory:
		b.Store = store.NewMemoryStore()
	default:
		b.Close()
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
	b.closers = append(b.closers, b.Store.Close)

	switch cfg.Broker.Driver {
	case config.BrokerRedis:
		client, err := sharedredis.NewClient(ctx, &sharedredis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		b.Broker = broker.NewRedisBroker(client, cfg.Broker.KeyPrefix)
	case config.BrokerSQL:
		sb := broker.NewSQLBroker(dbClient)
		if err := sb.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to prepare queue tables: %w", err)
		}
		b.Broker = sb
	case config.BrokerMemory:
		b.Broker = broker.NewMemoryBroker()
	default:
		b.Close()
		return nil, fmt.Errorf("unsupported broker driver: %q", cfg.Broker.Driver)
	}
	b.closers = append(b.closers, b.Broker.Close)

	log.Info("Backends ready",
		slog.String("broker", cfg.Broker.Driver),
		slog.String("store", cfg.Store.Driver),
	)
	return b, nil
}

// InitDatabase initializes the SQL database client
func InitDatabase(cfg *config.DatabaseConfig, log *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, log)
}

// InitRabbitMQ initializes the RabbitMQ client. With consume set the
// configured queue is declared and bound; otherwise the client only publishes.
func InitRabbitMQ(cfg *config.RabbitMQConfig, consume bool, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(rabbitConfig(cfg, consume), log)
}

func rabbitConfig(cfg *config.RabbitMQConfig, consume bool) *rabbitmq.Config {
	rc := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
	if consume {
		rc.QueueName = cfg.Queue.Name
		if rc.QueueName == "" {
			rc.QueueName = "auto"
		}
		rc.QueueDurable = cfg.Queue.Durable
		rc.QueueAutoDelete = cfg.Queue.AutoDelete
		rc.QueueExclusive = cfg.Queue.Exclusive
		rc.PrefetchCount = cfg.Consumer.PrefetchCount
	}
	return rc
}

// InitUploader returns the MinIO uploader when artifact mirroring is enabled
func InitUploader(ctx context.Context, cfg *config.ArtifactConfig, log *slog.Logger) (artifact.Uploader, error) {
	if !cfg.Enabled {
		return artifact.Noop{}, nil
	}

	storage, err := s3.NewClient(&s3.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	if err := storage.EnsureBucket(ctx, cfg.Region, log); err != nil {
		return nil, fmt.Errorf("failed to prepare artifact bucket: %w", err)
	}

	log.Info("Artifact mirroring enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
		slog.String("prefix", cfg.Prefix),
	)
	return artifact.NewMinIOUploader(storage, cfg.Prefix), nil
}

// NewWorker builds the worker pool from config
func NewWorker(cfg *config.Config, b *Backends, publisher events.Publisher, uploader artifact.Uploader, log *slog.Logger) *worker.Worker {
	w := cfg.Worker
	return worker.NewWorker(&worker.Config{
		Logger:            log,
		Broker:            b.Broker,
		Store:             b.Store,
		Publisher:         publisher,
		Uploader:          uploader,
		Executor:          worker.NewProcessExecutor(w.ProcessorPath, w.JobTimeout),
		WorkerID:          w.ID,
		Concurrency:       w.Concurrency,
		JobTimeout:        w.JobTimeout,
		LeaseDuration:     w.LeaseDuration,
		HeartbeatInterval: w.HeartbeatInterval,
		PollInterval:      w.PollInterval,
		MaxPollInterval:   w.MaxPollInterval,
		ResultsDir:        w.ResultsDir,
		OutputExt:         w.OutputExt,
	})
}

// NewMaintenance builds the lease reclaim and retention scheduler
func NewMaintenance(cfg *config.Config, b *Backends, log *slog.Logger) *worker.Maintenance {
	return worker.NewMaintenance(b.Broker, b.Store, worker.MaintenanceConfig{
		ReclaimSchedule:   cfg.Worker.ReclaimSchedule,
		RetentionSchedule: cfg.Retention.Schedule,
		RetentionMaxAge:   cfg.Retention.MaxAge,
	}, log)
}
