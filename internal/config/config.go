package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/imagejobs/internal/domain"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Broker drivers
const (
	BrokerRedis  = "redis"
	BrokerSQL    = "sql"
	BrokerMemory = "memory"
)

// Store drivers
const (
	StoreSQL    = "sql"
	StoreMemory = "memory"
)

// Database drivers
const (
	DatabasePostgres = "postgres"
	DatabaseSQLite   = "sqlite3"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Events    EventsConfig    `yaml:"events"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// BrokerConfig selects the queue backend
type BrokerConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StoreConfig selects the job record backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds SQL connection configuration shared by the SQL store and broker
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. An empty name makes the
// client publish-only.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// EventsConfig toggles lifecycle event fanout over RabbitMQ. When disabled
// events stay in process.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Embedded          bool          `yaml:"embedded"`
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPollInterval   time.Duration `yaml:"max_poll_interval"`
	ProcessorPath     string        `yaml:"processor_path"`
	ResultsDir        string        `yaml:"results_dir"`
	OutputExt         string        `yaml:"output_ext"`
	ReclaimSchedule   string        `yaml:"reclaim_schedule"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// RetentionConfig controls purging of finished job records. A zero max age disables it.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// MetricsConfig holds metrics aggregation settings
type MetricsConfig struct {
	SampleSchedule string `yaml:"sample_schedule"`
	Window         int    `yaml:"window"`
}

// ArtifactConfig holds object storage settings for mirroring results
type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// JobsConfig holds submission rules
type JobsConfig struct {
	AllowedFilters []string `yaml:"allowed_filters"`
}

// Load reads and parses the configuration file, then applies defaults and
// environment overrides
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Broker.Driver == "" {
		c.Broker.Driver = BrokerRedis
	}
	if c.Broker.KeyPrefix == "" {
		c.Broker.KeyPrefix = "imagejobs"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQL
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DatabasePostgres
	}
	if c.Database.Driver == DatabasePostgres {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "fanout"
	}

	w := &c.Worker
	if w.Concurrency == 0 {
		w.Concurrency = 4
	}
	if w.JobTimeout == 0 {
		w.JobTimeout = 60 * time.Second
	}
	if w.LeaseDuration == 0 {
		w.LeaseDuration = w.JobTimeout + 30*time.Second
	}
	if w.HeartbeatInterval == 0 {
		w.HeartbeatInterval = w.LeaseDuration / 3
	}
	if w.PollInterval == 0 {
		w.PollInterval = 200 * time.Millisecond
	}
	if w.MaxPollInterval == 0 {
		w.MaxPollInterval = 2 * time.Second
	}
	if w.ResultsDir == "" {
		w.ResultsDir = "results"
	}
	if w.OutputExt == "" {
		w.OutputExt = ".jpg"
	}
	if w.ShutdownTimeout == 0 {
		w.ShutdownTimeout = 30 * time.Second
	}

	if c.Metrics.SampleSchedule == "" {
		c.Metrics.SampleSchedule = "@every 5s"
	}
	if c.Metrics.Window == 0 {
		c.Metrics.Window = 1000
	}

	if len(c.Jobs.AllowedFilters) == 0 {
		c.Jobs.AllowedFilters = append([]string(nil), domain.DefaultFilters...)
	}
}

type envBinding struct {
	key string
	dst any
}

// applyEnvOverrides lets deployments change connection endpoints and pool
// sizing without editing the config file. Empty variables are ignored.
func (c *Config) applyEnvOverrides() error {
	bindings := []envBinding{
		{"REDIS_HOST", &c.Redis.Host},
		{"REDIS_PORT", &c.Redis.Port},
		{"REDIS_PASSWORD", &c.Redis.Password},

		{"RABBITMQ_HOST", &c.RabbitMQ.Host},
		{"RABBITMQ_PORT", &c.RabbitMQ.Port},
		{"RABBITMQ_USER", &c.RabbitMQ.User},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},

		{"DB_HOST", &c.Database.Host},
		{"DB_PORT", &c.Database.Port},
		{"DB_USER", &c.Database.User},
		{"DB_PASSWORD", &c.Database.Password},
		{"DB_NAME", &c.Database.Database},
		{"DB_PATH", &c.Database.Path},

		{"PROCESSOR_PATH", &c.Worker.ProcessorPath},
		{"RESULTS_DIR", &c.Worker.ResultsDir},
		{"WORKER_CONCURRENCY", &c.Worker.Concurrency},
		{"WORKER_JOB_TIMEOUT", &c.Worker.JobTimeout},
		{"WORKER_LEASE_DURATION", &c.Worker.LeaseDuration},

		{"MINIO_ACCESS_KEY", &c.Artifact.AccessKey},
		{"MINIO_SECRET_KEY", &c.Artifact.SecretKey},
	}

	v := viper.New()
	var errs []string
	for _, b := range bindings {
		if err := v.BindEnv(b.key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b.key, err)
		}
		raw := v.GetString(b.key)
		if raw == "" {
			continue
		}

		switch dst := b.dst.(type) {
		case *string:
			*dst = raw
		case *int:
			n, err := cast.ToIntE(raw)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", b.key, err))
				continue
			}
			*dst = n
		case *time.Duration:
			d, err := cast.ToDurationE(raw)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", b.key, err))
				continue
			}
			*dst = d
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment override: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the backend settings shared by every service
func (c *Config) Validate() error {
	usesSQL := false

	switch c.Broker.Driver {
	case BrokerRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
		if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
			return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
		}
	case BrokerSQL:
		usesSQL = true
	case BrokerMemory:
	default:
		return fmt.Errorf("unsupported broker driver: %q", c.Broker.Driver)
	}

	switch c.Store.Driver {
	case StoreSQL:
		usesSQL = true
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported store driver: %q", c.Store.Driver)
	}

	if usesSQL {
		if err := c.Database.validate(); err != nil {
			return err
		}
	}

	if c.Events.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	if c.Artifact.Enabled {
		if c.Artifact.Endpoint == "" {
			return fmt.Errorf("artifact endpoint is required")
		}
		if c.Artifact.Bucket == "" {
			return fmt.Errorf("artifact bucket is required")
		}
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case DatabasePostgres:
		if d.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if d.Port < MinPort || d.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", d.Port, MinPort, MaxPort)
		}
		if d.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DatabaseSQLite:
		if d.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", d.Driver)
	}
	return nil
}

// ValidateAPIConfig checks everything the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.Broker.Driver == BrokerMemory && !c.Worker.Embedded {
		return fmt.Errorf("memory broker requires worker.embedded")
	}
	if c.Store.Driver == StoreMemory && !c.Worker.Embedded {
		return fmt.Errorf("memory store requires worker.embedded")
	}

	for _, f := range c.Jobs.AllowedFilters {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("allowed filters must not contain empty names")
		}
	}

	if c.Worker.Embedded {
		return c.validateWorker()
	}
	return nil
}

// ValidateWorkerConfig checks everything the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Broker.Driver == BrokerMemory {
		return fmt.Errorf("memory broker cannot be shared with a separate worker service")
	}
	if c.Store.Driver == StoreMemory {
		return fmt.Errorf("memory store cannot be shared with a separate worker service")
	}
	return c.validateWorker()
}

func (c *Config) validateWorker() error {
	w := c.Worker

	if w.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if w.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if w.LeaseDuration <= w.JobTimeout {
		return fmt.Errorf("worker lease_duration (%s) must be greater than job_timeout (%s)", w.LeaseDuration, w.JobTimeout)
	}

	if w.HeartbeatInterval <= 0 || w.HeartbeatInterval >= w.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0 and less than lease_duration")
	}

	if w.PollInterval <= 0 || w.MaxPollInterval < w.PollInterval {
		return fmt.Errorf("worker poll intervals must be positive with max_poll_interval >= poll_interval")
	}

	if w.ProcessorPath == "" {
		return fmt.Errorf("worker processor_path is required")
	}

	if w.ResultsDir == "" {
		return fmt.Errorf("worker results_dir is required")
	}

	if w.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}
