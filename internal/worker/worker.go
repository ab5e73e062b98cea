package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/imagejobs/internal/artifact"
	"github.com/cuongbtq/imagejobs/internal/broker"
	"github.com/cuongbtq/imagejobs/internal/events"
	"github.com/cuongbtq/imagejobs/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults used when a Config field is zero
const (
	DefaultConcurrency     = 4
	DefaultJobTimeout      = 60 * time.Second
	DefaultLeaseDuration   = 90 * time.Second
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultMaxPollInterval = 2 * time.Second
	DefaultResultsDir      = "results"
	DefaultOutputExt       = ".jpg"
)

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Broker    broker.Broker
	Store     store.Store
	Publisher events.Publisher
	Uploader  artifact.Uploader
	Executor  Executor

	WorkerID          string
	Concurrency       int
	JobTimeout        time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	ResultsDir        string
	OutputExt         string
}

// Worker runs a fixed number of slots, each claiming one job at a time from
// the broker and running the external processor on it
type Worker struct {
	logger    *slog.Logger
	broker    broker.Broker
	store     store.Store
	publisher events.Publisher
	uploader  artifact.Uploader
	executor  Executor

	workerID          string
	concurrency       int
	jobTimeout        time.Duration
	leaseDuration     time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	maxPollInterval   time.Duration
	resultsDir        string
	outputExt         string

	now      func() time.Time
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance. Start fails without an Executor.
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		broker:            cfg.Broker,
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		uploader:          cfg.Uploader,
		executor:          cfg.Executor,
		workerID:          cfg.WorkerID,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		leaseDuration:     cfg.LeaseDuration,
		heartbeatInterval: cfg.HeartbeatInterval,
		pollInterval:      cfg.PollInterval,
		maxPollInterval:   cfg.MaxPollInterval,
		resultsDir:        cfg.ResultsDir,
		outputExt:         cfg.OutputExt,
		now:               time.Now,
		stopChan:          make(chan struct{}),
	}

	if w.workerID == "" {
		w.workerID = "worker-" + uuid.NewString()[:8]
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = DefaultJobTimeout
	}
	if w.leaseDuration <= 0 {
		w.leaseDuration = DefaultLeaseDuration
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = w.leaseDuration / 3
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.maxPollInterval < w.pollInterval {
		w.maxPollInterval = max(DefaultMaxPollInterval, w.pollInterval)
	}
	if w.resultsDir == "" {
		w.resultsDir = DefaultResultsDir
	}
	if w.outputExt == "" {
		w.outputExt = DefaultOutputExt
	}
	if w.uploader == nil {
		w.uploader = artifact.Noop{}
	}
	if w.publisher == nil {
		w.publisher = events.NewBus()
	}

	return w
}

// ID is the worker's base name; slots are named <id>-<n>
func (w *Worker) ID() string {
	return w.workerID
}

// Start runs the slots and blocks until ctx is canceled or Stop is called.
// Jobs already running are allowed to finish first.
func (w *Worker) Start(ctx context.Context) error {
	if w.executor == nil {
		return fmt.Errorf("worker %s has no executor", w.workerID)
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("lease_duration", w.leaseDuration),
		slog.String("results_dir", w.resultsDir),
	)

	g, gctx := errgroup.WithContext(ctx)
	w.spawnWorkerPool(gctx, g)

	err := g.Wait()
	w.logger.Info("Worker slots stopped",
		slog.String("worker_id", w.workerID),
	)
	return err
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
