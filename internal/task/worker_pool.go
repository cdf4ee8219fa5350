package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/segqueue/internal/config"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/inference"
)

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount is the number of concurrent execution slots.
	// If zero or negative, defaults to 1
	WorkerCount int

	// InferenceTimeout bounds one inference call. A call that runs out of
	// time is a transient failure.
	InferenceTimeout time.Duration

	// PollInterval is how often an idle pool looks for work when no wake
	// signal arrives, and how long it backs off after a failed claim.
	PollInterval time.Duration

	// StaleItemAge defines how long an item can be processing before it is
	// considered abandoned and reclaimed.
	StaleItemAge time.Duration

	// StaleCheckInterval defines how often to check for stale items.
	StaleCheckInterval time.Duration

	// ImageRefTemplate builds the image reference for the inference backend;
	// see config.InferenceConfig.ImageRefTemplate.
	ImageRefTemplate string

	// PoolID prefixes worker ids. Defaults to the host name plus a random suffix.
	PoolID string
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:        4,
		InferenceTimeout:   5 * time.Minute,
		PollInterval:       time.Second,
		StaleItemAge:       30 * time.Minute,
		StaleCheckInterval: time.Minute,
	}
}

// NewWorkerPoolConfig builds a WorkerPoolConfig from application configuration.
func NewWorkerPoolConfig(q config.QueueConfig, inf config.InferenceConfig) WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:        q.WorkerCount,
		InferenceTimeout:   q.InferenceTimeout(),
		PollInterval:       q.PollInterval(),
		StaleItemAge:       q.StaleAge(),
		StaleCheckInterval: q.StaleCheckInterval(),
		ImageRefTemplate:   inf.ImageRefTemplate,
	}
}

// WorkerPool executes claimed items on a bounded number of slots.
type WorkerPool struct {
	scheduler Scheduler
	client    inference.Client
	config    WorkerPoolConfig

	// slots holds the indexes of free execution slots
	slots chan int

	// wg tracks the dispatcher, the stale monitor and running workers
	wg sync.WaitGroup

	// ctx is cancelled by Stop
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	scheduler Scheduler,
	client inference.Client,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWorkerPoolConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.InferenceTimeout <= 0 {
		config.InferenceTimeout = defaults.InferenceTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.StaleItemAge <= 0 {
		config.StaleItemAge = defaults.StaleItemAge
	}
	if config.StaleCheckInterval <= 0 {
		config.StaleCheckInterval = defaults.StaleCheckInterval
	}
	if config.PoolID == "" {
		config.PoolID = defaultPoolID()
	}

	slots := make(chan int, config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		slots <- i
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		scheduler: scheduler,
		client:    client,
		config:    config,
		slots:     slots,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "worker_pool", "pool_id", config.PoolID),
	}
}

func defaultPoolID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pool"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start reclaims items left processing by a previous run, then starts the
// dispatcher and the stale item monitor.
func (p *WorkerPool) Start() error {
	reclaimed, err := p.scheduler.ReapStale(p.ctx, p.config.StaleItemAge)
	if err != nil {
		return fmt.Errorf("failed to recover stale items: %w", err)
	}

	p.logger.Info("starting worker pool",
		"worker_count", p.config.WorkerCount,
		"inference_timeout", p.config.InferenceTimeout,
		"reclaimed", reclaimed)

	p.wg.Add(2)
	go p.dispatch()
	go p.staleItemMonitor()
	return nil
}

// Stop cancels in-flight inference and waits for every worker to report.
// Interrupted items go back to queued without spending a retry.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// WorkerID returns the id recorded on items claimed by slot.
func (p *WorkerPool) WorkerID(slot int) string {
	return fmt.Sprintf("%s-%d", p.config.PoolID, slot)
}

// dispatch claims one item per free slot and starts a worker for it.
func (p *WorkerPool) dispatch() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		var slot int
		select {
		case <-p.ctx.Done():
			return
		case slot = <-p.slots:
		}

		item, err := p.scheduler.Claim(p.ctx, p.WorkerID(slot))
		if err == nil && item != nil {
			p.wg.Add(1)
			go p.work(slot, item)
			continue
		}

		p.slots <- slot
		if err != nil && p.ctx.Err() == nil {
			p.logger.Error("failed to claim item", "error", err)
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.scheduler.Ready():
		case <-ticker.C:
		}
	}
}

// imageRef expands the configured template for item.
func (p *WorkerPool) imageRef(item *domain.QueueItem) string {
	if p.config.ImageRefTemplate == "" {
		return ""
	}
	return strings.NewReplacer(
		"{projectId}", item.ProjectID.String(),
		"{imageId}", item.ImageID.String(),
	).Replace(p.config.ImageRefTemplate)
}
