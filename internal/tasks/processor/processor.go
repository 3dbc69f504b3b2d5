// Package processor executes scheduled tasks with retry backoff.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/observability"
	"github.com/courierd/courierd/internal/tasks/models"
	"github.com/courierd/courierd/internal/tasks/store"
)

// Common errors
var (
	ErrProcessorAlreadyRunning = errors.New("task processor is already running")
	ErrProcessorNotRunning     = errors.New("task processor is not running")
)

// RetryableError wraps a handler error that should be retried with backoff.
// Any other error fails the task permanently.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the processor reschedules instead of failing.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Handler executes one task and returns its result payload.
type Handler func(ctx context.Context, task *models.Task) (map[string]interface{}, error)

// Config holds task processor configuration.
type Config struct {
	PollInterval time.Duration
	MaxPerPoll   int
	MaxRetries   int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		MaxPerPoll:   10,
		MaxRetries:   3,
	}
}

// Stats tracks execution counters for the health endpoint.
type Stats struct {
	Processed       int64      `json:"processed"`
	Success         int64      `json:"success"`
	Errors          int64      `json:"error"`
	Failed          int64      `json:"failed"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// Processor polls the task store and dispatches due tasks to typed handlers.
type Processor struct {
	store  store.Store
	logger *logger.Logger
	config Config

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// Statistics
	processed int64
	success   int64
	errored   int64
	failed    int64

	lastProcessedMu sync.RWMutex
	lastProcessedAt *time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	pokeCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a task processor.
func NewProcessor(st store.Store, log *logger.Logger, config Config) *Processor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MaxPerPoll <= 0 {
		config.MaxPerPoll = DefaultConfig().MaxPerPoll
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Processor{
		store:    st,
		logger:   log.WithFields(zap.String("component", "task-processor")),
		config:   config,
		handlers: make(map[string]Handler),
		pokeCh:   make(chan struct{}, 1),
	}
}

// Register binds a handler to a task type.
func (p *Processor) Register(taskType string, handler Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[taskType] = handler
	p.logger.Info("registered task handler", zap.String("task_type", taskType))
}

// TaskTypes returns the number of registered task types.
func (p *Processor) TaskTypes() int {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return len(p.handlers)
}

// Start begins the polling loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrProcessorAlreadyRunning
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("task processor starting",
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("max_per_poll", p.config.MaxPerPoll))

	p.wg.Add(1)
	go p.pollLoop(ctx)

	return nil
}

// Stop stops the polling loop, draining at the current poll boundary.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrProcessorNotRunning
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("task processor stopped")
	return nil
}

// IsRunning returns true if the processor is active.
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// TriggerPoll requests an immediate poll outside the regular cadence.
func (p *Processor) TriggerPoll() {
	select {
	case p.pokeCh <- struct{}{}:
	default:
	}
}

func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.pokeCh:
			p.Poll(ctx)
		}
	}
}

// Poll fetches due tasks and executes them in order.
func (p *Processor) Poll(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.PollDuration.WithLabelValues("tasks").Observe(time.Since(start).Seconds())
	}()

	tasks, err := p.store.ListDue(ctx, time.Now().UTC(), p.config.MaxPerPoll)
	if err != nil {
		p.logger.Error("failed to list due tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.Execute(ctx, task)
	}
}

// Execute claims and runs one task, applying retry or terminal-failure
// bookkeeping.
func (p *Processor) Execute(ctx context.Context, task *models.Task) {
	claimed, err := p.store.Claim(ctx, task.ID)
	if err != nil {
		p.logger.Error("failed to claim task",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !claimed {
		// Another worker won the race.
		return
	}

	atomic.AddInt64(&p.processed, 1)
	p.stampProcessed()

	p.handlersMu.RLock()
	handler, ok := p.handlers[task.TaskType]
	p.handlersMu.RUnlock()

	if !ok {
		p.logger.Error("no handler registered for task type",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.TaskType))
		atomic.AddInt64(&p.failed, 1)
		if err := p.store.Fail(ctx, task.ID, fmt.Sprintf("unknown task type: %s", task.TaskType)); err != nil {
			p.logger.Error("failed to mark unknown task failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	result, handlerErr := handler(ctx, task)
	if handlerErr == nil {
		if err := p.store.Complete(ctx, task.ID, result); err != nil {
			p.logger.Error("failed to mark task completed",
				zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		atomic.AddInt64(&p.success, 1)
		observability.TasksExecuted.WithLabelValues(task.TaskType, "success").Inc()
		p.logger.Info("task completed",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.TaskType),
			zap.Int("retry_count", task.RetryCount))
		return
	}

	atomic.AddInt64(&p.errored, 1)

	var retryable *RetryableError
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.config.MaxRetries
	}
	observability.TasksExecuted.WithLabelValues(task.TaskType, "error").Inc()
	if errors.As(handlerErr, &retryable) && task.RetryCount < maxRetries {
		// Backoff doubles per attempt: 60s, 120s, 240s.
		delay := time.Duration(60*(1<<uint(task.RetryCount))) * time.Second
		nextAttempt := time.Now().UTC().Add(delay)
		p.logger.Warn("task failed, rescheduling",
			zap.String("task_id", task.ID),
			zap.String("task_type", task.TaskType),
			zap.Int("retry_count", task.RetryCount+1),
			zap.Duration("backoff", delay),
			zap.Error(handlerErr))
		if err := p.store.Reschedule(ctx, task.ID, nextAttempt, handlerErr.Error()); err != nil {
			p.logger.Error("failed to reschedule task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	atomic.AddInt64(&p.failed, 1)
	observability.TasksExecuted.WithLabelValues(task.TaskType, "failed").Inc()
	p.logger.Error("task failed permanently",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(handlerErr))
	if err := p.store.Fail(ctx, task.ID, handlerErr.Error()); err != nil {
		p.logger.Error("failed to mark task failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Stats returns a snapshot of the execution counters.
func (p *Processor) Stats() Stats {
	p.lastProcessedMu.RLock()
	last := p.lastProcessedAt
	p.lastProcessedMu.RUnlock()
	return Stats{
		Processed:       atomic.LoadInt64(&p.processed),
		Success:         atomic.LoadInt64(&p.success),
		Errors:          atomic.LoadInt64(&p.errored),
		Failed:          atomic.LoadInt64(&p.failed),
		LastProcessedAt: last,
	}
}

func (p *Processor) stampProcessed() {
	now := time.Now().UTC()
	p.lastProcessedMu.Lock()
	p.lastProcessedAt = &now
	p.lastProcessedMu.Unlock()
}
