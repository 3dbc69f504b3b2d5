// Package processor drains the durable event log and routes events to
// registered handlers with retry and dead-letter semantics.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	eventlog "github.com/courierd/courierd/internal/events/log"
	"github.com/courierd/courierd/internal/observability"
)

// Common errors
var (
	ErrProcessorAlreadyRunning = errors.New("event processor is already running")
	ErrProcessorNotRunning     = errors.New("event processor is not running")
	ErrEventAlreadyProcessed   = errors.New("event already processed")
)

// Handler processes a single event. Returning an error leaves the event
// unprocessed so the next poll retries it.
type Handler func(ctx context.Context, event *eventlog.Event) error

// Config holds event processor configuration.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		BatchSize:    20,
		MaxRetries:   5,
	}
}

// Stats tracks processing counters for the health endpoint.
type Stats struct {
	Processed       int64      `json:"processed"`
	Success         int64      `json:"success"`
	Errors          int64      `json:"error"`
	DeadLettered    int64      `json:"dead_letter"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

type registration struct {
	handler     Handler
	description string
}

// Processor polls the event log and dispatches events sequentially in
// created_at order.
type Processor struct {
	store  *eventlog.Store
	logger *logger.Logger
	config Config

	handlersMu sync.RWMutex
	handlers   map[string]registration

	// Statistics
	processed    int64
	success      int64
	errored      int64
	deadLettered int64

	lastProcessedMu sync.RWMutex
	lastProcessedAt *time.Time

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	pokeCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates an event processor.
func NewProcessor(store *eventlog.Store, log *logger.Logger, config Config) *Processor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Processor{
		store:    store,
		logger:   log.WithFields(zap.String("component", "event-processor")),
		config:   config,
		handlers: make(map[string]registration),
		pokeCh:   make(chan struct{}, 1),
	}
}

// Register binds a handler to an event type. Registering the same type twice
// replaces the previous handler.
func (p *Processor) Register(eventType string, handler Handler, description string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[eventType] = registration{handler: handler, description: description}
	p.logger.Info("registered event handler",
		zap.String("event_type", eventType),
		zap.String("description", description))
}

// EventTypes returns the registered event types, sorted.
func (p *Processor) EventTypes() []string {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
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

	p.logger.Info("event processor starting",
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("max_retries", p.config.MaxRetries))

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
	p.logger.Info("event processor stopped")
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

// Poll fetches one batch of unprocessed events and processes them
// sequentially in created_at order.
func (p *Processor) Poll(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.PollDuration.WithLabelValues("events").Observe(time.Since(start).Seconds())
	}()

	events, err := p.store.ListUnprocessed(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to list unprocessed events", zap.Error(err))
		return
	}
	for _, event := range events {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.Process(ctx, event)
	}
}

// Process delivers one event to its handler and applies the retry or
// dead-letter bookkeeping.
func (p *Processor) Process(ctx context.Context, event *eventlog.Event) {
	atomic.AddInt64(&p.processed, 1)
	p.stampProcessed()

	p.handlersMu.RLock()
	reg, ok := p.handlers[event.EventType]
	p.handlersMu.RUnlock()

	if !ok {
		// No handler. Mark processed so the event cannot poison the loop.
		p.logger.Warn("no handler registered for event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType))
		if _, err := p.store.MarkProcessed(ctx, event.ID); err != nil {
			p.logger.Error("failed to mark unhandled event processed",
				zap.String("event_id", event.ID), zap.Error(err))
		}
		return
	}

	if err := reg.handler(ctx, event); err != nil {
		p.handleFailure(ctx, event, err)
		return
	}

	if _, err := p.store.MarkProcessed(ctx, event.ID); err != nil {
		p.logger.Error("failed to mark event processed",
			zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.success, 1)
	observability.EventsProcessed.WithLabelValues(event.EventType, "success").Inc()
	p.logger.Debug("event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType))
}

func (p *Processor) handleFailure(ctx context.Context, event *eventlog.Event, handlerErr error) {
	atomic.AddInt64(&p.errored, 1)
	observability.EventsProcessed.WithLabelValues(event.EventType, "error").Inc()

	event.Metadata.RetryCount++
	event.Metadata.LastError = handlerErr.Error()

	p.logger.Warn("event handler failed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("retry_count", event.Metadata.RetryCount),
		zap.Error(handlerErr))

	if event.Metadata.RetryCount >= p.config.MaxRetries {
		if err := p.store.MoveToDeadLetter(ctx, event, handlerErr.Error()); err != nil {
			p.logger.Error("failed to dead-letter event",
				zap.String("event_id", event.ID), zap.Error(err))
			return
		}
		atomic.AddInt64(&p.deadLettered, 1)
		observability.DeadLetters.WithLabelValues(event.EventType).Inc()
		p.logger.Error("event moved to dead letter queue",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.Int("retry_count", event.Metadata.RetryCount))
		return
	}

	// Leave unprocessed; the next poll retries. Backoff is the poll cadence.
	if err := p.store.UpdateMetadata(ctx, event.ID, event.Metadata); err != nil {
		p.logger.Error("failed to persist event retry metadata",
			zap.String("event_id", event.ID), zap.Error(err))
	}
}

// ForceProcess re-kicks a single event by ID, for the webhook path. Already
// processed events are rejected with ErrEventAlreadyProcessed.
func (p *Processor) ForceProcess(ctx context.Context, eventID string) error {
	event, err := p.store.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Processed {
		return fmt.Errorf("%w: %s", ErrEventAlreadyProcessed, eventID)
	}
	p.Process(ctx, event)
	return nil
}

// Stats returns a snapshot of the processing counters.
func (p *Processor) Stats() Stats {
	p.lastProcessedMu.RLock()
	last := p.lastProcessedAt
	p.lastProcessedMu.RUnlock()
	return Stats{
		Processed:       atomic.LoadInt64(&p.processed),
		Success:         atomic.LoadInt64(&p.success),
		Errors:          atomic.LoadInt64(&p.errored),
		DeadLettered:    atomic.LoadInt64(&p.deadLettered),
		LastProcessedAt: last,
	}
}

func (p *Processor) stampProcessed() {
	now := time.Now().UTC()
	p.lastProcessedMu.Lock()
	p.lastProcessedAt = &now
	p.lastProcessedMu.Unlock()
}
