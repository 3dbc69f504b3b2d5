// Package handlers wires domain event types to their effects: task
// creation, queue supersession bookkeeping, and welcome messages.
package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	eventlog "github.com/courierd/courierd/internal/events/log"
	"github.com/courierd/courierd/internal/events/processor"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	taskmodels "github.com/courierd/courierd/internal/tasks/models"
	taskstore "github.com/courierd/courierd/internal/tasks/store"
)

// reengagementDelay is how long after the last touch a re-engagement check
// runs.
const reengagementDelay = 72 * time.Hour

// Enqueuer is the orchestrator surface the handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (string, error)
}

// Handlers owns the domain event handler set.
type Handlers struct {
	tasks        taskstore.Store
	orchestrator Enqueuer
	logger       *logger.Logger
}

// New creates the handler set.
func New(tasks taskstore.Store, orch Enqueuer, log *logger.Logger) *Handlers {
	return &Handlers{
		tasks:        tasks,
		orchestrator: orch,
		logger:       log.WithFields(zap.String("component", "event-handlers")),
	}
}

// RegisterAll binds every handler on the processor.
func (h *Handlers) RegisterAll(p *processor.Processor) {
	p.Register(events.UserMessageReceived, h.HandleUserMessageReceived,
		"record user activity and reset re-engagement scheduling")
	p.Register(events.UserIntroInquiry, h.HandleUserIntroInquiry,
		"create a solution research task for a new inquiry")
	p.Register(events.MessageSuperseded, h.HandleMessageSuperseded,
		"bookkeeping for superseded queued messages")
	p.Register(events.UserVerified, h.HandleUserVerified,
		"send the welcome message after phone verification")
}

// HandleUserMessageReceived reacts to an inbound SMS. Pending re-engagement
// checks become moot, and a fresh one is scheduled for later.
func (h *Handlers) HandleUserMessageReceived(ctx context.Context, event *eventlog.Event) error {
	userID := event.AggregateID
	if userID == "" {
		return fmt.Errorf("user.message_received event %s has no aggregate id", event.ID)
	}

	cancelled, err := h.tasks.CancelPendingByType(ctx, userID, "reengagement_check")
	if err != nil {
		return fmt.Errorf("failed to cancel re-engagement tasks: %w", err)
	}
	if cancelled > 0 {
		h.logger.WithUserID(userID).Debug("cancelled pending re-engagement checks",
			zap.Int("count", cancelled))
	}

	// Deterministic task id keeps the handler idempotent under replay.
	return h.createTaskOnce(ctx, &taskmodels.Task{
		ID:           "reengage-" + event.ID,
		TaskType:     "reengagement_check",
		AgentType:    "engagement",
		UserID:       userID,
		ScheduledFor: time.Now().UTC().Add(reengagementDelay),
		Priority:     taskmodels.PriorityLow,
	})
}

// HandleUserIntroInquiry creates a research task from a first inquiry.
func (h *Handlers) HandleUserIntroInquiry(ctx context.Context, event *eventlog.Event) error {
	userID := event.AggregateID
	if userID == "" {
		return fmt.Errorf("user.intro_inquiry event %s has no aggregate id", event.ID)
	}

	return h.createTaskOnce(ctx, &taskmodels.Task{
		ID:        "research-" + event.ID,
		TaskType:  "research_solution",
		AgentType: "researcher",
		UserID:    userID,
		Context:   event.Payload,
		Priority:  taskmodels.PriorityHigh,
	})
}

// HandleMessageSuperseded records the supersession. Reformulated
// replacements are enqueued inline by the orchestrator, so only
// bookkeeping remains.
func (h *Handlers) HandleMessageSuperseded(ctx context.Context, event *eventlog.Event) error {
	queuedID, _ := event.Payload["queued_id"].(string)
	reason, _ := event.Payload["reason"].(string)
	replacement, _ := event.Payload["replacement_id"].(string)
	h.logger.WithUserID(event.AggregateID).Info("message superseded",
		zap.String("queued_id", queuedID),
		zap.String("reason", reason),
		zap.String("replacement_id", replacement))
	return nil
}

// HandleUserVerified enqueues the welcome message. The event id doubles as
// idempotency key so replays cannot double-send.
func (h *Handlers) HandleUserVerified(ctx context.Context, event *eventlog.Event) error {
	userID := event.AggregateID
	if userID == "" {
		return fmt.Errorf("user.verified event %s has no aggregate id", event.ID)
	}

	_, err := h.orchestrator.Enqueue(ctx, orchestrator.EnqueueRequest{
		UserID:     userID,
		ProducerID: "onboarding",
		Payload: queue.Payload{
			Type:  "welcome",
			Topic: "onboarding",
			Data:  event.Payload,
		},
		Priority:       queue.PriorityMedium,
		CanDelay:       true,
		IdempotencyKey: event.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue welcome message: %w", err)
	}
	return nil
}

// createTaskOnce inserts a task with a caller-fixed id, skipping when it
// already exists.
func (h *Handlers) createTaskOnce(ctx context.Context, task *taskmodels.Task) error {
	if _, err := h.tasks.Get(ctx, task.ID); err == nil {
		return nil
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("failed to create %s task: %w", task.TaskType, err)
	}
	return nil
}
