// Package handlers implements the scheduled task handler set.
package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/events"
	eventlog "github.com/courierd/courierd/internal/events/log"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	"github.com/courierd/courierd/internal/tasks/models"
	"github.com/courierd/courierd/internal/tasks/processor"
	userstore "github.com/courierd/courierd/internal/user/store"
)

// Enqueuer is the orchestrator surface the handlers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (string, error)
}

// Handlers owns the task handler set.
type Handlers struct {
	orchestrator Enqueuer
	users        userstore.Store
	messages     msgstore.Store
	eventLog     *eventlog.Store
	logger       *logger.Logger
}

// New creates the handler set.
func New(orch Enqueuer, users userstore.Store, messages msgstore.Store, el *eventlog.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		orchestrator: orch,
		users:        users,
		messages:     messages,
		eventLog:     el,
		logger:       log.WithFields(zap.String("component", "task-handlers")),
	}
}

// RegisterAll binds every handler on the processor.
func (h *Handlers) RegisterAll(p *processor.Processor) {
	p.Register("schedule_followup", h.ScheduleFollowup)
	p.Register("update_user_profile", h.UpdateUserProfile)
	p.Register("research_solution", h.ResearchSolution)
	p.Register("reengagement_check", h.ReengagementCheck)
}

// ScheduleFollowup enqueues a follow-up message. Task context supplies the
// payload; the task id doubles as idempotency key so retries cannot
// double-enqueue.
func (h *Handlers) ScheduleFollowup(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
	payloadType, _ := task.Context["type"].(string)
	if payloadType == "" {
		payloadType = "followup"
	}
	topic, _ := task.Context["topic"].(string)

	queuedID, err := h.orchestrator.Enqueue(ctx, orchestrator.EnqueueRequest{
		UserID:     task.UserID,
		ProducerID: "task:" + task.TaskType,
		Payload: queue.Payload{
			Type:  payloadType,
			Topic: topic,
			Data:  task.Context,
		},
		Priority:             queue.PriorityMedium,
		CanDelay:             true,
		RequiresFreshContext: true,
		IdempotencyKey:       task.ID,
	})
	if err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to enqueue follow-up: %w", err))
	}
	return map[string]interface{}{"queued_id": queuedID}, nil
}

// profileFields is the allowlist of user fields a task may change.
var profileFields = map[string]bool{
	"timezone":             true,
	"point_of_contact":     true,
	"onboarding_completed": true,
	"engagement_score":     true,
}

// UpdateUserProfile writes one allowlisted user field from task context.
// An unknown field is a permanent failure, not a retry.
func (h *Handlers) UpdateUserProfile(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
	field, _ := task.Context["field"].(string)
	value, hasValue := task.Context["value"]
	if field == "" || !hasValue {
		return nil, fmt.Errorf("update_user_profile requires field and value in context")
	}
	if !profileFields[field] {
		return nil, fmt.Errorf("field %q is not allowed for profile updates", field)
	}

	if err := h.users.UpdateUserField(ctx, task.UserID, field, value); err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to update user field: %w", err))
	}

	h.logger.WithUserID(task.UserID).Info("user profile updated",
		zap.String("field", field))
	return map[string]interface{}{"field": field}, nil
}

// ResearchSolution publishes the research request downstream. The actual
// research runs in an external agent that consumes the event.
func (h *Handlers) ResearchSolution(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
	event := &eventlog.Event{
		ID:            "research-req-" + task.ID,
		EventType:     events.SolutionResearchRequested,
		AggregateID:   task.UserID,
		AggregateType: "user",
		Payload:       task.Context,
		CreatedBy:     "task:" + task.TaskType,
	}
	if err := h.eventLog.Append(ctx, event); err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to publish research request: %w", err))
	}
	return map[string]interface{}{"event_id": event.ID}, nil
}

// ReengagementCheck nudges a user who went quiet mid-onboarding. Completed
// onboarding or recent activity turns it into a no-op.
func (h *Handlers) ReengagementCheck(ctx context.Context, task *models.Task) (map[string]interface{}, error) {
	user, err := h.users.GetUser(ctx, task.UserID)
	if err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to load user: %w", err))
	}
	if user.OnboardingCompleted {
		return map[string]interface{}{"skipped": "onboarding completed"}, nil
	}

	lastInbound, err := h.messages.LastInboundAt(ctx, task.UserID)
	if err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to check user activity: %w", err))
	}
	if !lastInbound.IsZero() && time.Since(lastInbound) < reengagementQuietPeriod {
		return map[string]interface{}{"skipped": "user recently active"}, nil
	}

	queuedID, err := h.orchestrator.Enqueue(ctx, orchestrator.EnqueueRequest{
		UserID:     task.UserID,
		ProducerID: "task:" + task.TaskType,
		Payload: queue.Payload{
			Type:  "reengagement",
			Topic: "onboarding",
		},
		Priority:             queue.PriorityLow,
		CanDelay:             true,
		RequiresFreshContext: true,
		IdempotencyKey:       task.ID,
	})
	if err != nil {
		return nil, processor.Retryable(fmt.Errorf("failed to enqueue re-engagement prompt: %w", err))
	}
	return map[string]interface{}{"queued_id": queuedID}, nil
}

// reengagementQuietPeriod is how recently a user must have written for a
// re-engagement nudge to be skipped.
const reengagementQuietPeriod = 48 * time.Hour
