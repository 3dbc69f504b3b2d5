// Package api exposes the courierd HTTP surface: health, force-process
// triggers, producer enqueue, provider webhooks, and metrics.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	apperrors "github.com/courierd/courierd/internal/common/errors"
	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/dispatcher"
	eventproc "github.com/courierd/courierd/internal/events/processor"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	taskproc "github.com/courierd/courierd/internal/tasks/processor"
	taskstore "github.com/courierd/courierd/internal/tasks/store"
	v1 "github.com/courierd/courierd/pkg/api/v1"
)

// Handler contains HTTP handlers for the courierd API.
type Handler struct {
	db           *sqlx.DB
	orchestrator *orchestrator.Service
	events       *eventproc.Processor
	tasks        *taskproc.Processor
	taskStore    taskstore.Store
	inbound      *dispatcher.Inbound
	eventsCfg    eventproc.Config
	logger       *logger.Logger
	startedAt    time.Time
}

// NewHandler creates an API handler.
func NewHandler(
	db *sqlx.DB,
	orch *orchestrator.Service,
	events *eventproc.Processor,
	tasks *taskproc.Processor,
	ts taskstore.Store,
	inbound *dispatcher.Inbound,
	eventsCfg eventproc.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		db:           db,
		orchestrator: orch,
		events:       events,
		tasks:        tasks,
		taskStore:    ts,
		inbound:      inbound,
		eventsCfg:    eventsCfg,
		logger:       log.WithFields(zap.String("component", "api")),
		startedAt:    time.Now(),
	}
}

// Health reports processor stats and store reachability.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	stats := h.events.Stats()
	eventTypes := h.events.EventTypes()

	resp := v1.HealthResponse{
		Status:        "healthy",
		Service:       "courierd",
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Stats: v1.HealthStats{
			Processed:       stats.Processed,
			Success:         stats.Success,
			Error:           stats.Errors,
			DeadLetter:      stats.DeadLettered,
			LastProcessedAt: stats.LastProcessedAt,
		},
		Config: v1.HealthConfig{
			PollIntervalMs: int(h.eventsCfg.PollInterval / time.Millisecond),
			BatchSize:      h.eventsCfg.BatchSize,
			MaxRetries:     h.eventsCfg.MaxRetries,
		},
		Registry: v1.HealthRegistry{
			HandlersCount: len(eventTypes),
			EventTypes:    eventTypes,
		},
	}

	if err := h.db.PingContext(c.Request.Context()); err != nil {
		h.logger.Error("store unreachable", zap.Error(err))
		resp.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// EnqueueMessage accepts a producer submission.
// POST /api/v1/messages
func (h *Handler) EnqueueMessage(c *gin.Context) {
	var req v1.EnqueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	payloadType, _ := req.Payload["type"].(string)
	topic, _ := req.Payload["topic"].(string)

	id, err := h.orchestrator.Enqueue(c.Request.Context(), orchestrator.EnqueueRequest{
		UserID:     req.UserID,
		ProducerID: req.ProducerID,
		Payload: queue.Payload{
			Type:  payloadType,
			Topic: topic,
			Data:  req.Payload,
		},
		Priority:             queue.Priority(req.Priority),
		CanDelay:             req.CanDelay,
		RequiresFreshContext: req.RequiresFreshContext,
		ScheduledFor:         req.ScheduledFor,
		IdempotencyKey:       req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyPayload) || errors.Is(err, orchestrator.ErrInvalidPriority) {
			appErr := apperrors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("enqueue failed", zap.Error(err))
		appErr := apperrors.InternalError("failed to enqueue message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusCreated, v1.EnqueueMessageResponse{ID: id})
}

// CancelMessage withdraws a queued message before it sends.
// DELETE /api/v1/messages/:id
func (h *Handler) CancelMessage(c *gin.Context) {
	id := c.Param("id")
	if err := h.orchestrator.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, queue.ErrNotQueued) {
			appErr := apperrors.BadRequest("message is no longer queued: " + id)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		appErr := apperrors.NotFound("queued message", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// ProcessEvent re-kicks one event by id.
// POST /process-event
func (h *Handler) ProcessEvent(c *gin.Context) {
	var req v1.ProcessEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.events.ForceProcess(c.Request.Context(), req.EventID); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		if errors.Is(err, eventproc.ErrEventAlreadyProcessed) {
			appErr = apperrors.BadRequest("event already processed: " + req.EventID)
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, v1.AcceptedResponse{Status: "accepted"})
}

// ProcessBatch triggers one immediate event poll.
// POST /process-batch
func (h *Handler) ProcessBatch(c *gin.Context) {
	h.events.TriggerPoll()
	c.JSON(http.StatusAccepted, v1.AcceptedResponse{Status: "accepted"})
}

// ProcessTask re-kicks one task by id.
// POST /process-task
func (h *Handler) ProcessTask(c *gin.Context) {
	var req v1.ProcessTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.taskStore.Get(c.Request.Context(), req.TaskID)
	if err != nil {
		appErr := apperrors.NotFound("task", req.TaskID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.tasks.Execute(c.Request.Context(), task)
	c.JSON(http.StatusAccepted, v1.AcceptedResponse{Status: "accepted"})
}

// SMSWebhook receives inbound messages and delivery receipts from the
// provider.
// POST /webhooks/sms
func (h *Handler) SMSWebhook(c *gin.Context) {
	var payload dispatcher.InboundSMS
	if err := c.ShouldBind(&payload); err != nil {
		appErr := apperrors.BadRequest("invalid webhook payload: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.inbound.Process(c.Request.Context(), payload); err != nil {
		h.logger.Warn("webhook processing failed", zap.Error(err))
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}
