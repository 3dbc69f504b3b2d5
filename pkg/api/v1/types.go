// Package v1 defines the wire types of the courierd HTTP API.
package v1

import "time"

// EnqueueMessageRequest submits a producer message to the orchestrator.
type EnqueueMessageRequest struct {
	UserID               string                 `json:"user_id" binding:"required"`
	ProducerID           string                 `json:"producer_id" binding:"required"`
	Payload              map[string]interface{} `json:"payload" binding:"required"`
	Priority             string                 `json:"priority"`
	CanDelay             bool                   `json:"can_delay"`
	RequiresFreshContext bool                   `json:"requires_fresh_context"`
	ScheduledFor         *time.Time             `json:"scheduled_for,omitempty"`
	IdempotencyKey       string                 `json:"idempotency_key,omitempty"`
}

// EnqueueMessageResponse returns the opaque queue row id.
type EnqueueMessageResponse struct {
	ID string `json:"id"`
}

// ProcessEventRequest re-kicks a single event.
type ProcessEventRequest struct {
	EventID string `json:"event_id" binding:"required"`
}

// ProcessTaskRequest re-kicks a single task.
type ProcessTaskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// AcceptedResponse acknowledges an asynchronous trigger.
type AcceptedResponse struct {
	Status string `json:"status"`
}

// HealthStats reports event processor counters.
type HealthStats struct {
	Processed       int64      `json:"processed"`
	Success         int64      `json:"success"`
	Error           int64      `json:"error"`
	DeadLetter      int64      `json:"dead_letter"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// HealthConfig echoes the effective processor configuration.
type HealthConfig struct {
	PollIntervalMs int `json:"poll_interval_ms"`
	BatchSize      int `json:"batch_size"`
	MaxRetries     int `json:"max_retries"`
}

// HealthRegistry describes the registered event handlers.
type HealthRegistry struct {
	HandlersCount int      `json:"handlers_count"`
	EventTypes    []string `json:"event_types"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status        string         `json:"status"`
	Service       string         `json:"service"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Stats         HealthStats    `json:"stats"`
	Config        HealthConfig   `json:"config"`
	Registry      HealthRegistry `json:"registry"`
}
