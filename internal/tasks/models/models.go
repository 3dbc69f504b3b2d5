// Package models defines the scheduled task domain types.
package models

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priority controls poll ordering. Lower rank runs first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its ordering rank. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task is one unit of scheduled agent work. Tasks may carry a future
// scheduled_for; the poller only picks up due rows.
type Task struct {
	ID              string                 `json:"id"`
	TaskType        string                 `json:"task_type"`
	AgentType       string                 `json:"agent_type"`
	UserID          string                 `json:"user_id"`
	Context         map[string]interface{} `json:"context"`
	ScheduledFor    time.Time              `json:"scheduled_for"`
	Priority        Priority               `json:"priority"`
	Status          Status                 `json:"status"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	LastAttemptedAt *time.Time             `json:"last_attempted_at,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorLog        []string               `json:"error_log,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}
