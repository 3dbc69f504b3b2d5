// Package queue provides the durable outbound message queue and the
// in-memory priority ordering used within one processing pass.
package queue

import "time"

// Priority orders queued messages. Lower rank processes first.
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

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusSuperseded Status = "superseded"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Payload is the structured, producer-defined message request. Type and
// Topic identify the semantic slot for supersession.
type Payload struct {
	Type  string                 `json:"type"`
	Topic string                 `json:"topic,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Metadata carries pipeline bookkeeping that mutates between attempts.
type Metadata struct {
	RenderRetryCount   int    `json:"render_retry_count,omitempty"`
	ContextNote        string `json:"context_note,omitempty"`
	RescheduleCount    int    `json:"reschedule_count,omitempty"`
	LastRescheduleGate string `json:"last_reschedule_gate,omitempty"`
}

// QueuedMessage is one row of the outbound message queue. Only the
// orchestrator mutates its status.
type QueuedMessage struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	ProducerID           string     `json:"producer_id"`
	Payload              Payload    `json:"payload"`
	RenderedText         string     `json:"rendered_text,omitempty"`
	ScheduledFor         time.Time  `json:"scheduled_for"`
	Priority             Priority   `json:"priority"`
	Status               Status     `json:"status"`
	CanDelay             bool       `json:"can_delay"`
	RequiresFreshContext bool       `json:"requires_fresh_context"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
	// SupersedesOf points a replacement at the row it replaces; ReplacedBy
	// points a superseded row forward at its replacement.
	SupersedesOf         string     `json:"supersedes_of,omitempty"`
	ReplacedBy           string     `json:"replaced_by,omitempty"`
	SupersededReason     string     `json:"superseded_reason,omitempty"`
	DeliveredMessageID   string     `json:"delivered_message_id,omitempty"`
	Metadata             Metadata   `json:"metadata"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
}
