// Package models defines the message log domain types.
package models

import "time"

// Direction indicates whether a message flows to or from the user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role represents who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Status represents the delivery state of a message.
type Status string

const (
	// StatusPending is the initial state of an outbound message row.
	StatusPending Status = "pending"
	// StatusQueuedForSend means the row is ready for the SMS dispatcher.
	// In production a database trigger performs the pending -> queued_for_send
	// flip; the store mirrors it so the realtime notification always matches
	// the persisted state.
	StatusQueuedForSend Status = "queued_for_send"
	StatusSent          Status = "sent"
	StatusDelivered     Status = "delivered"
	StatusFailed        Status = "failed"
)

// Message represents a single rendered message in a conversation.
// Inbound messages double as activity witnesses for quiet-hour overrides.
type Message struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	Role              Role       `json:"role"`
	Direction         Direction  `json:"direction"`
	Content           string     `json:"content"`
	Status            Status     `json:"status"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
}

// Conversation is the per-user message thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
