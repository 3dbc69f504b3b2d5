// Package events provides event types and utilities for the courierd event system.
//
// Two event planes exist: the durable event log (internal/events/log) that the
// event processor drains with retry and dead-letter semantics, and the
// realtime bus (internal/events/bus) used for change notifications such as a
// message becoming ready for SMS dispatch. Both planes share the type names
// below.
package events

// Event types for users
const (
	UserMessageReceived = "user.message_received"
	UserVerified        = "user.verified"
	UserIntroInquiry    = "user.intro_inquiry"
	UserProfileUpdated  = "user.profile_updated"
)

// Event types for queued messages
const (
	MessageEnqueued   = "message.enqueued"
	MessageSent       = "message.sent"
	MessageSuperseded = "message.superseded"
	MessageFailed     = "message.failed"
)

// Event types for outbound delivery. MessageQueuedForSend is the realtime
// notification the SMS dispatcher subscribes to; it mirrors the store-side
// status transition pending -> queued_for_send.
const (
	MessageQueuedForSend  = "message.queued_for_send"
	MessageDelivered      = "message.delivered"
	MessageDeliveryFailed = "message.delivery_failed"
)

// Event types for agent work
const (
	SolutionResearchRequested = "solution.research_requested"
	SolutionResearchCompleted = "solution.research_completed"
	TaskCompleted             = "task.completed"
	TaskFailed                = "task.failed"
)

// BuildQueuedForSendSubject creates a dispatch notification subject for a specific message
func BuildQueuedForSendSubject(messageID string) string {
	return MessageQueuedForSend + "." + messageID
}

// BuildQueuedForSendWildcardSubject creates a wildcard subscription for all dispatch notifications
func BuildQueuedForSendWildcardSubject() string {
	return MessageQueuedForSend + ".*"
}

// BuildUserSubject creates a user-scoped subject for an event type
func BuildUserSubject(eventType, userID string) string {
	return eventType + "." + userID
}
