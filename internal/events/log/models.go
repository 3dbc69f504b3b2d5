// Package log provides the durable, append-only domain event log.
//
// Unlike the realtime bus, rows here survive restarts and are drained by the
// event processor with retry and dead-letter semantics.
package log

import "time"

// Metadata carries retry bookkeeping for an event. It is the only part of an
// event that mutates besides the processed flag.
type Metadata struct {
	RetryCount int        `json:"retry_count,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"` // optional explicit backoff
}

// Event is one row of the append-only event log.
type Event struct {
	ID            string                 `json:"id"`
	EventType     string                 `json:"event_type"`
	AggregateID   string                 `json:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      Metadata               `json:"metadata"`
	Processed     bool                   `json:"processed"`
	Version       int                    `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	CreatedBy     string                 `json:"created_by"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
}

// DeadLetter is an event copied aside after exhausting its retry budget so
// the main log can progress.
type DeadLetter struct {
	ID                string                 `json:"id"`
	EventID           string                 `json:"event_id"`
	EventType         string                 `json:"event_type"`
	Payload           map[string]interface{} `json:"payload"`
	ErrorMessage      string                 `json:"error_message"`
	RetryCount        int                    `json:"retry_count"`
	OriginalCreatedAt time.Time              `json:"original_created_at"`
	CreatedAt         time.Time              `json:"created_at"`
}
