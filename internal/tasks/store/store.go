// Package store provides persistence for scheduled tasks.
package store

import (
	"context"
	"time"

	"github.com/courierd/courierd/internal/tasks/models"
)

// Store defines the interface for task persistence.
type Store interface {
	// Create inserts a new task. Missing fields get defaults (status pending,
	// priority medium, scheduled_for now, max_retries 3).
	Create(ctx context.Context, task *models.Task) error

	Get(ctx context.Context, id string) (*models.Task, error)

	// ListDue returns up to limit pending tasks with scheduled_for <= now,
	// ordered by priority rank then scheduled_for ascending.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)

	// Claim transitions a task pending -> processing conditionally. Returns
	// false when another worker won the race.
	Claim(ctx context.Context, id string) (bool, error)

	// Complete marks a task completed with its result.
	Complete(ctx context.Context, id string, result map[string]interface{}) error

	// Reschedule returns a task to pending for a later attempt, incrementing
	// retry_count and appending to the error log.
	Reschedule(ctx context.Context, id string, nextAttempt time.Time, attemptErr string) error

	// Fail marks a task permanently failed, appending to the error log.
	Fail(ctx context.Context, id string, attemptErr string) error

	// CancelPendingByType cancels pending tasks of one type for a user by
	// marking them failed with a cancellation note. Returns the count.
	CancelPendingByType(ctx context.Context, userID, taskType string) (int, error)

	Close() error
}
