package handlers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/common/logger"
	eventlog "github.com/courierd/courierd/internal/events/log"
	"github.com/courierd/courierd/internal/orchestrator"
	taskmodels "github.com/courierd/courierd/internal/tasks/models"
	taskstore "github.com/courierd/courierd/internal/tasks/store"
)

type stubEnqueuer struct {
	requests []orchestrator.EnqueueRequest
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (string, error) {
	s.requests = append(s.requests, req)
	return "queued-1", nil
}

func newTestHandlers(t *testing.T) (*Handlers, taskstore.Store, *stubEnqueuer) {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks, err := taskstore.NewSQLStore(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	enqueuer := &stubEnqueuer{}
	return New(tasks, enqueuer, log), tasks, enqueuer
}

func testEvent(eventType, userID string) *eventlog.Event {
	return &eventlog.Event{
		ID:            "evt-1",
		EventType:     eventType,
		AggregateID:   userID,
		AggregateType: "user",
		Payload:       map[string]interface{}{"inquiry": "help me move"},
	}
}

func TestHandleUserMessageReceived(t *testing.T) {
	h, tasks, _ := newTestHandlers(t)
	ctx := context.Background()

	// A stale pending check gets cancelled.
	stale := &taskmodels.Task{TaskType: "reengagement_check", UserID: "user-1"}
	require.NoError(t, tasks.Create(ctx, stale))

	event := testEvent("user.message_received", "user-1")
	require.NoError(t, h.HandleUserMessageReceived(ctx, event))

	got, err := tasks.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, taskmodels.StatusFailed, got.Status)

	// A fresh check is scheduled for later.
	fresh, err := tasks.Get(ctx, "reengage-evt-1")
	require.NoError(t, err)
	assert.Equal(t, "reengagement_check", fresh.TaskType)
	assert.Equal(t, taskmodels.PriorityLow, fresh.Priority)
	assert.True(t, fresh.ScheduledFor.After(event.CreatedAt))

	// Replaying the event is a no-op.
	require.NoError(t, h.HandleUserMessageReceived(ctx, event))
	due, err := tasks.ListDue(ctx, fresh.ScheduledFor, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestHandleUserMessageReceivedMissingUser(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	err := h.HandleUserMessageReceived(context.Background(), testEvent("user.message_received", ""))
	assert.Error(t, err)
}

func TestHandleUserIntroInquiry(t *testing.T) {
	h, tasks, _ := newTestHandlers(t)
	ctx := context.Background()

	event := testEvent("user.intro_inquiry", "user-1")
	require.NoError(t, h.HandleUserIntroInquiry(ctx, event))

	task, err := tasks.Get(ctx, "research-evt-1")
	require.NoError(t, err)
	assert.Equal(t, "research_solution", task.TaskType)
	assert.Equal(t, taskmodels.PriorityHigh, task.Priority)
	assert.Equal(t, "help me move", task.Context["inquiry"])

	// Replay is idempotent.
	require.NoError(t, h.HandleUserIntroInquiry(ctx, event))
}

func TestHandleUserVerified(t *testing.T) {
	h, _, enqueuer := newTestHandlers(t)
	ctx := context.Background()

	event := testEvent("user.verified", "user-1")
	require.NoError(t, h.HandleUserVerified(ctx, event))

	require.Len(t, enqueuer.requests, 1)
	req := enqueuer.requests[0]
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "onboarding", req.ProducerID)
	assert.Equal(t, "welcome", req.Payload.Type)
	// The event id as idempotency key makes replays safe downstream.
	assert.Equal(t, "evt-1", req.IdempotencyKey)
}

func TestHandleMessageSuperseded(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	event := testEvent("message.superseded", "user-1")
	event.Payload = map[string]interface{}{"queued_id": "q-1", "reason": "stale"}
	assert.NoError(t, h.HandleMessageSuperseded(context.Background(), event))
}
