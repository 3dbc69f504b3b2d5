package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/common/logger"
	eventlog "github.com/courierd/courierd/internal/events/log"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	"github.com/courierd/courierd/internal/tasks/models"
	"github.com/courierd/courierd/internal/tasks/processor"
	usermodels "github.com/courierd/courierd/internal/user/models"
	userstore "github.com/courierd/courierd/internal/user/store"
)

type stubEnqueuer struct {
	requests []orchestrator.EnqueueRequest
	err      error
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, req orchestrator.EnqueueRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.requests = append(s.requests, req)
	return "queued-1", nil
}

type handlerEnv struct {
	handlers *Handlers
	enqueuer *stubEnqueuer
	users    userstore.Store
	messages msgstore.Store
	events   *eventlog.Store
	user     *usermodels.User
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	users, err := userstore.NewSQLStore(db, db)
	require.NoError(t, err)
	messages, err := msgstore.NewSQLStore(db, db)
	require.NoError(t, err)
	events, err := eventlog.NewStore(db, db)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	user := &usermodels.User{ID: "user-1", Phone: "+15551230001", Timezone: "UTC"}
	require.NoError(t, users.CreateUser(context.Background(), user))

	enqueuer := &stubEnqueuer{}
	return &handlerEnv{
		handlers: New(enqueuer, users, messages, events, log),
		enqueuer: enqueuer,
		users:    users,
		messages: messages,
		events:   events,
		user:     user,
	}
}

func newTask(taskType string, taskContext map[string]interface{}) *models.Task {
	return &models.Task{
		ID:       "task-1",
		TaskType: taskType,
		UserID:   "user-1",
		Context:  taskContext,
	}
}

func TestScheduleFollowup(t *testing.T) {
	env := newHandlerEnv(t)

	task := newTask("schedule_followup", map[string]interface{}{
		"type":  "followup",
		"topic": "moving-day",
	})
	result, err := env.handlers.ScheduleFollowup(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "queued-1", result["queued_id"])

	require.Len(t, env.enqueuer.requests, 1)
	req := env.enqueuer.requests[0]
	assert.Equal(t, "moving-day", req.Payload.Topic)
	assert.True(t, req.RequiresFreshContext)
	assert.Equal(t, "task-1", req.IdempotencyKey)
}

func TestScheduleFollowupEnqueueErrorIsRetryable(t *testing.T) {
	env := newHandlerEnv(t)
	env.enqueuer.err = errors.New("store unavailable")

	_, err := env.handlers.ScheduleFollowup(context.Background(),
		newTask("schedule_followup", nil))
	require.Error(t, err)
	var retryable *processor.RetryableError
	assert.ErrorAs(t, err, &retryable)
}

func TestUpdateUserProfile(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	t.Run("allowed field is written", func(t *testing.T) {
		task := newTask("update_user_profile", map[string]interface{}{
			"field": "timezone",
			"value": "America/Chicago",
		})
		_, err := env.handlers.UpdateUserProfile(ctx, task)
		require.NoError(t, err)

		user, err := env.users.GetUser(ctx, env.user.ID)
		require.NoError(t, err)
		assert.Equal(t, "America/Chicago", user.Timezone)
	})

	t.Run("missing field is a permanent failure", func(t *testing.T) {
		task := newTask("update_user_profile", map[string]interface{}{"value": "x"})
		_, err := env.handlers.UpdateUserProfile(ctx, task)
		require.Error(t, err)
		var retryable *processor.RetryableError
		assert.False(t, errors.As(err, &retryable))
	})

	t.Run("disallowed field is a permanent failure", func(t *testing.T) {
		task := newTask("update_user_profile", map[string]interface{}{
			"field": "phone",
			"value": "+15559999999",
		})
		_, err := env.handlers.UpdateUserProfile(ctx, task)
		require.Error(t, err)
		var retryable *processor.RetryableError
		assert.False(t, errors.As(err, &retryable))
	})
}

func TestResearchSolution(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	task := newTask("research_solution", map[string]interface{}{"inquiry": "help me move"})
	result, err := env.handlers.ResearchSolution(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "research-req-task-1", result["event_id"])

	event, err := env.events.Get(ctx, "research-req-task-1")
	require.NoError(t, err)
	assert.Equal(t, "solution.research_requested", event.EventType)
	assert.Equal(t, "user-1", event.AggregateID)
	assert.Equal(t, "help me move", event.Payload["inquiry"])
}

func TestReengagementCheck(t *testing.T) {
	t.Run("quiet user gets a nudge", func(t *testing.T) {
		env := newHandlerEnv(t)
		result, err := env.handlers.ReengagementCheck(context.Background(),
			newTask("reengagement_check", nil))
		require.NoError(t, err)
		assert.Equal(t, "queued-1", result["queued_id"])

		require.Len(t, env.enqueuer.requests, 1)
		assert.Equal(t, "reengagement", env.enqueuer.requests[0].Payload.Type)
		assert.Equal(t, queue.PriorityLow, env.enqueuer.requests[0].Priority)
	})

	t.Run("completed onboarding skips", func(t *testing.T) {
		env := newHandlerEnv(t)
		require.NoError(t, env.users.UpdateUserField(context.Background(),
			env.user.ID, "onboarding_completed", true))

		result, err := env.handlers.ReengagementCheck(context.Background(),
			newTask("reengagement_check", nil))
		require.NoError(t, err)
		assert.Equal(t, "onboarding completed", result["skipped"])
		assert.Empty(t, env.enqueuer.requests)
	})

	t.Run("recent activity skips", func(t *testing.T) {
		env := newHandlerEnv(t)
		ctx := context.Background()
		conv, err := env.messages.EnsureConversation(ctx, env.user.ID)
		require.NoError(t, err)
		require.NoError(t, env.messages.InsertInbound(ctx, &msgmodels.Message{
			ConversationID: conv.ID,
			UserID:         env.user.ID,
			Content:        "still here",
			CreatedAt:      time.Now().UTC().Add(-time.Hour),
		}))

		result, err := env.handlers.ReengagementCheck(ctx,
			newTask("reengagement_check", nil))
		require.NoError(t, err)
		assert.Equal(t, "user recently active", result["skipped"])
		assert.Empty(t, env.enqueuer.requests)
	})
}
