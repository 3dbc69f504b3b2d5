package log

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)
	return store
}

func appendTestEvent(t *testing.T, store *Store, eventType string, createdAt time.Time) *Event {
	event := &Event{
		EventType:     eventType,
		AggregateID:   "user-1",
		AggregateType: "user",
		Payload:       map[string]interface{}{"key": "value"},
		CreatedAt:     createdAt,
		CreatedBy:     "test",
	}
	require.NoError(t, store.Append(context.Background(), event))
	return event
}

func TestAppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := appendTestEvent(t, store, "user.message_received", time.Time{})
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, 1, event.Version)
	assert.False(t, event.CreatedAt.IsZero())

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, "user.message_received", got.EventType)
	assert.Equal(t, "user-1", got.AggregateID)
	assert.Equal(t, "value", got.Payload["key"])
	assert.False(t, got.Processed)
}

func TestListUnprocessedOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	second := appendTestEvent(t, store, "second", now.Add(time.Second))
	first := appendTestEvent(t, store, "first", now)
	third := appendTestEvent(t, store, "third", now.Add(2*time.Second))

	events, err := store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, second.ID, events[1].ID)
	assert.Equal(t, third.ID, events[2].ID)
}

func TestListUnprocessedSkipsBackedOff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := appendTestEvent(t, store, "ready", now)
	delayed := appendTestEvent(t, store, "delayed", now)
	notBefore := now.Add(time.Hour)
	require.NoError(t, store.UpdateMetadata(ctx, delayed.ID, Metadata{
		RetryCount: 1,
		NotBefore:  &notBefore,
	}))

	events, err := store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ready.ID, events[0].ID)
}

func TestMarkProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := appendTestEvent(t, store, "user.verified", time.Time{})

	ok, err := store.MarkProcessed(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second mark is a no-op.
	ok, err = store.MarkProcessed(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)

	events, err := store.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMoveToDeadLetter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := appendTestEvent(t, store, "user.intro_inquiry", time.Time{})
	event.Metadata.RetryCount = 5

	require.NoError(t, store.MoveToDeadLetter(ctx, event, "handler exploded"))

	// The original is marked processed so it cannot poison the loop.
	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	letters, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, event.ID, letters[0].EventID)
	assert.Equal(t, "user.intro_inquiry", letters[0].EventType)
	assert.Equal(t, "handler exploded", letters[0].ErrorMessage)
	assert.Equal(t, 5, letters[0].RetryCount)

	count, err := store.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
