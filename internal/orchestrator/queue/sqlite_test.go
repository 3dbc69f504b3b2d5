package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, db)
	require.NoError(t, err)
	return store
}

func insertDue(t *testing.T, store *SQLStore, id string, priority Priority, scheduledFor time.Time) {
	_, err := store.Insert(context.Background(), &QueuedMessage{
		ID:           id,
		UserID:       "user-1",
		ProducerID:   "test-producer",
		Payload:      Payload{Type: "notification", Topic: "checkin"},
		Priority:     priority,
		ScheduledFor: scheduledFor,
	})
	require.NoError(t, err)
}

func TestListDueSelectsUrgentOverBacklog(t *testing.T) {
	store := newTestSQLStore(t)
	now := time.Date(2027, 6, 14, 15, 0, 0, 0, time.UTC)

	// A low-priority backlog older than the batch size, plus one urgent row
	// scheduled after all of it.
	for i := 0; i < 10; i++ {
		insertDue(t, store, fmt.Sprintf("low-%d", i), PriorityLow, now.Add(-time.Hour))
	}
	insertDue(t, store, "urgent-1", PriorityUrgent, now.Add(-time.Minute))

	due, err := store.ListDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 10)
	assert.Equal(t, "urgent-1", due[0].ID, "urgent row must make the batch ahead of the backlog")
}

func TestListDueOrdering(t *testing.T) {
	store := newTestSQLStore(t)
	now := time.Date(2027, 6, 14, 15, 0, 0, 0, time.UTC)

	insertDue(t, store, "medium-late", PriorityMedium, now.Add(-time.Minute))
	insertDue(t, store, "medium-early", PriorityMedium, now.Add(-time.Hour))
	insertDue(t, store, "high-1", PriorityHigh, now.Add(-time.Minute))
	insertDue(t, store, "future-1", PriorityUrgent, now.Add(time.Hour))

	due, err := store.ListDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "high-1", due[0].ID)
	assert.Equal(t, "medium-early", due[1].ID)
	assert.Equal(t, "medium-late", due[2].ID)
}
