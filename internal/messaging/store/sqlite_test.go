package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierd/courierd/internal/messaging/models"
)

func newTestStore(t *testing.T) (*SQLStore, *sqlx.DB) {
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, db)
	require.NoError(t, err)
	return store, db
}

func TestGetByProviderMessageID(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	conv, err := store.EnsureConversation(ctx, "user-1")
	require.NoError(t, err)

	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	msg := &models.Message{
		ConversationID: conv.ID,
		UserID:         "user-1",
		Content:        "on our way",
	}
	require.NoError(t, store.InsertOutboundTx(ctx, tx, msg))
	require.NoError(t, tx.Commit())
	require.NoError(t, store.UpdateDeliveryState(ctx, msg.ID, "SM123", models.StatusSent))

	got, err := store.GetByProviderMessageID(ctx, "SM123")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, models.DirectionOutbound, got.Direction)
	assert.Equal(t, models.StatusSent, got.Status)

	_, err = store.GetByProviderMessageID(ctx, "SM-missing")
	assert.Error(t, err)
}
