// Package store provides persistence for the message log.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/courierd/courierd/internal/messaging/models"
)

// Store defines the interface for message log operations.
type Store interface {
	// EnsureConversation returns the conversation for a user, creating it if needed.
	EnsureConversation(ctx context.Context, userID string) (*models.Conversation, error)

	// InsertOutboundTx writes an outbound message inside the caller's
	// transaction and flips it to queued_for_send (the trigger contract).
	// The caller publishes the realtime notification after commit.
	InsertOutboundTx(ctx context.Context, tx *sqlx.Tx, msg *models.Message) error

	// InsertInbound records a message received from the user.
	InsertInbound(ctx context.Context, msg *models.Message) error

	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// GetByProviderMessageID resolves a message by the carrier's sid.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error)

	// RecentMessages returns up to limit messages for a user, newest last.
	RecentMessages(ctx context.Context, userID string, limit int) ([]*models.Message, error)

	// LastInboundAt returns the creation time of the user's most recent
	// inbound message, or the zero time when none exists.
	LastInboundAt(ctx context.Context, userID string) (time.Time, error)

	// CountOutboundSince counts outbound messages created at or after since,
	// also returning the creation time of the oldest message in the window.
	CountOutboundSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error)

	// CountOutboundBetween counts outbound messages in [from, to).
	CountOutboundBetween(ctx context.Context, userID string, from, to time.Time) (int, error)

	// ListByStatus returns up to limit messages in one delivery state,
	// oldest first. The dispatcher sweeps queued_for_send rows with it.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Message, error)

	// UpdateDeliveryState records the provider's verdict for a message.
	UpdateDeliveryState(ctx context.Context, id, providerMessageID string, status models.Status) error

	Close() error
}
