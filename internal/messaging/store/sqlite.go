package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/courierd/courierd/internal/messaging/models"
)

// SQLStore is a sqlx-backed message log (SQLite or Postgres via the shared pool).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates a message log store on an existing connection pool and
// initializes the schema.
func NewSQLStore(writer, reader *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize messages schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		direction TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		provider_message_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_user_direction ON messages(user_id, direction, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
	CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider_message_id);
	`)
	return err
}

// EnsureConversation returns the conversation for a user, creating it if needed.
func (s *SQLStore) EnsureConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, created_at, updated_at FROM conversations WHERE user_id = ?
	`), userID).Scan(&conv.ID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
	if err == nil {
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)
	`), conv.ID, conv.UserID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		// Lost a create race; re-read the winner's row.
		readErr := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
			SELECT id, user_id, created_at, updated_at FROM conversations WHERE user_id = ?
		`), userID).Scan(&conv.ID, &conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
		if readErr != nil {
			return nil, err
		}
	}
	return conv, nil
}

// InsertOutboundTx writes an outbound message inside the caller's transaction.
// The row is inserted as pending and flipped to queued_for_send in the same
// transaction, mirroring the production database trigger.
func (s *SQLStore) InsertOutboundTx(ctx context.Context, tx *sqlx.Tx, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Role = models.RoleAgent
	msg.Direction = models.DirectionOutbound
	msg.Status = models.StatusPending
	msg.CreatedAt = time.Now().UTC()

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (
			id, conversation_id, user_id, role, direction, content, status,
			provider_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Direction,
		msg.Content, msg.Status, msg.ProviderMessageID, msg.CreatedAt)
	if err != nil {
		return err
	}

	// Trigger contract: pending -> queued_for_send.
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE messages SET status = ? WHERE id = ? AND status = ?
	`), models.StatusQueuedForSend, msg.ID, models.StatusPending)
	if err != nil {
		return err
	}
	msg.Status = models.StatusQueuedForSend
	return nil
}

// InsertInbound records a message received from the user.
func (s *SQLStore) InsertInbound(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Role = models.RoleUser
	msg.Direction = models.DirectionInbound
	if msg.Status == "" {
		msg.Status = models.StatusDelivered
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (
			id, conversation_id, user_id, role, direction, content, status,
			provider_message_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Direction,
		msg.Content, msg.Status, msg.ProviderMessageID, msg.CreatedAt)
	return err
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var sentAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, user_id, role, direction, content, status,
		       provider_message_id, created_at, sent_at
		FROM messages WHERE id = ?
	`), id).Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Direction,
		&msg.Content, &msg.Status, &msg.ProviderMessageID, &msg.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}

// GetByProviderMessageID resolves a message by the carrier's sid. Delivery
// receipts arrive keyed on it.
func (s *SQLStore) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	msg := &models.Message{}
	var sentAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, user_id, role, direction, content, status,
		       provider_message_id, created_at, sent_at
		FROM messages WHERE provider_message_id = ?
		ORDER BY created_at DESC LIMIT 1
	`), providerMessageID).Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role,
		&msg.Direction, &msg.Content, &msg.Status, &msg.ProviderMessageID,
		&msg.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found for provider id %s", providerMessageID)
	}
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}

// RecentMessages returns up to limit messages for a user, newest last.
func (s *SQLStore) RecentMessages(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, user_id, role, direction, content, status,
		       provider_message_id, created_at, sent_at
		FROM messages WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var sentAt sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Direction,
			&msg.Content, &msg.Status, &msg.ProviderMessageID, &msg.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// LastInboundAt returns the creation time of the user's most recent inbound
// message, or the zero time when none exists.
func (s *SQLStore) LastInboundAt(ctx context.Context, userID string) (time.Time, error) {
	var createdAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT MAX(created_at) FROM messages WHERE user_id = ? AND direction = ?
	`), userID, models.DirectionInbound).Scan(&createdAt)
	if err != nil {
		return time.Time{}, err
	}
	if !createdAt.Valid {
		return time.Time{}, nil
	}
	return createdAt.Time, nil
}

// CountOutboundSince counts outbound messages created at or after since, also
// returning the creation time of the oldest message in the window.
func (s *SQLStore) CountOutboundSince(ctx context.Context, userID string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*), MIN(created_at)
		FROM messages
		WHERE user_id = ? AND direction = ? AND created_at >= ?
	`), userID, models.DirectionOutbound, since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	return count, oldest.Time, nil
}

// CountOutboundBetween counts outbound messages in [from, to).
func (s *SQLStore) CountOutboundBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM messages
		WHERE user_id = ? AND direction = ? AND created_at >= ? AND created_at < ?
	`), userID, models.DirectionOutbound, from, to).Scan(&count)
	return count, err
}

// ListByStatus returns up to limit messages in one delivery state, oldest
// first.
func (s *SQLStore) ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Message, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, conversation_id, user_id, role, direction, content, status,
		       provider_message_id, created_at, sent_at
		FROM messages WHERE status = ?
		ORDER BY created_at ASC LIMIT ?
	`), status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var sentAt sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Role, &msg.Direction,
			&msg.Content, &msg.Status, &msg.ProviderMessageID, &msg.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// UpdateDeliveryState records the provider's verdict for a message. The sent
// timestamp is stamped on the first transition into sent.
func (s *SQLStore) UpdateDeliveryState(ctx context.Context, id, providerMessageID string, status models.Status) error {
	var result sql.Result
	var err error
	if status == models.StatusSent {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE messages SET status = ?, provider_message_id = ?, sent_at = ?
			WHERE id = ?
		`), status, providerMessageID, time.Now().UTC(), id)
	} else {
		result, err = s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE messages SET status = ?, provider_message_id = ? WHERE id = ?
		`), status, providerMessageID, id)
	}
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message not found: %s", id)
	}
	return nil
}
