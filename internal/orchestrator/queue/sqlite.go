package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotQueued is returned when a status transition requires the row to
// still be in the queued state.
var ErrNotQueued = fmt.Errorf("message is not in queued state")

// SQLStore is a sqlx-backed message queue (SQLite or Postgres via the
// shared pool).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates a queue store on an existing connection pool and
// initializes the schema.
func NewSQLStore(writer, reader *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize message queue schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS message_queue (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		producer_id TEXT NOT NULL,
		message_data TEXT NOT NULL DEFAULT '{}',
		final_message TEXT DEFAULT '',
		scheduled_for TIMESTAMP NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'queued',
		can_delay INTEGER NOT NULL DEFAULT 1,
		requires_fresh_context INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT DEFAULT '',
		supersedes_of TEXT DEFAULT '',
		replaced_by TEXT DEFAULT '',
		superseded_reason TEXT DEFAULT '',
		delivered_message_id TEXT DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		sent_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_message_queue_due ON message_queue(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_message_queue_user ON message_queue(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_message_queue_idem ON message_queue(user_id, producer_id, idempotency_key);
	`)
	return err
}

// Insert persists a new queued message. When an idempotency key is set and a
// non-terminal row with the same (user, producer, key) exists, the existing
// row is returned instead of inserting a duplicate.
func (s *SQLStore) Insert(ctx context.Context, msg *QueuedMessage) (*QueuedMessage, error) {
	if msg.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, msg.UserID, msg.ProducerID, msg.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = StatusQueued
	}
	if msg.Priority == "" {
		msg.Priority = PriorityMedium
	}
	now := time.Now().UTC()
	if msg.ScheduledFor.IsZero() {
		msg.ScheduledFor = now
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	payloadJSON, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message payload: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO message_queue (
			id, user_id, producer_id, message_data, final_message, scheduled_for,
			priority, status, can_delay, requires_fresh_context, idempotency_key,
			supersedes_of, replaced_by, superseded_reason, delivered_message_id,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.UserID, msg.ProducerID, string(payloadJSON), msg.RenderedText,
		msg.ScheduledFor, msg.Priority, msg.Status, msg.CanDelay,
		msg.RequiresFreshContext, msg.IdempotencyKey, msg.SupersedesOf,
		msg.ReplacedBy, msg.SupersededReason, msg.DeliveredMessageID,
		string(metadataJSON), msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) findByIdempotencyKey(ctx context.Context, userID, producerID, key string) (*QueuedMessage, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(selectColumns+`
		FROM message_queue
		WHERE user_id = ? AND producer_id = ? AND idempotency_key = ?
		  AND status IN (?, ?)
		ORDER BY created_at ASC LIMIT 1
	`), userID, producerID, key, StatusQueued, StatusSent)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanQueued(rows)
}

// Get retrieves a queued message by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*QueuedMessage, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectColumns+`
		FROM message_queue WHERE id = ?
	`), id)
	msg, err := scanQueued(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queued message not found: %s", id)
	}
	return msg, err
}

// ListDue returns up to limit queued rows with scheduled_for <= now, ordered
// by priority rank then scheduled_for then created_at. Selection order
// matters when more rows are due than fit the batch: an urgent row must make
// the cut ahead of an older low-priority backlog.
func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*QueuedMessage, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(selectColumns+`
		FROM message_queue
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4 END,
			scheduled_for ASC, created_at ASC
		LIMIT ?
	`), StatusQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*QueuedMessage
	for rows.Next() {
		msg, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

// Reschedule pushes a queued row's scheduled_for forward. Metadata records
// which gate deferred it.
func (s *SQLStore) Reschedule(ctx context.Context, msg *QueuedMessage, next time.Time, gate string) error {
	msg.Metadata.RescheduleCount++
	msg.Metadata.LastRescheduleGate = gate
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET scheduled_for = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), next, string(metadataJSON), time.Now().UTC(), msg.ID, StatusQueued)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotQueued
	}
	msg.ScheduledFor = next
	return nil
}

// SetRenderedText persists the rendered prose for a queued row.
func (s *SQLStore) SetRenderedText(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET final_message = ?, updated_at = ? WHERE id = ?
	`), text, time.Now().UTC(), id)
	return err
}

// UpdateMetadata persists pipeline bookkeeping for a row.
func (s *SQLStore) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	metadataJSON, err := json.Marshal(md)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET metadata = ?, updated_at = ? WHERE id = ?
	`), string(metadataJSON), time.Now().UTC(), id)
	return err
}

// Supersede transitions a queued row to superseded, recording the optional
// replacement in replaced_by. Fails with ErrNotQueued when the row is no
// longer queued, so a superseded or sent row never flips.
func (s *SQLStore) Supersede(ctx context.Context, id, reason, replacementID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET status = ?, superseded_reason = ?, replaced_by = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`), StatusSuperseded, reason, replacementID, time.Now().UTC(), id, StatusQueued)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotQueued
	}
	return nil
}

// Cancel transitions a queued row to cancelled, the producer-withdrawal
// state. Fails with ErrNotQueued once the row left the queue.
func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), StatusCancelled, time.Now().UTC(), id, StatusQueued)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotQueued
	}
	return nil
}

// MarkFailed transitions a row to failed.
func (s *SQLStore) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE message_queue SET status = ?, superseded_reason = ?, updated_at = ?
		WHERE id = ?
	`), StatusFailed, reason, time.Now().UTC(), id)
	return err
}

// MarkSentTx transitions a row queued -> sent inside the caller's
// transaction, recording the delivered message id. The conditional update
// makes re-entry of the pipeline a no-op.
func (s *SQLStore) MarkSentTx(ctx context.Context, tx *sqlx.Tx, id, deliveredMessageID string) error {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE message_queue SET status = ?, delivered_message_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), StatusSent, deliveredMessageID, now, now, id, StatusQueued)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotQueued
	}
	return nil
}

// ListQueuedByTopic returns a user's queued rows matching a payload semantic
// slot, oldest first. Used for producer-driven supersession.
func (s *SQLStore) ListQueuedByTopic(ctx context.Context, userID, payloadType, topic string) ([]*QueuedMessage, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(selectColumns+`
		FROM message_queue WHERE user_id = ? AND status = ?
		ORDER BY created_at ASC
	`), userID, StatusQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*QueuedMessage
	for rows.Next() {
		msg, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		if msg.Payload.Type == payloadType && msg.Payload.Topic == topic {
			result = append(result, msg)
		}
	}
	return result, rows.Err()
}

const selectColumns = `
	SELECT id, user_id, producer_id, message_data, final_message, scheduled_for,
	       priority, status, can_delay, requires_fresh_context, idempotency_key,
	       supersedes_of, replaced_by, superseded_reason, delivered_message_id,
	       metadata, created_at, updated_at, sent_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueued(row rowScanner) (*QueuedMessage, error) {
	msg := &QueuedMessage{}
	var payloadJSON, metadataJSON string
	var sentAt sql.NullTime

	err := row.Scan(&msg.ID, &msg.UserID, &msg.ProducerID, &payloadJSON,
		&msg.RenderedText, &msg.ScheduledFor, &msg.Priority, &msg.Status,
		&msg.CanDelay, &msg.RequiresFreshContext, &msg.IdempotencyKey,
		&msg.SupersedesOf, &msg.ReplacedBy, &msg.SupersededReason,
		&msg.DeliveredMessageID, &metadataJSON, &msg.CreatedAt, &msg.UpdatedAt,
		&sentAt)
	if err != nil {
		return nil, err
	}

	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize message payload: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize message metadata: %w", err)
		}
	}
	if sentAt.Valid {
		msg.SentAt = &sentAt.Time
	}
	return msg, nil
}
