package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Store persists events and dead letters.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates an event log store on an existing connection pool and
// initializes the schema.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT DEFAULT '',
		aggregate_type TEXT DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		processed INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		created_by TEXT DEFAULT '',
		processed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS event_dead_letters (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		error_message TEXT DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		original_created_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_unprocessed ON events(processed, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_id, created_at);
	`)
	return err
}

// Append writes a new event to the log.
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO events (
			id, event_type, aggregate_id, aggregate_type, payload, metadata,
			processed, version, created_at, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.EventType, event.AggregateID, event.AggregateType,
		string(payloadJSON), string(metadataJSON), event.Processed, event.Version,
		event.CreatedAt, event.CreatedBy)
	return err
}

// Get retrieves an event by ID.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, event_type, aggregate_id, aggregate_type, payload, metadata,
		       processed, version, created_at, created_by, processed_at
		FROM events WHERE id = ?
	`), id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", id)
	}
	return event, err
}

// ListUnprocessed returns up to limit unprocessed events in created_at order,
// skipping events whose metadata not_before lies in the future.
func (s *Store) ListUnprocessed(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, event_type, aggregate_id, aggregate_type, payload, metadata,
		       processed, version, created_at, created_by, processed_at
		FROM events WHERE processed = ?
		ORDER BY created_at ASC LIMIT ?
	`), false, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	now := time.Now().UTC()
	var result []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if event.Metadata.NotBefore != nil && event.Metadata.NotBefore.After(now) {
			continue
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// MarkProcessed flips the processed flag. The update is conditional on
// processed=false so that concurrent processors cannot double-process; the
// loser observes zero rows affected.
func (s *Store) MarkProcessed(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE events SET processed = ?, processed_at = ? WHERE id = ? AND processed = ?
	`), true, time.Now().UTC(), id, false)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// UpdateMetadata persists retry bookkeeping for an unprocessed event.
func (s *Store) UpdateMetadata(ctx context.Context, id string, md Metadata) error {
	metadataJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to serialize event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE events SET metadata = ? WHERE id = ?
	`), string(metadataJSON), id)
	return err
}

// MoveToDeadLetter copies an exhausted event into the dead-letter table and
// marks the original processed, in one transaction.
func (s *Store) MoveToDeadLetter(ctx context.Context, event *Event, lastError string) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		payloadJSON = []byte("{}")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO event_dead_letters (
			id, event_id, event_type, payload, error_message, retry_count,
			original_created_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), uuid.New().String(), event.ID, event.EventType, string(payloadJSON),
		lastError, event.Metadata.RetryCount, event.CreatedAt, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE events SET processed = ?, processed_at = ? WHERE id = ?
	`), true, time.Now().UTC(), event.ID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListDeadLetters returns dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, event_id, event_type, payload, error_message, retry_count,
		       original_created_at, created_at
		FROM event_dead_letters ORDER BY created_at DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var payloadJSON string
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.EventType, &payloadJSON,
			&dl.ErrorMessage, &dl.RetryCount, &dl.OriginalCreatedAt, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize dead letter payload: %w", err)
		}
		result = append(result, dl)
	}
	return result, rows.Err()
}

// CountDeadLetters returns the total number of dead letters.
func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_dead_letters`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	event := &Event{}
	var payloadJSON, metadataJSON string
	var processedAt sql.NullTime

	err := row.Scan(&event.ID, &event.EventType, &event.AggregateID, &event.AggregateType,
		&payloadJSON, &metadataJSON, &event.Processed, &event.Version,
		&event.CreatedAt, &event.CreatedBy, &processedAt)
	if err != nil {
		return nil, err
	}

	if payloadJSON != "" && payloadJSON != "{}" {
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize event metadata: %w", err)
		}
	}
	if processedAt.Valid {
		event.ProcessedAt = &processedAt.Time
	}
	return event, nil
}
