package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/courierd/courierd/internal/tasks/models"
)

// SQLStore is a sqlx-backed task store (SQLite or Postgres via the shared pool).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates a task store on an existing connection pool and
// initializes the schema.
func NewSQLStore(writer, reader *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize tasks schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agent_tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		agent_type TEXT DEFAULT '',
		user_id TEXT DEFAULT '',
		context_json TEXT NOT NULL DEFAULT '{}',
		scheduled_for TIMESTAMP NOT NULL,
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		last_attempted_at TIMESTAMP,
		result_json TEXT DEFAULT '',
		error_log TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_agent_tasks_due ON agent_tasks(status, scheduled_for);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_user ON agent_tasks(user_id, task_type, status);
	`)
	return err
}

// Create inserts a new task, applying defaults for missing fields.
func (s *SQLStore) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.ScheduledFor.IsZero() {
		task.ScheduledFor = time.Now().UTC()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = 3
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := json.Marshal(task.Context)
	if err != nil {
		return fmt.Errorf("failed to serialize task context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_tasks (
			id, task_type, agent_type, user_id, context_json, scheduled_for,
			priority, status, retry_count, max_retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.TaskType, task.AgentType, task.UserID, string(contextJSON),
		task.ScheduledFor, task.Priority, task.Status, task.RetryCount,
		task.MaxRetries, task.CreatedAt)
	return err
}

// Get retrieves a task by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, task_type, agent_type, user_id, context_json, scheduled_for,
		       priority, status, retry_count, max_retries, last_attempted_at,
		       result_json, error_log, created_at, completed_at
		FROM agent_tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, err
}

// ListDue returns up to limit pending tasks that are due, ordered by priority
// rank then scheduled_for ascending.
func (s *SQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_type, agent_type, user_id, context_json, scheduled_for,
		       priority, status, retry_count, max_retries, last_attempted_at,
		       result_json, error_log, created_at, completed_at
		FROM agent_tasks
		WHERE status = ? AND scheduled_for <= ?
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4 END,
			scheduled_for ASC
		LIMIT ?
	`), models.StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// Claim transitions a task pending -> processing. The update is conditional
// so the loser of a claim race observes zero rows affected and skips.
func (s *SQLStore) Claim(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_tasks SET status = ?, last_attempted_at = ?
		WHERE id = ? AND status = ?
	`), models.StatusProcessing, time.Now().UTC(), id, models.StatusPending)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Complete marks a task completed with its result.
func (s *SQLStore) Complete(ctx context.Context, id string, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize task result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_tasks SET status = ?, result_json = ?, completed_at = ?
		WHERE id = ?
	`), models.StatusCompleted, string(resultJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// Reschedule returns a task to pending for a later attempt.
func (s *SQLStore) Reschedule(ctx context.Context, id string, nextAttempt time.Time, attemptErr string) error {
	return s.appendErrorAndUpdate(ctx, id, attemptErr, func(errLogJSON string) (sql.Result, error) {
		return s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE agent_tasks SET status = ?, scheduled_for = ?,
				retry_count = retry_count + 1, error_log = ?
			WHERE id = ?
		`), models.StatusPending, nextAttempt, errLogJSON, id)
	})
}

// Fail marks a task permanently failed.
func (s *SQLStore) Fail(ctx context.Context, id string, attemptErr string) error {
	return s.appendErrorAndUpdate(ctx, id, attemptErr, func(errLogJSON string) (sql.Result, error) {
		return s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE agent_tasks SET status = ?, error_log = ?, completed_at = ?
			WHERE id = ?
		`), models.StatusFailed, errLogJSON, time.Now().UTC(), id)
	})
}

func (s *SQLStore) appendErrorAndUpdate(ctx context.Context, id, attemptErr string, update func(errLogJSON string) (sql.Result, error)) error {
	var errLogJSON string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT error_log FROM agent_tasks WHERE id = ?
	`), id).Scan(&errLogJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return err
	}

	var errLog []string
	if errLogJSON != "" {
		if err := json.Unmarshal([]byte(errLogJSON), &errLog); err != nil {
			errLog = nil
		}
	}
	errLog = append(errLog, fmt.Sprintf("%s: %s", time.Now().UTC().Format(time.RFC3339), attemptErr))
	updated, err := json.Marshal(errLog)
	if err != nil {
		return err
	}

	res, err := update(string(updated))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// CancelPendingByType cancels a user's pending tasks of one type.
func (s *SQLStore) CancelPendingByType(ctx context.Context, userID, taskType string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_tasks SET status = ?, error_log = ?, completed_at = ?
		WHERE user_id = ? AND task_type = ? AND status = ?
	`), models.StatusFailed, `["cancelled: superseded by user activity"]`,
		time.Now().UTC(), userID, taskType, models.StatusPending)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var contextJSON, resultJSON, errLogJSON string
	var lastAttemptedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.TaskType, &task.AgentType, &task.UserID,
		&contextJSON, &task.ScheduledFor, &task.Priority, &task.Status,
		&task.RetryCount, &task.MaxRetries, &lastAttemptedAt,
		&resultJSON, &errLogJSON, &task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if contextJSON != "" && contextJSON != "{}" {
		if err := json.Unmarshal([]byte(contextJSON), &task.Context); err != nil {
			return nil, fmt.Errorf("failed to deserialize task context: %w", err)
		}
	}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &task.Result); err != nil {
			return nil, fmt.Errorf("failed to deserialize task result: %w", err)
		}
	}
	if errLogJSON != "" && errLogJSON != "[]" {
		if err := json.Unmarshal([]byte(errLogJSON), &task.ErrorLog); err != nil {
			return nil, fmt.Errorf("failed to deserialize task error log: %w", err)
		}
	}
	if lastAttemptedAt.Valid {
		task.LastAttemptedAt = &lastAttemptedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}
