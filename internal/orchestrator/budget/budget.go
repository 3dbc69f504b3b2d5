// Package budget tracks per-user daily message allowances.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Budget is one user's allowance for one local calendar day. Date is the
// user-local day formatted as 2006-01-02.
type Budget struct {
	UserID            string     `json:"user_id"`
	Date              string     `json:"date"`
	MessagesSent      int        `json:"messages_sent"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	DailyLimit        int        `json:"daily_limit"`
	HourlyLimit       int        `json:"hourly_limit"`
	QuietHoursEnabled bool       `json:"quiet_hours_enabled"`
}

// SQLStore is a sqlx-backed budget store (SQLite or Postgres via the
// shared pool).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader

	defaultDailyLimit  int
	defaultHourlyLimit int
}

// NewSQLStore creates a budget store on an existing connection pool and
// initializes the schema.
func NewSQLStore(writer, reader *sqlx.DB, defaultDailyLimit, defaultHourlyLimit int) (*SQLStore, error) {
	s := &SQLStore{
		db:                 writer,
		ro:                 reader,
		defaultDailyLimit:  defaultDailyLimit,
		defaultHourlyLimit: defaultHourlyLimit,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize budget schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS user_message_budget (
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		last_message_at TIMESTAMP,
		daily_limit INTEGER NOT NULL,
		hourly_limit INTEGER NOT NULL,
		quiet_hours_enabled INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (user_id, date)
	);
	`)
	return err
}

// GetOrCreate returns the user's budget for a local day, creating it with
// the default limits on first use. localDay is the user-local date.
func (s *SQLStore) GetOrCreate(ctx context.Context, userID string, localDay time.Time) (*Budget, error) {
	date := localDay.Format("2006-01-02")

	b, err := s.get(ctx, userID, date)
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	b = &Budget{
		UserID:            userID,
		Date:              date,
		DailyLimit:        s.defaultDailyLimit,
		HourlyLimit:       s.defaultHourlyLimit,
		QuietHoursEnabled: true,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO user_message_budget (
			user_id, date, messages_sent, daily_limit, hourly_limit, quiet_hours_enabled
		) VALUES (?, ?, ?, ?, ?, ?)
	`), b.UserID, b.Date, b.MessagesSent, b.DailyLimit, b.HourlyLimit, b.QuietHoursEnabled)
	if err != nil {
		// Lost a create race; re-read the winner's row.
		existing, readErr := s.get(ctx, userID, date)
		if readErr != nil {
			return nil, err
		}
		return existing, nil
	}
	return b, nil
}

func (s *SQLStore) get(ctx context.Context, userID, date string) (*Budget, error) {
	b := &Budget{}
	var lastMessageAt sql.NullTime
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT user_id, date, messages_sent, last_message_at, daily_limit,
		       hourly_limit, quiet_hours_enabled
		FROM user_message_budget WHERE user_id = ? AND date = ?
	`), userID, date).Scan(&b.UserID, &b.Date, &b.MessagesSent, &lastMessageAt,
		&b.DailyLimit, &b.HourlyLimit, &b.QuietHoursEnabled)
	if err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		b.LastMessageAt = &lastMessageAt.Time
	}
	return b, nil
}

// IncrementTx bumps messages_sent for a user's local day inside the caller's
// transaction, so the increment rolls back with a failed message insert.
func (s *SQLStore) IncrementTx(ctx context.Context, tx *sqlx.Tx, userID string, localDay time.Time) error {
	date := localDay.Format("2006-01-02")
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE user_message_budget
		SET messages_sent = messages_sent + 1, last_message_at = ?
		WHERE user_id = ? AND date = ?
	`), time.Now().UTC(), userID, date)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("budget row not found for user %s on %s", userID, date)
	}
	return nil
}

// SetLimits overrides a user's limits for a local day, creating the row if
// needed.
func (s *SQLStore) SetLimits(ctx context.Context, userID string, localDay time.Time, dailyLimit, hourlyLimit int, quietHoursEnabled bool) error {
	if _, err := s.GetOrCreate(ctx, userID, localDay); err != nil {
		return err
	}
	date := localDay.Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE user_message_budget
		SET daily_limit = ?, hourly_limit = ?, quiet_hours_enabled = ?
		WHERE user_id = ? AND date = ?
	`), dailyLimit, hourlyLimit, quietHoursEnabled, userID, date)
	return err
}
