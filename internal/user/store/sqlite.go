package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/courierd/courierd/internal/user/models"
)

// Allowlisted columns for UpdateUserField. Task handlers may only touch
// profile fields that cannot break delivery correctness.
var updatableFields = map[string]string{
	"timezone":             "timezone",
	"point_of_contact":     "point_of_contact",
	"onboarding_completed": "onboarding_completed",
	"engagement_score":     "engagement_score",
}

// SQLStore is a sqlx-backed user store (SQLite or Postgres via the shared pool).
type SQLStore struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates a user store on an existing connection pool and
// initializes the schema.
func NewSQLStore(writer, reader *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize users schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *SQLStore) Close() error { return nil }

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL UNIQUE,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		quiet_hours_start INTEGER NOT NULL DEFAULT 22,
		quiet_hours_end INTEGER NOT NULL DEFAULT 8,
		verified INTEGER NOT NULL DEFAULT 0,
		onboarding_completed INTEGER NOT NULL DEFAULT 0,
		point_of_contact TEXT DEFAULT '',
		response_pattern TEXT DEFAULT '',
		engagement_score REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone);
	`)
	return err
}

// CreateUser inserts a new user, assigning an ID when absent.
func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	patternJSON, err := marshalPattern(user.ResponsePattern)
	if err != nil {
		return err
	}

	var score float64
	if user.ResponsePattern != nil {
		score = user.ResponsePattern.EngagementScore
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (
			id, phone, timezone, quiet_hours_start, quiet_hours_end,
			verified, onboarding_completed, point_of_contact, response_pattern,
			engagement_score, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), user.ID, user.Phone, user.Timezone, user.QuietHoursStart, user.QuietHoursEnd,
		user.Verified, user.OnboardingCompleted, user.PointOfContact, patternJSON,
		score, user.CreatedAt, user.UpdatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

// GetUserByPhone retrieves a user by E.164 phone number.
func (s *SQLStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return s.getUserWhere(ctx, "phone = ?", phone)
}

func (s *SQLStore) getUserWhere(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	user := &models.User{}
	var patternJSON string
	var score float64

	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, phone, timezone, quiet_hours_start, quiet_hours_end,
		       verified, onboarding_completed, point_of_contact, response_pattern,
		       engagement_score, created_at, updated_at
		FROM users WHERE `+where), arg).Scan(
		&user.ID, &user.Phone, &user.Timezone, &user.QuietHoursStart, &user.QuietHoursEnd,
		&user.Verified, &user.OnboardingCompleted, &user.PointOfContact, &patternJSON,
		&score, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %v", arg)
	}
	if err != nil {
		return nil, err
	}

	pattern, err := unmarshalPattern(patternJSON)
	if err != nil {
		return nil, err
	}
	if pattern == nil && score > 0 {
		pattern = &models.ResponsePattern{EngagementScore: score}
	}
	user.ResponsePattern = pattern
	return user, nil
}

// UpdateUser persists all mutable user fields.
func (s *SQLStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now().UTC()

	patternJSON, err := marshalPattern(user.ResponsePattern)
	if err != nil {
		return err
	}
	var score float64
	if user.ResponsePattern != nil {
		score = user.ResponsePattern.EngagementScore
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE users SET
			phone = ?, timezone = ?, quiet_hours_start = ?, quiet_hours_end = ?,
			verified = ?, onboarding_completed = ?, point_of_contact = ?,
			response_pattern = ?, engagement_score = ?, updated_at = ?
		WHERE id = ?
	`), user.Phone, user.Timezone, user.QuietHoursStart, user.QuietHoursEnd,
		user.Verified, user.OnboardingCompleted, user.PointOfContact,
		patternJSON, score, user.UpdatedAt, user.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user not found: %s", user.ID)
	}
	return nil
}

// UpdateUserField sets a single allowlisted column.
func (s *SQLStore) UpdateUserField(ctx context.Context, id, field string, value interface{}) error {
	column, ok := updatableFields[field]
	if !ok {
		return fmt.Errorf("field not updatable: %s", field)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE users SET `+column+` = ?, updated_at = ? WHERE id = ?`),
		value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user not found: %s", id)
	}
	return nil
}

// ListUsers returns all users ordered by creation time.
func (s *SQLStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, phone, timezone, quiet_hours_start, quiet_hours_end,
		       verified, onboarding_completed, point_of_contact, response_pattern,
		       engagement_score, created_at, updated_at
		FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.User
	for rows.Next() {
		user := &models.User{}
		var patternJSON string
		var score float64
		if err := rows.Scan(
			&user.ID, &user.Phone, &user.Timezone, &user.QuietHoursStart, &user.QuietHoursEnd,
			&user.Verified, &user.OnboardingCompleted, &user.PointOfContact, &patternJSON,
			&score, &user.CreatedAt, &user.UpdatedAt,
		); err != nil {
			return nil, err
		}
		pattern, err := unmarshalPattern(patternJSON)
		if err != nil {
			return nil, err
		}
		user.ResponsePattern = pattern
		result = append(result, user)
	}
	return result, rows.Err()
}

func marshalPattern(p *models.ResponsePattern) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize response pattern: %w", err)
	}
	return string(data), nil
}

func unmarshalPattern(raw string) (*models.ResponsePattern, error) {
	if raw == "" {
		return nil, nil
	}
	var p models.ResponsePattern
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to deserialize response pattern: %w", err)
	}
	return &p, nil
}
