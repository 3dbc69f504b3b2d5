// Package store provides persistence for users.
package store

import (
	"context"

	"github.com/courierd/courierd/internal/user/models"
)

// Store defines the interface for user storage operations.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	// UpdateUserField sets a single allowlisted profile column.
	UpdateUserField(ctx context.Context, id, field string, value interface{}) error
	ListUsers(ctx context.Context) ([]*models.User, error)
	Close() error
}
