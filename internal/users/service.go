package users

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for the user directory.
type Service interface {
	RegisterUser(ctx context.Context, reg Registration) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetDirectoryEntry(ctx context.Context, id uuid.UUID) (*DirectoryEntry, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	VerifyPassword(ctx context.Context, email, password string) (*User, error)
	Stats(ctx context.Context) (*Stats, error)
}
