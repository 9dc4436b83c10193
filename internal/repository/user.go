package repository

import (
	"context"
	"errors"
	"time"

	"identity-server/internal/domain"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup key.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUserName is returned when the normalized user name is taken.
	ErrDuplicateUserName = errors.New("user name already taken")
	// ErrDuplicateEmail is returned when the normalized email is taken.
	ErrDuplicateEmail = errors.New("email already taken")
	// ErrConcurrencyFailure is returned when the row changed since it was read.
	ErrConcurrencyFailure = errors.New("optimistic concurrency failure")
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	// Update persists user if its ConcurrencyStamp still matches the stored row,
	// and assigns a fresh stamp on success.
	Update(ctx context.Context, user *domain.User) error
	// RecordAccessFailure counts a failed sign-in in one statement. When the
	// count reaches limit the account is locked until lockoutEnd, the count
	// starts over and locked is true.
	RecordAccessFailure(ctx context.Context, id string, limit int, lockoutEnd time.Time) (locked bool, err error)
	// ResetAccessFailures clears the failure count and any lockout.
	ResetAccessFailures(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByNormalizedUserName(ctx context.Context, normalized string) (*domain.User, error)
	GetByNormalizedEmail(ctx context.Context, normalized string) (*domain.User, error)
}
