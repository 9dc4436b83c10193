package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"identity-server/internal/domain"
	"identity-server/internal/repository"
)

const userColumns = `id, user_name, normalized_user_name, email, normalized_email, email_confirmed,
	password_hash, security_stamp, concurrency_stamp, two_factor_enabled,
	lockout_enabled, lockout_end, access_failed_count, created_at, updated_at`

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.ConcurrencyStamp == "" {
		user.ConcurrencyStamp = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.UserName,
		user.NormalizedUserName,
		user.Email,
		user.NormalizedEmail,
		user.EmailConfirmed,
		user.PasswordHash,
		user.SecurityStamp,
		user.ConcurrencyStamp,
		user.TwoFactorEnabled,
		user.LockoutEnabled,
		nullTime(user.LockoutEnd),
		user.AccessFailedCount,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) Update(ctx context.Context, user *domain.User) error {
	next := uuid.NewString()
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
UPDATE users SET
	user_name = ?,
	normalized_user_name = ?,
	email = ?,
	normalized_email = ?,
	email_confirmed = ?,
	password_hash = ?,
	security_stamp = ?,
	concurrency_stamp = ?,
	two_factor_enabled = ?,
	lockout_enabled = ?,
	lockout_end = ?,
	access_failed_count = ?,
	updated_at = ?
WHERE id = ? AND concurrency_stamp = ?`,
		user.UserName,
		user.NormalizedUserName,
		user.Email,
		user.NormalizedEmail,
		user.EmailConfirmed,
		user.PasswordHash,
		user.SecurityStamp,
		next,
		user.TwoFactorEnabled,
		user.LockoutEnabled,
		nullTime(user.LockoutEnd),
		user.AccessFailedCount,
		now,
		user.ID,
		user.ConcurrencyStamp,
	)
	if err != nil {
		if dup := duplicateError(err); dup != nil {
			return dup
		}
		return fmt.Errorf("update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrConcurrencyFailure
	}

	user.ConcurrencyStamp = next
	user.UpdatedAt = now
	return nil
}

func (r *UserRepository) RecordAccessFailure(ctx context.Context, id string, limit int, lockoutEnd time.Time) (bool, error) {
	end := lockoutEnd.UTC()
	var count int
	err := r.db.QueryRowContext(ctx, `
UPDATE users SET
	access_failed_count = CASE WHEN access_failed_count + 1 >= ? THEN 0 ELSE access_failed_count + 1 END,
	lockout_end = CASE WHEN access_failed_count + 1 >= ? THEN ? ELSE lockout_end END,
	concurrency_stamp = ?,
	updated_at = ?
WHERE id = ?
RETURNING access_failed_count`,
		limit,
		limit,
		nullTime(&end),
		uuid.NewString(),
		time.Now().UTC(),
		id,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, repository.ErrUserNotFound
		}
		return false, fmt.Errorf("record access failure: %w", err)
	}
	// the increment always yields at least 1, so 0 means the limit was hit
	return count == 0, nil
}

func (r *UserRepository) ResetAccessFailures(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE users SET
	access_failed_count = 0,
	lockout_end = NULL,
	concurrency_stamp = ?,
	updated_at = ?
WHERE id = ?`,
		uuid.NewString(),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("reset access failures: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset access failures rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *UserRepository) GetByNormalizedUserName(ctx context.Context, normalized string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE normalized_user_name = ?`, normalized)
	return scanUser(row)
}

func (r *UserRepository) GetByNormalizedEmail(ctx context.Context, normalized string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE normalized_email = ?`, normalized)
	return scanUser(row)
}

func scanUser(row interface {
	Scan(dest ...any) error
}) (*domain.User, error) {
	var (
		user       domain.User
		lockoutEnd sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.UserName,
		&user.NormalizedUserName,
		&user.Email,
		&user.NormalizedEmail,
		&user.EmailConfirmed,
		&user.PasswordHash,
		&user.SecurityStamp,
		&user.ConcurrencyStamp,
		&user.TwoFactorEnabled,
		&user.LockoutEnabled,
		&lockoutEnd,
		&user.AccessFailedCount,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if lockoutEnd.Valid {
		end := lockoutEnd.Time
		user.LockoutEnd = &end
	}
	return &user, nil
}

func duplicateError(err error) error {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "unique") {
		return nil
	}
	switch {
	case strings.Contains(msg, "normalized_email"):
		return fmt.Errorf("%w: %v", repository.ErrDuplicateEmail, err)
	case strings.Contains(msg, "normalized_user_name"):
		return fmt.Errorf("%w: %v", repository.ErrDuplicateUserName, err)
	default:
		return fmt.Errorf("%w: %v", repository.ErrDuplicateUserName, err)
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ repository.UserRepository = (*UserRepository)(nil)
