package domain

import "time"

// User represents an account known to the identity store.
type User struct {
	ID                 string
	UserName           string
	NormalizedUserName string
	Email              string
	NormalizedEmail    string
	EmailConfirmed     bool
	PasswordHash       string
	SecurityStamp      string
	ConcurrencyStamp   string
	TwoFactorEnabled   bool
	LockoutEnabled     bool
	LockoutEnd         *time.Time
	AccessFailedCount  int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsLockedOut reports whether the account is locked at the given instant.
func (u *User) IsLockedOut(now time.Time) bool {
	if u == nil || !u.LockoutEnabled || u.LockoutEnd == nil {
		return false
	}
	return u.LockoutEnd.After(now)
}
