package service

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// bcrypt ignores input past this many bytes, so longer passwords are refused.
const maxPasswordBytes = 72

// PasswordPolicy lists the composition rules a new password must satisfy.
type PasswordPolicy struct {
	RequiredLength         int
	RequiredUniqueChars    int
	RequireDigit           bool
	RequireLowercase       bool
	RequireUppercase       bool
	RequireNonAlphanumeric bool
}

// DefaultPasswordPolicy matches the stock identity defaults.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		RequiredLength:         6,
		RequiredUniqueChars:    1,
		RequireDigit:           true,
		RequireLowercase:       true,
		RequireUppercase:       true,
		RequireNonAlphanumeric: true,
	}
}

// Password rule codes reported in PasswordPolicyError.
const (
	PasswordTooShort                = "PasswordTooShort"
	PasswordTooLong                 = "PasswordTooLong"
	PasswordRequiresUniqueChars     = "PasswordRequiresUniqueChars"
	PasswordRequiresDigit           = "PasswordRequiresDigit"
	PasswordRequiresLower           = "PasswordRequiresLower"
	PasswordRequiresUpper           = "PasswordRequiresUpper"
	PasswordRequiresNonAlphanumeric = "PasswordRequiresNonAlphanumeric"
)

// PasswordPolicyError carries every rule a candidate password broke.
type PasswordPolicyError struct {
	Violations []string
}

func (e *PasswordPolicyError) Error() string {
	return fmt.Sprintf("password does not meet policy: %s", strings.Join(e.Violations, ", "))
}

// Validate returns nil or a *PasswordPolicyError.
func (p PasswordPolicy) Validate(password string) error {
	var violations []string

	if utf8.RuneCountInString(password) < p.RequiredLength {
		violations = append(violations, PasswordTooShort)
	}
	if len(password) > maxPasswordBytes {
		violations = append(violations, PasswordTooLong)
	}

	var digit, lower, upper, other bool
	unique := make(map[rune]struct{})
	for _, r := range password {
		unique[r] = struct{}{}
		switch {
		case r >= '0' && r <= '9':
			digit = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		default:
			other = true
		}
	}

	if p.RequireNonAlphanumeric && !other {
		violations = append(violations, PasswordRequiresNonAlphanumeric)
	}
	if p.RequireDigit && !digit {
		violations = append(violations, PasswordRequiresDigit)
	}
	if p.RequireLowercase && !lower {
		violations = append(violations, PasswordRequiresLower)
	}
	if p.RequireUppercase && !upper {
		violations = append(violations, PasswordRequiresUpper)
	}
	if p.RequiredUniqueChars >= 1 && len(unique) < p.RequiredUniqueChars {
		violations = append(violations, PasswordRequiresUniqueChars)
	}

	if len(violations) > 0 {
		return &PasswordPolicyError{Violations: violations}
	}
	return nil
}
