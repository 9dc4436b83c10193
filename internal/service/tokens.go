package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPurpose scopes a token to the one operation that may consume it.
type TokenPurpose string

const (
	PurposeEmailConfirmation TokenPurpose = "EmailConfirmation"
	PurposeResetPassword     TokenPurpose = "ResetPassword"
	PurposeSession           TokenPurpose = "Session"
)

// ErrInvalidToken covers malformed, expired, mis-signed and mis-scoped tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenClaims binds a token to a user and to the security stamp current at issue time.
type TokenClaims struct {
	jwt.RegisteredClaims
	Purpose TokenPurpose `json:"purpose"`
	Stamp   string       `json:"stamp"`
}

// TokenIssuer signs and verifies HS256 purpose tokens.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, now: time.Now}
}

func (t *TokenIssuer) Issue(userID, stamp string, purpose TokenPurpose, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Purpose: purpose,
		Stamp:   stamp,
	})

	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", purpose, err)
	}
	return signed, expires, nil
}

// Parse verifies signature, expiry and purpose.
func (t *TokenIssuer) Parse(tokenString string, purpose TokenPurpose) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Purpose != purpose || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
