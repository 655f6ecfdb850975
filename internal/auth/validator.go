// Package auth validates bearer tokens issued by the external Auth
// collaborator. Token verification is the sole contract the core has with
// authentication (see spec Open Questions): issuance, password/Telegram
// flows, and key rotation all live outside this package.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/discordant/realtime-core/internal/apperr"
)

// Claims is the JWT payload the Auth collaborator is expected to issue.
type Claims struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies HS256 tokens against a single shared secret.
type Validator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewValidator builds a Validator. secret must be at least 32 bytes,
// matching the spec's minimum-length requirement for the signing key.
func NewValidator(secret, issuer, audience string) (*Validator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Validator{secret: []byte(secret), issuer: issuer, audience: audience}, nil
}

// ValidateToken parses and validates tokenString, returning the embedded
// claims on success. Expired tokens surface apperr.KindAuth with code
// "expired"; any other failure surfaces code "invalid_token".
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.KindAuth, "expired", "token expired", err)
		}
		return nil, apperr.Wrap(apperr.KindAuth, "invalid_token", "token could not be validated", err)
	}
	if !token.Valid {
		return nil, apperr.New(apperr.KindAuth, "invalid_token", "token is invalid")
	}

	return claims, nil
}

// TokenValidator is the dependency-inverted interface the gateway, voice,
// and proxy components depend on instead of *Validator directly.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// MockValidator is a development-only validator that trusts the token's
// unverified subject claim. Never wired when a real secret is configured.
type MockValidator struct {
	DefaultSubject string
}

func (m *MockValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{
		DisplayName: "Dev User",
	}
	subject := m.DefaultSubject
	if subject == "" {
		subject = "dev-user"
	}
	claims.Subject = subject
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	return claims, nil
}
