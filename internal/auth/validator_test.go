package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "01234567890123456789012345678901"

func sign(t *testing.T, claims *Claims, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestNewValidatorRejectsShortSecret(t *testing.T) {
	_, err := NewValidator("short", "issuer", "aud")
	require.Error(t, err)
}

func TestValidateTokenAcceptsWellFormedToken(t *testing.T) {
	v, err := NewValidator(testSecret, "discordant-auth", "discordant-realtime")
	require.NoError(t, err)

	claims := &Claims{
		DisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "discordant-auth",
			Audience:  jwt.ClaimStrings{"discordant-realtime"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString := sign(t, claims, testSecret)

	got, err := v.ValidateToken(tokenString)
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.Subject)
	assert.Equal(t, "Ada", got.DisplayName)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	v, err := NewValidator(testSecret, "", "")
	require.NoError(t, err)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tokenString := sign(t, claims, testSecret)

	_, err = v.ValidateToken(tokenString)
	require.Error(t, err)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	v, err := NewValidator(testSecret, "", "")
	require.NoError(t, err)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString := sign(t, claims, "different-secret-thats-also-32by")

	_, err = v.ValidateToken(tokenString)
	require.Error(t, err)
}

func TestValidateTokenRejectsWrongAlgorithm(t *testing.T) {
	v, err := NewValidator(testSecret, "", "")
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-123"},
	})
	tokenString, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(tokenString)
	require.Error(t, err)
}

func TestMockValidatorAlwaysSucceeds(t *testing.T) {
	m := &MockValidator{DefaultSubject: "dev-user-42"}
	claims, err := m.ValidateToken("anything")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-42", claims.Subject)
}
