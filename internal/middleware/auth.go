package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/discordant/realtime-core/internal/apperr"
	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/logging"
)

const (
	ctxKeyClaims  = "claims"
	ctxKeySubject = "subject"
)

// Auth validates the bearer token on every request and rejects the request
// with 401 if it is missing, malformed, or fails validation. Downstream
// handlers retrieve the result via ClaimsFromContext.
func Auth(validator auth.TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_bearer_token"})
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			appErr, ok := apperr.Of(err)
			status := http.StatusUnauthorized
			code := "invalid_token"
			if ok {
				status = appErr.Kind.HTTPStatus()
				code = appErr.Code
			}
			logging.Warn(c.Request.Context(), "rejected request with invalid bearer token")
			c.AbortWithStatusJSON(status, gin.H{"error": code})
			return
		}

		c.Set(ctxKeyClaims, claims)
		c.Set(ctxKeySubject, claims.Subject)
		ctx := context.WithValue(c.Request.Context(), logging.UserIDKey, claims.Subject)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// ClaimsFromContext retrieves the validated claims set by Auth, if present.
func ClaimsFromContext(c *gin.Context) (*auth.Claims, bool) {
	v, exists := c.Get(ctxKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
