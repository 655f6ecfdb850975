// Package middleware contains the gin HTTP middleware used by the
// gateway's HTTP surface. The chi-based reverse proxy does not use it; it
// mounts chi's own middleware instead.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/discordant/realtime-core/internal/logging"
)

// HeaderXCorrelationID is the header carrying the request's correlation id,
// echoed to the client and propagated through logging/tracing.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns a correlation id to every request, reusing one the
// caller supplied so a request can be traced across collaborators.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
