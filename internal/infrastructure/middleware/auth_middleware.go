package middleware

import (
	"videorelay/internal/core/ports"
	"videorelay/internal/core/services"
	"videorelay/pkg/errors"
	"videorelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags each request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// OptionalAuthMiddleware validates a bearer token when one is supplied and
// stores its claims on the request context. Anonymous viewers pass through.
func OptionalAuthMiddleware(auth *services.TokenAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.Next()
			return
		}

		if claims, err := auth.ValidateToken(token); err == nil {
			ctx := services.WithClaims(c.Request.Context(), claims)
			ctx = logger.WithViewer(ctx, claims.Subject)
			c.Request = c.Request.WithContext(ctx)
			c.Set("viewer", claims.Subject)
		}

		c.Next()
	}
}

// RequireAdmin aborts with 401 unless the authorizer accepts the caller as admin.
func RequireAdmin(authz ports.Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authz.IsAdmin(c.Request) {
			_ = c.Error(errors.NewUnauthorizedError("admin privileges required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
