package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// Gin context keys set by RequireSession.
const (
	SessionIDKey = "session_id"
	RunIDKey     = "run_id"
	ClaimsKey    = "claims"
)

// RequireSession is a Gin middleware that validates a session bearer token
func RequireSession(jwtManager *JWTManager, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_session")
		defer span.End()

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid authorization header", "code": http.StatusUnauthorized})
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			logger.Warn("invalid session token", zap.Error(err), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": http.StatusUnauthorized})
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("session.id", claims.SessionID),
		)

		c.Set(SessionIDKey, claims.SessionID)
		c.Set(RunIDKey, claims.RunID)
		c.Set(ClaimsKey, claims)

		logger.Debug("session authenticated",
			zap.String("session_id", claims.SessionID),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method))

		c.Next()
	}
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
