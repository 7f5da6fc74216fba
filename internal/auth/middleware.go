package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// Gin context keys set by the middleware.
const (
	UserIDKey    = "user_id"
	UserRolesKey = "user_roles"
	ClaimsKey    = "claims"
)

// extractToken reads a bearer token from the Authorization header. Browsers
// cannot set headers on WebSocket upgrades, so GET requests may pass it in
// the "token" query parameter instead.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if header != "" {
		if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			return ""
		}
		return strings.TrimSpace(header[len(prefix):])
	}
	if c.Request.Method == http.MethodGet {
		return c.Query("token")
	}
	return ""
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: msg, Code: models.ErrCodeUnauthorized})
}

// RequireAuth rejects requests without a valid token and stores the claims
// on the gin context.
func RequireAuth(jm *JWTManager, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token := extractToken(c)
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			unauthorized(c, "Missing or invalid authorization header")
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jm.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			logger.Warn("invalid token", "error", err, "path", c.Request.URL.Path)
			unauthorized(c, "Invalid or expired token")
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_valid", true), attribute.String("user.id", claims.UserID))

		setClaims(c, claims)
		logger.Debug("user authenticated", "user_id", claims.UserID, "path", c.Request.URL.Path, "method", c.Request.Method)
		c.Next()
	}
}

// OptionalAuth attaches claims when a valid token is present and lets every
// request through.
func OptionalAuth(jm *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.optional_auth")
		defer span.End()

		token := extractToken(c)
		if token == "" {
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			c.Next()
			return
		}
		claims, err := jm.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			c.Next()
			return
		}
		span.SetAttributes(attribute.Bool("auth.authenticated", true))
		setClaims(c, claims)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role")
		defer span.End()
		span.SetAttributes(attribute.String("required.role", role))

		claims, ok := ClaimsFrom(c)
		if !ok || !claims.HasRole(role) {
			span.SetAttributes(attribute.Bool("auth.role_authorized", false))
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
				Error: "Insufficient permissions",
				Code:  models.ErrCodeForbidden,
			})
			return
		}
		span.SetAttributes(attribute.Bool("auth.role_authorized", true))
		c.Next()
	}
}

func setClaims(c *gin.Context, claims *Claims) {
	c.Set(UserIDKey, claims.UserID)
	c.Set(UserRolesKey, claims.Roles)
	c.Set(ClaimsKey, claims)
}

// ClaimsFrom returns the claims stored by RequireAuth or OptionalAuth.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
