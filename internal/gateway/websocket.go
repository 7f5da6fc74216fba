package gateway

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
)

var wsTracer = otel.Tracer("push-websocket")

// StreamNotifications handles GET /api/ws/notifications. The connection
// joins the push hub under ?subscriber, falling back to the authenticated
// user id. Alerts addressed to "all" reach every connection.
// @Summary Stream push notifications
// @Tags notifications
// @Param subscriber query string false "Subscriber id; defaults to the token user"
// @Param token query string false "JWT when no Authorization header can be sent"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/notifications [get]
func (h *Handler) StreamNotifications(c *gin.Context) {
	_, span := wsTracer.Start(c.Request.Context(), "push.stream_notifications")
	defer span.End()

	subscriber := c.Query("subscriber")
	if subscriber == "" {
		if claims, ok := auth.ClaimsFrom(c); ok {
			subscriber = claims.UserID
		}
	}
	span.SetAttributes(attribute.String("push.subscriber", subscriber))

	// The upgrader writes its own error response on failure.
	if err := h.svc.Hub.ServeWS(c.Writer, c.Request, subscriber); err != nil {
		span.RecordError(err)
		h.logger.Warn("websocket upgrade failed", "subscriber", subscriber, "error", err)
	}
}
