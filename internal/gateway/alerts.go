package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/alerts"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
)

// CreateAlert handles POST /api/alerts.
// @Summary Create an alert
// @Tags alerts
// @Accept json
// @Produce json
// @Param request body alerts.CreateRequest true "Alert definition"
// @Success 201 {object} models.CreateAlertResponse
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts [post]
func (h *Handler) CreateAlert(c *gin.Context) {
	var req alerts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid alert body")
		return
	}
	a, err := h.svc.Alerts.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CreateAlertResponse{AlertID: a.ID})
}

// ListAlerts handles GET /api/alerts, optionally filtered by ?subject.
// @Summary List alerts
// @Tags alerts
// @Produce json
// @Param subject query string false "Filter by subject"
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /alerts [get]
func (h *Handler) ListAlerts(c *gin.Context) {
	if subject := c.Query("subject"); subject != "" {
		c.JSON(http.StatusOK, gin.H{"alerts": h.svc.Alerts.ListBySubject(subject)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": h.svc.Alerts.List()})
}

// GetAlert handles GET /api/alerts/:id.
// @Summary Get an alert
// @Tags alerts
// @Produce json
// @Param id path string true "Alert ID"
// @Success 200 {object} alerts.Alert
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts/{id} [get]
func (h *Handler) GetAlert(c *gin.Context) {
	a, err := h.svc.Alerts.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// SetAlertActive handles PUT /api/alerts/:id/active.
// @Summary Activate or deactivate an alert
// @Tags alerts
// @Produce json
// @Param id path string true "Alert ID"
// @Success 200 {object} alerts.Alert
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts/{id}/active [put]
func (h *Handler) SetAlertActive(c *gin.Context) {
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "active is required")
		return
	}
	a, err := h.svc.Alerts.SetActive(c.Param("id"), *req.Active)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DeleteAlert handles DELETE /api/alerts/:id.
// @Summary Delete an alert
// @Tags alerts
// @Produce json
// @Param id path string true "Alert ID"
// @Success 204 "No Content"
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts/{id} [delete]
func (h *Handler) DeleteAlert(c *gin.Context) {
	if err := h.svc.Alerts.Delete(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteAlertsBySubject handles DELETE /api/alerts?subject=.
// @Summary Delete every alert for a subject
// @Tags alerts
// @Produce json
// @Param subject query string true "Subject"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts [delete]
func (h *Handler) DeleteAlertsBySubject(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		badRequest(c, "subject is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": h.svc.Alerts.DeleteBySubject(subject)})
}

// CheckAlerts handles POST /api/alerts/check.
// @Summary Evaluate active alerts now
// @Tags alerts
// @Produce json
// @Success 200 {object} alerts.CheckSummary
// @Security BearerAuth
// @Router /alerts/check [post]
func (h *Handler) CheckAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Alerts.CheckAlerts(c.Request.Context()))
}

// AlertHistory handles GET /api/alerts/history.
// @Summary Triggered alert history
// @Tags alerts
// @Produce json
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /alerts/history [get]
func (h *Handler) AlertHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"triggered": h.svc.Alerts.TriggeredHistory(limit)})
}
