package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/workflow"
)

// ListWorkflows handles GET /api/workflows.
// @Summary List workflow definitions
// @Tags workflows
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /workflows [get]
func (h *Handler) ListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": h.svc.Workflows.List()})
}

// ExecuteWorkflow handles POST /api/workflows/:id/execute. The record is
// returned with 200 whether or not every step succeeded.
// @Summary Execute a workflow
// @Tags workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} workflow.ExecutionRecord
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workflows/{id}/execute [post]
func (h *Handler) ExecuteWorkflow(c *gin.Context) {
	execCtx := agent.ExecContext{"trigger": "api"}
	if claims, ok := auth.ClaimsFrom(c); ok {
		execCtx["user_id"] = claims.UserID
	}

	rec, err := h.svc.Workflows.Execute(c.Request.Context(), c.Param("id"), execCtx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ScheduleWorkflow handles POST /api/workflows/:id/schedule. An empty body
// uses the workflow's own cron.
// @Summary Schedule a workflow
// @Tags workflows
// @Accept json
// @Produce json
// @Param id path string true "Workflow ID"
// @Param request body models.ScheduleWorkflowRequest false "Cron override"
// @Success 201 {object} models.CreateScheduleResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workflows/{id}/schedule [post]
func (h *Handler) ScheduleWorkflow(c *gin.Context) {
	var req models.ScheduleWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid schedule body")
		return
	}
	sched, err := h.svc.Workflows.Schedule(c.Param("id"), req.Cron)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CreateScheduleResponse{ScheduleID: sched.ID, NextRun: sched.NextRun})
}

// WorkflowStatus handles GET /api/workflows/:id/status.
// @Summary Workflow status
// @Tags workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} workflow.Status
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workflows/{id}/status [get]
func (h *Handler) WorkflowStatus(c *gin.Context) {
	st, err := h.svc.Workflows.Status(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// CancelWorkflow handles POST /api/workflows/:id/cancel.
// @Summary Cancel running executions
// @Tags workflows
// @Produce json
// @Param id path string true "Workflow ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workflows/{id}/cancel [post]
func (h *Handler) CancelWorkflow(c *gin.Context) {
	n, err := h.svc.Workflows.Cancel(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

// WorkflowHistory handles GET /api/workflows/history.
// @Summary Workflow run history
// @Tags workflows
// @Produce json
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /workflows/history [get]
func (h *Handler) WorkflowHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	runs := h.svc.Workflows.History(limit)
	if runs == nil {
		runs = []workflow.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
