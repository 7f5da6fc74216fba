package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

// CreateSchedule handles POST /api/schedules.
// @Summary Create a recurring schedule
// @Tags schedules
// @Accept json
// @Produce json
// @Param request body models.CreateScheduleRequest true "Schedule definition"
// @Success 201 {object} models.CreateScheduleResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules [post]
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req models.CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "cron, taskAgent and taskAction are required")
		return
	}

	sched, err := h.svc.Scheduler.Create(scheduler.CreateRequest{
		Name:       req.Name,
		Cron:       req.Cron,
		TaskAgent:  req.TaskAgent,
		TaskAction: req.TaskAction,
		TaskParams: agent.Params(req.TaskParams),
		Enabled:    req.Enabled,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CreateScheduleResponse{ScheduleID: sched.ID, NextRun: sched.NextRun})
}

// ListSchedules handles GET /api/schedules.
// @Summary List schedules
// @Tags schedules
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /schedules [get]
func (h *Handler) ListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schedules": h.svc.Scheduler.List()})
}

// GetSchedule handles GET /api/schedules/:id.
// @Summary Get a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} scheduler.Schedule
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/{id} [get]
func (h *Handler) GetSchedule(c *gin.Context) {
	sched, err := h.svc.Scheduler.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// UpcomingSchedules handles GET /api/schedules/upcoming.
// @Summary Upcoming runs sorted by next run
// @Tags schedules
// @Produce json
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/upcoming [get]
func (h *Handler) UpcomingSchedules(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": h.svc.Scheduler.Upcoming(limit)})
}

// ScheduleHistory handles GET /api/schedules/history.
// @Summary Schedule execution history, most recent first
// @Tags schedules
// @Produce json
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/history [get]
func (h *Handler) ScheduleHistory(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": h.svc.Scheduler.History(limit)})
}

// PauseSchedule handles POST /api/schedules/:id/pause.
// @Summary Pause a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} scheduler.Schedule
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/{id}/pause [post]
func (h *Handler) PauseSchedule(c *gin.Context) {
	sched, err := h.svc.Scheduler.Pause(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// ResumeSchedule handles POST /api/schedules/:id/resume.
// @Summary Resume a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} scheduler.Schedule
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/{id}/resume [post]
func (h *Handler) ResumeSchedule(c *gin.Context) {
	sched, err := h.svc.Scheduler.Resume(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

// RunSchedule handles POST /api/schedules/:id/run.
// @Summary Run a schedule now
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} agent.ExecutionResult
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/{id}/run [post]
func (h *Handler) RunSchedule(c *gin.Context) {
	res, err := h.svc.Scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteSchedule handles DELETE /api/schedules/:id.
// @Summary Delete a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 204 "No Content"
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /schedules/{id} [delete]
func (h *Handler) DeleteSchedule(c *gin.Context) {
	if err := h.svc.Scheduler.Delete(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
