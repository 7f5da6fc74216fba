// Package gateway exposes the orchestration service over HTTP.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/alerts"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/orchestration"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/workflow"
)

const defaultHistoryLimit = 50

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	svc    *orchestration.Service
	logger *slog.Logger
}

// NewHandler creates a new gateway handler
func NewHandler(svc *orchestration.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "gateway")}
}

// errorStatus maps the service error taxonomy onto HTTP.
func errorStatus(err error) (int, string) {
	var herr *agent.HandlerError
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound, models.ErrCodeAgentNotFound
	case errors.Is(err, scheduler.ErrScheduleNotFound),
		errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound):
		return http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, agent.ErrUnsupportedAction), errors.Is(err, agent.ErrUnknownAction):
		return http.StatusBadRequest, models.ErrCodeUnsupportedAction
	case errors.Is(err, scheduler.ErrInvalidCronExpression):
		return http.StatusBadRequest, models.ErrCodeInvalidCron
	case errors.Is(err, cache.ErrInvalidCategory):
		return http.StatusBadRequest, models.ErrCodeInvalidCategory
	case errors.Is(err, agent.ErrInvalidParams), errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest, models.ErrCodeInvalidRequest
	case errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, alerts.ErrInvalidAlert),
		errors.Is(err, workflow.ErrInvalidWorkflow),
		errors.Is(err, workflow.ErrNoSchedule):
		return http.StatusBadRequest, models.ErrCodeValidationFailed
	case errors.As(err, &herr):
		return http.StatusBadGateway, models.ErrCodeUpstreamFailed
	default:
		return http.StatusInternalServerError, models.ErrCodeInternalError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, models.ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: msg, Code: models.ErrCodeInvalidRequest})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// Dispatch handles POST /api/dispatch. A handler failure is still a 200:
// the ExecutionResult carries success=false and the error. Routing errors
// (unknown agent, unsupported action) map to 404 and 400 with the same body.
// @Summary Dispatch a task to an agent
// @Tags agents
// @Accept json
// @Produce json
// @Param request body models.DispatchRequest true "Agent key, action and params"
// @Success 200 {object} agent.ExecutionResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /dispatch [post]
func (h *Handler) Dispatch(c *gin.Context) {
	var req models.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "agentKey and action are required")
		return
	}

	res := h.svc.Registry.Run(c.Request.Context(), req.AgentKey, agent.Task{
		Action: req.Action,
		Params: agent.Params(req.Params),
	}, agent.ExecContext(req.Context))

	status := http.StatusOK
	if !res.Success && res.Err != nil {
		switch s, _ := errorStatus(res.Err); s {
		case http.StatusNotFound, http.StatusBadRequest:
			if !errors.Is(res.Err, agent.ErrInvalidParams) {
				status = s
			}
		}
	}
	c.JSON(status, res)
}

// ListAgents handles GET /api/agents.
// @Summary List registered agents
// @Tags agents
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /agents [get]
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.svc.Registry.List()})
}

// AgentHealth handles GET /api/agents/health.
// @Summary Agent runtime counters
// @Tags agents
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /agents/health [get]
func (h *Handler) AgentHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.svc.Registry.Health()})
}
