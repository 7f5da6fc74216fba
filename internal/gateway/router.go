package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/bizmatters/market-dashboard/orchestrator/docs" // swagger docs
	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/metrics"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/models"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/orchestration"
)

// AdminRole may clear the whole cache.
const AdminRole = "admin"

// RouterConfig configures NewRouter. JWT and Metrics are optional; without
// JWT the API is open.
type RouterConfig struct {
	JWT     *auth.JWTManager
	Metrics *metrics.HTTPMetrics
	Logger  *slog.Logger
}

// NewRouter builds the gin engine with health probes, metrics, the swagger
// UI and the /api routes.
func NewRouter(svc *orchestration.Service, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.HealthResponse{Status: "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := svc.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, models.HealthResponse{
				Status: "not ready",
				Checks: map[string]string{"database": err.Error()},
			})
			return
		}
		c.JSON(http.StatusOK, models.HealthResponse{Status: "ready"})
	})
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	h := NewHandler(svc, logger)
	api := router.Group("/api")
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.HealthResponse{Status: "healthy"})
	})

	protected := api.Group("")
	fullClear := []gin.HandlerFunc{}
	if cfg.JWT != nil {
		protected.Use(auth.RequireAuth(cfg.JWT, logger))
		fullClear = append(fullClear, unlessCategory(auth.RequireRole(AdminRole)))
	}

	protected.POST("/dispatch", h.Dispatch)
	protected.GET("/agents", h.ListAgents)
	protected.GET("/agents/health", h.AgentHealth)

	protected.POST("/schedules", h.CreateSchedule)
	protected.GET("/schedules", h.ListSchedules)
	protected.GET("/schedules/upcoming", h.UpcomingSchedules)
	protected.GET("/schedules/history", h.ScheduleHistory)
	protected.GET("/schedules/:id", h.GetSchedule)
	protected.POST("/schedules/:id/pause", h.PauseSchedule)
	protected.POST("/schedules/:id/resume", h.ResumeSchedule)
	protected.POST("/schedules/:id/run", h.RunSchedule)
	protected.DELETE("/schedules/:id", h.DeleteSchedule)

	protected.GET("/cache/stats", h.CacheStats)
	protected.POST("/cache/prune", h.PruneCache)
	protected.DELETE("/cache", append(fullClear, h.ClearCache)...)
	protected.GET("/cache/:category/:key", h.GetCacheEntry)
	protected.PUT("/cache/:category/:key", h.PutCacheEntry)
	protected.DELETE("/cache/:category/:key", h.DeleteCacheEntry)

	protected.POST("/alerts", h.CreateAlert)
	protected.GET("/alerts", h.ListAlerts)
	protected.DELETE("/alerts", h.DeleteAlertsBySubject)
	protected.POST("/alerts/check", h.CheckAlerts)
	protected.GET("/alerts/history", h.AlertHistory)
	protected.GET("/alerts/:id", h.GetAlert)
	protected.PUT("/alerts/:id/active", h.SetAlertActive)
	protected.DELETE("/alerts/:id", h.DeleteAlert)

	protected.GET("/workflows", h.ListWorkflows)
	protected.GET("/workflows/history", h.WorkflowHistory)
	protected.POST("/workflows/:id/execute", h.ExecuteWorkflow)
	protected.POST("/workflows/:id/schedule", h.ScheduleWorkflow)
	protected.GET("/workflows/:id/status", h.WorkflowStatus)
	protected.POST("/workflows/:id/cancel", h.CancelWorkflow)

	protected.GET("/ws/notifications", h.StreamNotifications)

	return router
}

// unlessCategory applies mw only to requests without a ?category filter.
func unlessCategory(mw gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("category") != "" {
			return
		}
		mw(c)
	}
}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}
		if userID, ok := c.Get(auth.UserIDKey); ok {
			attrs = append(attrs, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request completed", attrs...)
	}
}
