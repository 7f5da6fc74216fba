package models

import "time"

// DispatchRequest is the body of POST /api/dispatch.
type DispatchRequest struct {
	AgentKey string         `json:"agentKey" binding:"required"`
	Action   string         `json:"action" binding:"required"`
	Params   map[string]any `json:"params"`
	Context  map[string]any `json:"context"`
}

// CreateScheduleRequest is the body of POST /api/schedules.
type CreateScheduleRequest struct {
	Name       string         `json:"name"`
	Cron       string         `json:"cron" binding:"required"`
	TaskAgent  string         `json:"taskAgent" binding:"required"`
	TaskAction string         `json:"taskAction" binding:"required"`
	TaskParams map[string]any `json:"taskParams"`
	Enabled    *bool          `json:"enabled"`
}

// CreateScheduleResponse answers POST /api/schedules.
type CreateScheduleResponse struct {
	ScheduleID string     `json:"scheduleId"`
	NextRun    *time.Time `json:"nextRun"`
}

// CreateAlertResponse answers POST /api/alerts.
type CreateAlertResponse struct {
	AlertID string `json:"alertId"`
}

// MaxCacheTTLSeconds caps an explicit entry TTL at 30 days.
const MaxCacheTTLSeconds = 30 * 24 * 60 * 60

// CacheEntryRequest is the body of PUT /api/cache/:category/:key. A zero
// TTLSeconds uses the category TTL.
type CacheEntryRequest struct {
	Value      any `json:"value" binding:"required"`
	TTLSeconds int `json:"ttlSeconds"`
}

// CacheEntryResponse answers GET /api/cache/:category/:key.
type CacheEntryResponse struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    any    `json:"value"`
}

// ScheduleWorkflowRequest is the optional body of
// POST /api/workflows/:id/schedule.
type ScheduleWorkflowRequest struct {
	Cron string `json:"cron"`
}

// HealthResponse answers /health and /ready.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
