// Package scheduler fires recurring agent tasks from cron expressions.
//
// Each enabled schedule owns one one-shot timer on the injected clock. When it
// fires the task is dispatched through the agent registry, the outcome is
// recorded and the timer is rearmed from the time the dispatch finished.
// Mutations bump a per-schedule generation so that a timer armed before a
// pause, resume or delete becomes a no-op when it fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
)

var (
	// ErrScheduleNotFound is returned for an unknown schedule id.
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrInvalidSchedule is returned when a create request is incomplete.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// DefaultHistoryLimit bounds the execution history.
const DefaultHistoryLimit = 100

// Schedule is a recurring task definition.
type Schedule struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Cron       string       `json:"cron"`
	TaskAgent  string       `json:"taskAgent"`
	TaskAction string       `json:"taskAction"`
	TaskParams agent.Params `json:"taskParams,omitempty"`
	Enabled    bool         `json:"enabled"`
	CreatedAt  time.Time    `json:"createdAt"`
	LastRun    *time.Time   `json:"lastRun,omitempty"`
	NextRun    *time.Time   `json:"nextRun,omitempty"`
	RunCount   int64        `json:"runCount"`
	ErrorCount int64        `json:"errorCount"`
}

func (s Schedule) clone() Schedule {
	if s.TaskParams != nil {
		s.TaskParams = s.TaskParams.Clone()
	}
	if s.LastRun != nil {
		t := *s.LastRun
		s.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		s.NextRun = &t
	}
	return s
}

// CreateRequest describes a new schedule. Enabled defaults to true.
type CreateRequest struct {
	Name       string       `json:"name"`
	Cron       string       `json:"cron"`
	TaskAgent  string       `json:"taskAgent"`
	TaskAction string       `json:"taskAction"`
	TaskParams agent.Params `json:"taskParams,omitempty"`
	Enabled    *bool        `json:"enabled,omitempty"`
}

// Execution records one firing.
type Execution struct {
	ScheduleID   string    `json:"scheduleId"`
	ScheduleName string    `json:"scheduleName"`
	TaskAgent    string    `json:"taskAgent"`
	TaskAction   string    `json:"taskAction"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Manual       bool      `json:"manual,omitempty"`
}

// Dispatcher runs a task against a registered agent. *agent.Registry
// satisfies it.
type Dispatcher interface {
	Run(ctx context.Context, agentKey string, task agent.Task, execCtx agent.ExecContext) agent.ExecutionResult
}

// FireRecorder receives schedule firing outcomes. Optional.
type FireRecorder interface {
	RecordScheduleFire(ctx context.Context, scheduleName string, success bool)
}

// Config configures a Scheduler.
type Config struct {
	Clock clock.Clock
	// Evaluator selects the next-run algorithm: "simple" (default) or "standard".
	Evaluator    string
	Store        Store
	HistoryLimit int
	// FireTimeout bounds each dispatch. Zero means no limit beyond the
	// handlers' own timeouts.
	FireTimeout time.Duration
	Recorder    FireRecorder
	Logger      *slog.Logger
}

type entry struct {
	sched Schedule
	expr  *Expression
	timer clock.Timer
	gen   uint64
}

// Scheduler owns the schedule set and its timers.
type Scheduler struct {
	dispatcher   Dispatcher
	clock        clock.Clock
	next         NextFunc
	store        Store
	historyLimit int
	fireTimeout  time.Duration
	recorder     FireRecorder
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	history []Execution
	baseCtx context.Context
	stopped bool
}

// New creates a Scheduler that dispatches through d.
func New(d Dispatcher, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		dispatcher:   d,
		clock:        cfg.Clock,
		next:         Evaluator(cfg.Evaluator),
		store:        cfg.Store,
		historyLimit: cfg.HistoryLimit,
		fireTimeout:  cfg.FireTimeout,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger.With("component", "scheduler"),
		entries:      make(map[string]*entry),
		baseCtx:      context.Background(),
	}
}

// Start loads persisted schedules and arms the enabled ones. Schedules
// already present in memory are kept.
func (s *Scheduler) Start(ctx context.Context) error {
	loaded, err := s.store.LoadSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseCtx = context.WithoutCancel(ctx)
	s.stopped = false

	restored := 0
	for _, sched := range loaded {
		if _, exists := s.entries[sched.ID]; exists {
			continue
		}
		expr, err := ParseCron(sched.Cron)
		if err != nil {
			s.logger.Warn("skipping persisted schedule with invalid cron", "id", sched.ID, "cron", sched.Cron, "error", err)
			continue
		}
		e := &entry{sched: sched.clone(), expr: expr}
		s.entries[sched.ID] = e
		restored++
	}
	for _, e := range s.entries {
		s.disarmLocked(e)
		if e.sched.Enabled {
			s.armLocked(e)
		} else {
			e.sched.NextRun = nil
		}
	}
	s.persistLocked()

	s.logger.Info("scheduler started", "restored", restored, "total", len(s.entries))
	return nil
}

// Stop cancels all timers. Schedules remain in memory and in the store.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	s.logger.Info("scheduler stopped")
}

// Create validates and arms a new schedule.
func (s *Scheduler) Create(req CreateRequest) (Schedule, error) {
	if strings.TrimSpace(req.TaskAgent) == "" || strings.TrimSpace(req.TaskAction) == "" {
		return Schedule{}, fmt.Errorf("%w: task_agent and task_action are required", ErrInvalidSchedule)
	}
	expr, err := ParseCron(req.Cron)
	if err != nil {
		return Schedule{}, err
	}

	name := req.Name
	if name == "" {
		name = req.TaskAgent + "." + req.TaskAction
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	params := req.TaskParams
	if params == nil {
		params = agent.Params{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		sched: Schedule{
			ID:         uuid.NewString(),
			Name:       name,
			Cron:       expr.String(),
			TaskAgent:  req.TaskAgent,
			TaskAction: req.TaskAction,
			TaskParams: params.Clone(),
			Enabled:    enabled,
			CreatedAt:  s.clock.Now(),
		},
		expr: expr,
	}
	s.entries[e.sched.ID] = e
	if enabled {
		s.armLocked(e)
	}
	s.persistLocked()

	s.logger.Info("schedule created", "id", e.sched.ID, "name", name, "cron", e.sched.Cron,
		"agent", req.TaskAgent, "action", req.TaskAction, "enabled", enabled)
	return e.sched.clone(), nil
}

// Get returns a schedule by id.
func (s *Scheduler) Get(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return e.sched.clone(), nil
}

// List returns all schedules ordered by creation time.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.sched.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Pause disables a schedule and cancels its timer.
func (s *Scheduler) Pause(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.disarmLocked(e)
	e.sched.Enabled = false
	e.sched.NextRun = nil
	s.persistLocked()

	s.logger.Info("schedule paused", "id", id, "name", e.sched.Name)
	return e.sched.clone(), nil
}

// Resume enables a schedule, recomputes its next run and rearms it.
func (s *Scheduler) Resume(id string) (Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.disarmLocked(e)
	e.sched.Enabled = true
	s.armLocked(e)
	s.persistLocked()

	s.logger.Info("schedule resumed", "id", id, "name", e.sched.Name, "next_run", e.sched.NextRun)
	return e.sched.clone(), nil
}

// Delete removes a schedule and cancels its timer.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.disarmLocked(e)
	delete(s.entries, id)
	s.persistLocked()

	s.logger.Info("schedule deleted", "id", id, "name", e.sched.Name)
	return nil
}

// RunNow dispatches the schedule's task immediately. Timers and the
// enabled flag are left untouched.
func (s *Scheduler) RunNow(ctx context.Context, id string) (agent.ExecutionResult, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return agent.ExecutionResult{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	sched := e.sched.clone()
	s.mu.Unlock()

	return s.execute(ctx, sched, true), nil
}

// History returns up to limit executions, most recent first. limit <= 0
// returns everything retained.
func (s *Scheduler) History(limit int) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Execution, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Upcoming returns up to limit enabled schedules ordered by next run.
func (s *Scheduler) Upcoming(limit int) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		if e.sched.Enabled && e.sched.NextRun != nil {
			out = append(out, e.sched.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRun.Before(*out[j].NextRun)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// armLocked computes the next run and sets a timer for it. Any previous
// timer is invalidated through the generation counter.
func (s *Scheduler) armLocked(e *entry) {
	now := s.clock.Now()
	next := s.next(e.expr, now)
	e.sched.NextRun = &next
	e.gen++

	if s.stopped {
		return
	}

	id, gen := e.sched.ID, e.gen
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.timer = s.clock.AfterFunc(delay, func() { s.fire(id, gen) })
}

func (s *Scheduler) disarmLocked(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || !e.sched.Enabled || s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	sched := e.sched.clone()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.execute(ctx, sched, false)
}

// execute dispatches the task, records the outcome and, for timer firings,
// rearms the schedule.
func (s *Scheduler) execute(ctx context.Context, sched Schedule, manual bool) agent.ExecutionResult {
	if s.fireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fireTimeout)
		defer cancel()
	}

	started := s.clock.Now()
	s.logger.Info("schedule firing", "id", sched.ID, "name", sched.Name,
		"agent", sched.TaskAgent, "action", sched.TaskAction, "manual", manual)

	result := s.dispatcher.Run(ctx, sched.TaskAgent, agent.Task{
		Action: sched.TaskAction,
		Params: sched.TaskParams.Clone(),
	}, agent.ExecContext{
		"schedule_id":   sched.ID,
		"schedule_name": sched.Name,
		"manual":        manual,
	})

	if !result.Success {
		s.logger.Warn("scheduled task failed", "id", sched.ID, "name", sched.Name, "error", result.Error)
	}
	if s.recorder != nil {
		s.recorder.RecordScheduleFire(ctx, sched.Name, result.Success)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendHistoryLocked(Execution{
		ScheduleID:   sched.ID,
		ScheduleName: sched.Name,
		TaskAgent:    sched.TaskAgent,
		TaskAction:   sched.TaskAction,
		StartedAt:    started,
		DurationMs:   result.DurationMs,
		Success:      result.Success,
		Error:        result.Error,
		Manual:       manual,
	})

	e, ok := s.entries[sched.ID]
	if !ok {
		return result
	}
	e.sched.LastRun = &started
	e.sched.RunCount++
	if !result.Success {
		e.sched.ErrorCount++
	}
	// A pause, resume or delete during the dispatch already moved the
	// generation on and owns the timer.
	if !manual && e.sched.Enabled && e.timer == nil {
		s.armLocked(e)
	}
	s.persistLocked()
	return result
}

func (s *Scheduler) appendHistoryLocked(ex Execution) {
	s.history = append(s.history, ex)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
}

func (s *Scheduler) persistLocked() {
	snapshot := make([]Schedule, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e.sched.clone())
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Second)
	defer cancel()
	if err := s.store.SaveSchedules(ctx, snapshot); err != nil {
		s.logger.Warn("failed to persist schedules", "error", err)
	}
}
