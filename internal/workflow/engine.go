package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

// DefaultHistoryLimit bounds the run history.
const DefaultHistoryLimit = 50

// AgentName and ActionExecute are how scheduled workflow runs reach the
// engine through the registry.
const (
	AgentName     = "workflow"
	ActionExecute = "execute"
	ActionList    = "list"
)

// Dispatcher runs a task against a registered agent.
type Dispatcher interface {
	Run(ctx context.Context, agentKey string, task agent.Task, execCtx agent.ExecContext) agent.ExecutionResult
}

// Scheduler is the subset of *scheduler.Scheduler the engine uses.
type Scheduler interface {
	Create(req scheduler.CreateRequest) (scheduler.Schedule, error)
	Delete(id string) error
	List() []scheduler.Schedule
}

// Caller issues external_call requests. *agent.HTTPClient satisfies it.
type Caller interface {
	Do(ctx context.Context, method, rawURL string, body, out any) error
}

// RunRecorder receives run outcomes. Optional.
type RunRecorder interface {
	RecordWorkflowRun(ctx context.Context, workflowID string, success bool)
}

// Config configures an Engine.
type Config struct {
	Scheduler    Scheduler
	Caller       Caller
	Clock        clock.Clock
	HistoryLimit int
	// DefaultCallTimeout applies to external calls without their own timeout.
	DefaultCallTimeout time.Duration
	Recorder           RunRecorder
	Logger             *slog.Logger
}

// Status summarizes a workflow.
type Status struct {
	WorkflowID   string           `json:"workflowId"`
	Name         string           `json:"name"`
	Running      bool             `json:"running"`
	RunningSince *time.Time       `json:"runningSince,omitempty"`
	RunCount     int64            `json:"runCount"`
	ScheduleID   string           `json:"scheduleId,omitempty"`
	LastRun      *ExecutionRecord `json:"lastRun,omitempty"`
}

type activeRun struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// Engine holds workflow definitions and runs them.
type Engine struct {
	dispatcher   Dispatcher
	scheduler    Scheduler
	caller       Caller
	clock        clock.Clock
	historyLimit int
	callTimeout  time.Duration
	recorder     RunRecorder
	logger       *slog.Logger
	tracer       trace.Tracer

	mu        sync.Mutex
	defs      map[string]Definition
	order     []string
	active    map[string]map[string]activeRun
	lastRuns  map[string]ExecutionRecord
	runCounts map[string]int64
	schedules map[string]string
	history   []ExecutionRecord
}

// NewEngine returns an engine dispatching through d.
func NewEngine(d Dispatcher, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.DefaultCallTimeout <= 0 {
		cfg.DefaultCallTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		dispatcher:   d,
		scheduler:    cfg.Scheduler,
		caller:       cfg.Caller,
		clock:        cfg.Clock,
		historyLimit: cfg.HistoryLimit,
		callTimeout:  cfg.DefaultCallTimeout,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger.With("component", "workflow"),
		tracer:       otel.Tracer("workflow-engine"),
		defs:         make(map[string]Definition),
		active:       make(map[string]map[string]activeRun),
		lastRuns:     make(map[string]ExecutionRecord),
		runCounts:    make(map[string]int64),
		schedules:    make(map[string]string),
	}
}

// Register validates def and adds or replaces it.
func (e *Engine) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.defs[def.ID]; !ok {
		e.order = append(e.order, def.ID)
	}
	e.defs[def.ID] = def
	return nil
}

// Get returns the definition registered under id.
func (e *Engine) Get(id string) (Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return def, nil
}

// List returns definitions in registration order.
func (e *Engine) List() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Definition, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.defs[id])
	}
	return out
}

// Execute runs workflow id to completion. Step failures are recorded in the
// returned record; the error is non-nil only for an unknown workflow.
func (e *Engine) Execute(ctx context.Context, id string, execCtx agent.ExecContext) (ExecutionRecord, error) {
	def, err := e.Get(id)
	if err != nil {
		return ExecutionRecord{}, err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()
	span.SetAttributes(attribute.String("workflow.id", id))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := uuid.New().String()
	started := e.clock.Now()
	e.mu.Lock()
	if e.active[id] == nil {
		e.active[id] = make(map[string]activeRun)
	}
	e.active[id][runID] = activeRun{cancel: cancel, startedAt: started}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "workflow started", "workflow_id", id, "run_id", runID)

	r := &run{
		engine:  e,
		def:     def,
		execCtx: execCtx,
		index:   make(map[string]*Step, len(def.Steps)),
		results: make(map[string]StepResult, len(def.Steps)),
	}
	for i := range def.Steps {
		r.index[def.Steps[i].ID] = &def.Steps[i]
	}
	for i := range def.Steps {
		r.runStep(runCtx, &def.Steps[i])
	}

	rec := ExecutionRecord{
		RunID:          runID,
		WorkflowID:     id,
		StartedAt:      started,
		DurationMs:     e.clock.Now().Sub(started).Milliseconds(),
		StepOrder:      r.order,
		Steps:          r.results,
		OverallSuccess: true,
		Cancelled:      r.cancelled || runCtx.Err() != nil,
	}
	for _, res := range r.results {
		if !res.Success {
			rec.OverallSuccess = false
			break
		}
	}

	e.mu.Lock()
	delete(e.active[id], runID)
	if len(e.active[id]) == 0 {
		delete(e.active, id)
	}
	e.runCounts[id]++
	e.lastRuns[id] = rec
	e.history = append(e.history, rec)
	if over := len(e.history) - e.historyLimit; over > 0 {
		e.history = append([]ExecutionRecord(nil), e.history[over:]...)
	}
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordWorkflowRun(ctx, id, rec.OverallSuccess)
	}
	if rec.OverallSuccess {
		e.logger.InfoContext(ctx, "workflow completed", "workflow_id", id, "run_id", runID, "duration_ms", rec.DurationMs)
	} else {
		span.SetStatus(codes.Error, "step errors")
		e.logger.WarnContext(ctx, "workflow completed with errors",
			"workflow_id", id, "run_id", runID, "failed_steps", rec.FailedSteps(), "cancelled", rec.Cancelled)
	}
	return rec, nil
}

// Schedule registers a recurring run of workflow id. An empty cronExpr uses
// the definition's own schedule. A previous schedule for the same workflow
// is replaced.
func (e *Engine) Schedule(id, cronExpr string) (scheduler.Schedule, error) {
	def, err := e.Get(id)
	if err != nil {
		return scheduler.Schedule{}, err
	}
	if e.scheduler == nil {
		return scheduler.Schedule{}, errors.New("workflow scheduling is not configured")
	}
	if cronExpr == "" {
		cronExpr = def.Schedule
	}
	if cronExpr == "" {
		return scheduler.Schedule{}, fmt.Errorf("%w: %s", ErrNoSchedule, id)
	}

	prev := e.scheduleIDFor(id)
	sched, err := e.scheduler.Create(scheduler.CreateRequest{
		Name:       "workflow:" + id,
		Cron:       cronExpr,
		TaskAgent:  AgentName,
		TaskAction: ActionExecute,
		TaskParams: agent.Params{"id": id},
	})
	if err != nil {
		return scheduler.Schedule{}, fmt.Errorf("failed to schedule workflow %s: %w", id, err)
	}

	e.mu.Lock()
	e.schedules[id] = sched.ID
	e.mu.Unlock()
	if prev != "" && prev != sched.ID {
		if err := e.scheduler.Delete(prev); err != nil && !errors.Is(err, scheduler.ErrScheduleNotFound) {
			e.logger.Warn("failed to remove previous workflow schedule", "workflow_id", id, "schedule_id", prev, "error", err)
		}
	}
	e.logger.Info("workflow scheduled", "workflow_id", id, "schedule_id", sched.ID, "cron", cronExpr)
	return sched, nil
}

// scheduleIDFor returns the schedule running workflow id, also finding
// schedules restored from a store before this process registered them.
func (e *Engine) scheduleIDFor(id string) string {
	e.mu.Lock()
	sid := e.schedules[id]
	e.mu.Unlock()
	if sid != "" || e.scheduler == nil {
		return sid
	}
	for _, s := range e.scheduler.List() {
		if s.TaskAgent == AgentName && s.TaskAction == ActionExecute && s.TaskParams.String("id", "") == id {
			return s.ID
		}
	}
	return ""
}

// Status reports whether workflow id is running and its last outcome.
func (e *Engine) Status(id string) (Status, error) {
	def, err := e.Get(id)
	if err != nil {
		return Status{}, err
	}
	st := Status{WorkflowID: id, Name: def.Name, ScheduleID: e.scheduleIDFor(id)}

	e.mu.Lock()
	defer e.mu.Unlock()
	st.RunCount = e.runCounts[id]
	for _, a := range e.active[id] {
		st.Running = true
		if st.RunningSince == nil || a.startedAt.Before(*st.RunningSince) {
			t := a.startedAt
			st.RunningSince = &t
		}
	}
	if rec, ok := e.lastRuns[id]; ok {
		st.LastRun = &rec
	}
	return st, nil
}

// Cancel cancels every in-flight run of workflow id and reports how many
// were cancelled.
func (e *Engine) Cancel(id string) (int, error) {
	if _, err := e.Get(id); err != nil {
		return 0, err
	}
	e.mu.Lock()
	runs := e.active[id]
	cancels := make([]context.CancelFunc, 0, len(runs))
	for _, a := range runs {
		cancels = append(cancels, a.cancel)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		e.logger.Info("workflow cancelled", "workflow_id", id, "runs", len(cancels))
	}
	return len(cancels), nil
}

// History returns up to limit records, most recent first. limit <= 0
// returns everything retained.
func (e *Engine) History(limit int) []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// IDs returns the registered workflow ids, sorted.
func (e *Engine) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := append([]string(nil), e.order...)
	sort.Strings(ids)
	return ids
}
