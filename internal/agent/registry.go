package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives dispatch outcomes. *metrics.DispatchMetrics satisfies it.
type Recorder interface {
	DispatchStarted(ctx context.Context, agentName string)
	DispatchFinished(ctx context.Context, agentName, action string, success bool, errorType string, duration time.Duration)
}

// Registry holds the process's agents and dispatches tasks to them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string

	tracer   trace.Tracer
	recorder Recorder
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(recorder Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:   make(map[string]Agent),
		tracer:   otel.Tracer("agent-dispatcher"),
		recorder: recorder,
		logger:   logger,
	}
}

// Register adds an agent under its own name.
func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("agent must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.Name())
	}
	r.agents[a.Name()] = a
	r.order = append(r.order, a.Name())
	return nil
}

// MustRegister is Register for process start-up, where a failure is fatal.
func (r *Registry) MustRegister(agents ...Agent) {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get returns the agent registered under key.
func (r *Registry) Get(key string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, key)
	}
	return a, nil
}

// Info describes a registered agent.
type Info struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// List returns the registered agents in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Info{Name: name, Capabilities: r.agents[name].Capabilities()})
	}
	return out
}

// Health returns every agent's health keyed by name.
func (r *Registry) Health() map[string]Health {
	r.mu.RLock()
	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(agents))
	for _, a := range agents {
		out[a.Name()] = a.Health()
	}
	return out
}

// Names returns the sorted agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Run dispatches task to the agent registered under agentKey. It always
// returns a result: lookup failures, handler errors, context deadlines and
// handler panics all come back as a failed ExecutionResult.
func (r *Registry) Run(ctx context.Context, agentKey string, task Task, execCtx ExecContext) (result ExecutionResult) {
	ctx, span := r.tracer.Start(ctx, "dispatcher.run")
	defer span.End()

	span.SetAttributes(
		attribute.String("agent.key", agentKey),
		attribute.String("action", task.Action),
	)

	start := time.Now()
	if r.recorder != nil {
		r.recorder.DispatchStarted(ctx, agentKey)
	}

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("agent %s panicked: %v", agentKey, p)
			result = Failed(agentKey, task.Action, err, time.Since(start))
		}

		if r.recorder != nil {
			r.recorder.DispatchFinished(ctx, agentKey, task.Action, result.Success, errorType(result.Err), time.Since(start))
		}

		span.SetAttributes(
			attribute.Bool("success", result.Success),
			attribute.Int64("duration_ms", result.DurationMs),
		)
		if !result.Success {
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Error)
			r.logger.WarnContext(ctx, "dispatch failed",
				"agent", agentKey, "action", task.Action, "error", result.Error, "duration_ms", result.DurationMs)
		} else {
			r.logger.DebugContext(ctx, "dispatch completed",
				"agent", agentKey, "action", task.Action, "duration_ms", result.DurationMs)
		}
	}()

	a, err := r.Get(agentKey)
	if err != nil {
		return Failed(agentKey, task.Action, err, time.Since(start))
	}
	if !a.CanHandle(task.Action) {
		err := fmt.Errorf("%w: %s does not support %q", ErrUnsupportedAction, agentKey, task.Action)
		return Failed(agentKey, task.Action, err, time.Since(start))
	}
	if execCtx == nil {
		execCtx = ExecContext{}
	}
	return a.Execute(ctx, task, execCtx)
}

func errorType(err error) string {
	var he *HandlerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrUnsupportedAction):
		return "unsupported_action"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &he):
		return "upstream_error"
	default:
		return "handler_error"
	}
}
