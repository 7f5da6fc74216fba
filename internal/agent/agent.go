// Package agent defines the agent contract and the registry that dispatches
// tasks to agents.
//
// An agent is a named set of capability actions, each backed by a typed
// handler. Agents are built once at process start and registered in a
// Registry, which is the only entry point callers use: Registry.Run always
// returns an ExecutionResult and never lets a handler error or panic escape.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// MaxErrorLog bounds the per-agent error log. Older entries are discarded.
const MaxErrorLog = 50

// Task is an action plus its parameters.
type Task struct {
	Action string `json:"action"`
	Params Params `json:"params,omitempty"`
}

// ExecContext is free-form caller context such as a session id or the
// schedule that triggered the task.
type ExecContext map[string]any

// ExecutionResult wraps every agent invocation. Exactly one of Result or
// Error is set.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	AgentName  string `json:"agentName"`
	Action     string `json:"action,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`

	// Err keeps the typed error for errors.Is checks by in-process callers.
	Err error `json:"-"`
}

// Succeeded builds a successful result.
func Succeeded(agentName, action string, result any, d time.Duration) ExecutionResult {
	return ExecutionResult{Success: true, AgentName: agentName, Action: action, Result: result, DurationMs: d.Milliseconds()}
}

// Failed builds a failed result from err.
func Failed(agentName, action string, err error, d time.Duration) ExecutionResult {
	if err == nil {
		err = errors.New("unknown error")
	}
	return ExecutionResult{Success: false, AgentName: agentName, Action: action, Error: err.Error(), Err: err, DurationMs: d.Milliseconds()}
}

// HandlerFunc implements one capability.
type HandlerFunc func(ctx context.Context, params Params, execCtx ExecContext) (any, error)

// Agent is a named capability provider.
type Agent interface {
	Name() string
	Capabilities() []string
	CanHandle(action string) bool
	Execute(ctx context.Context, task Task, execCtx ExecContext) ExecutionResult
	Health() Health
}

// ExecutionInfo describes the most recent execution.
type ExecutionInfo struct {
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ErrorRecord is one entry of the bounded error log.
type ErrorRecord struct {
	Action    string    `json:"action"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is a snapshot of an agent's runtime counters.
type Health struct {
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Capabilities   []string       `json:"capabilities"`
	ExecutionCount int64          `json:"executionCount"`
	SuccessCount   int64          `json:"successCount"`
	FailureCount   int64          `json:"failureCount"`
	LastExecution  *ExecutionInfo `json:"lastExecution,omitempty"`
	RecentErrors   []ErrorRecord  `json:"recentErrors,omitempty"`
}

// Health status values.
const (
	StatusIdle     = "idle"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Base is the standard Agent implementation: a name and a map from action to
// handler. Counters are guarded by the agent's own mutex.
type Base struct {
	name         string
	capabilities []string
	handlers     map[string]HandlerFunc
	now          func() time.Time

	mu        sync.Mutex
	count     int64
	successes int64
	failures  int64
	last      *ExecutionInfo
	errorLog  []ErrorRecord
}

// NewBase builds an agent whose capability set is exactly the handler keys.
func NewBase(name string, handlers map[string]HandlerFunc) (*Base, error) {
	caps := make([]string, 0, len(handlers))
	for action := range handlers {
		caps = append(caps, action)
	}
	sort.Strings(caps)
	return NewBaseWithCapabilities(name, caps, handlers)
}

// NewBaseWithCapabilities builds an agent with an explicitly ordered
// capability list. Every capability must have a handler and every handler
// must be declared.
func NewBaseWithCapabilities(name string, capabilities []string, handlers map[string]HandlerFunc) (*Base, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if len(capabilities) == 0 {
		return nil, fmt.Errorf("%w: agent %s declares no capabilities", ErrCapabilityMismatch, name)
	}

	seen := make(map[string]bool, len(capabilities))
	for _, action := range capabilities {
		if seen[action] {
			return nil, fmt.Errorf("%w: agent %s declares %q twice", ErrCapabilityMismatch, name, action)
		}
		seen[action] = true
		if handlers[action] == nil {
			return nil, fmt.Errorf("%w: agent %s has no handler for %q", ErrCapabilityMismatch, name, action)
		}
	}
	for action := range handlers {
		if !seen[action] {
			return nil, fmt.Errorf("%w: agent %s handler %q is not a declared capability", ErrCapabilityMismatch, name, action)
		}
	}

	hs := make(map[string]HandlerFunc, len(handlers))
	for k, v := range handlers {
		hs[k] = v
	}
	return &Base{
		name:         name,
		capabilities: append([]string(nil), capabilities...),
		handlers:     hs,
		now:          time.Now,
	}, nil
}

// SetNow overrides the time source used for execution timestamps.
func (b *Base) SetNow(now func() time.Time) { b.now = now }

// Name returns the agent name.
func (b *Base) Name() string { return b.name }

// Capabilities returns the ordered capability list.
func (b *Base) Capabilities() []string {
	return append([]string(nil), b.capabilities...)
}

// CanHandle reports whether action is a declared capability.
func (b *Base) CanHandle(action string) bool {
	_, ok := b.handlers[action]
	return ok
}

// Execute runs the handler for task.Action and records the outcome.
func (b *Base) Execute(ctx context.Context, task Task, execCtx ExecContext) ExecutionResult {
	start := b.now()

	var (
		result any
		err    error
	)
	handler, ok := b.handlers[task.Action]
	if !ok {
		err = fmt.Errorf("%w: %s cannot handle %q", ErrUnknownAction, b.name, task.Action)
	} else {
		params := task.Params
		if params == nil {
			params = Params{}
		}
		result, err = invoke(ctx, handler, params, execCtx)
	}

	elapsed := b.now().Sub(start)
	b.record(task.Action, start, elapsed, err)

	if err != nil {
		return Failed(b.name, task.Action, err, elapsed)
	}
	return Succeeded(b.name, task.Action, result, elapsed)
}

func invoke(ctx context.Context, handler HandlerFunc, params Params, execCtx ExecContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler(ctx, params, execCtx)
}

func (b *Base) record(action string, start time.Time, elapsed time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	info := &ExecutionInfo{
		Action:     action,
		Timestamp:  start,
		DurationMs: elapsed.Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		b.failures++
		info.Error = err.Error()
		b.errorLog = append(b.errorLog, ErrorRecord{Action: action, Error: err.Error(), Timestamp: start})
		if len(b.errorLog) > MaxErrorLog {
			b.errorLog = b.errorLog[len(b.errorLog)-MaxErrorLog:]
		}
	} else {
		b.successes++
	}
	b.last = info
}

// Health returns a snapshot of the counters.
func (b *Base) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Name:           b.name,
		Status:         StatusIdle,
		Capabilities:   b.Capabilities(),
		ExecutionCount: b.count,
		SuccessCount:   b.successes,
		FailureCount:   b.failures,
		RecentErrors:   append([]ErrorRecord(nil), b.errorLog...),
	}
	if b.last != nil {
		last := *b.last
		h.LastExecution = &last
		if last.Success {
			h.Status = StatusHealthy
		} else {
			h.Status = StatusDegraded
		}
	}
	return h
}
