// Package workflow runs multi-step, dependency-ordered jobs built from agent
// dispatches, external HTTP calls, conditionals and filters.
//
// Steps run sequentially in declaration order. A step may wait for another
// step, which the engine runs first if it is declared later. A failed step
// never aborts the run; the record's OverallSuccess is false whenever any
// step recorded an error.
package workflow

import (
	"errors"
	"fmt"
	"time"
)

// StepKind selects how a step executes.
type StepKind string

const (
	KindDispatch     StepKind = "dispatch"
	KindExternalCall StepKind = "external_call"
	KindConditional  StepKind = "conditional"
	KindFilter       StepKind = "filter"
)

var (
	// ErrWorkflowNotFound is returned for an unknown workflow id.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrInvalidWorkflow is returned when a definition fails validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrNoSchedule is returned when scheduling a workflow without a cron.
	ErrNoSchedule = errors.New("workflow has no schedule")
	// ErrCancelled marks steps that did not run because the run was cancelled.
	ErrCancelled = errors.New("workflow run cancelled")
)

// StepExecutionError describes why a step failed.
type StepExecutionError struct {
	StepID string
	Reason string
	Err    error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %s: %s: %v", e.StepID, e.Reason, e.Err)
	}
	return fmt.Sprintf("step %s: %s", e.StepID, e.Reason)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// Definition is a named, ordered list of steps.
type Definition struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Schedule is an optional cron expression used by Engine.Schedule.
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Steps    []Step `yaml:"steps" json:"steps"`
}

// Step is one unit of work. Only the fields of its Kind are used.
type Step struct {
	ID             string   `yaml:"id" json:"id"`
	Kind           StepKind `yaml:"kind" json:"kind"`
	WaitFor        string   `yaml:"wait_for,omitempty" json:"waitFor,omitempty"`
	RequireSuccess bool     `yaml:"require_success,omitempty" json:"requireSuccess,omitempty"`

	// dispatch
	Agent  string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	Action string         `yaml:"action,omitempty" json:"action,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// external_call
	Method  string `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Body    any    `yaml:"body,omitempty" json:"body,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// conditional
	When *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Then *Step      `yaml:"then,omitempty" json:"then,omitempty"`

	// filter
	Source string   `yaml:"source,omitempty" json:"source,omitempty"`
	Field  string   `yaml:"field,omitempty" json:"field,omitempty"`
	In     []string `yaml:"in,omitempty" json:"in,omitempty"`
}

// Condition is a predicate over a prior step's outcome. Status is
// "success" or "failure"; NonEmpty requires a non-empty result. Both may be
// combined.
type Condition struct {
	Step     string `yaml:"step" json:"step"`
	Status   string `yaml:"status,omitempty" json:"status,omitempty"`
	NonEmpty bool   `yaml:"non_empty,omitempty" json:"nonEmpty,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID     string `json:"stepId"`
	Success    bool   `json:"success"`
	Skipped    bool   `json:"skipped,omitempty"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ExecutionRecord describes one workflow run. It is not modified after
// Execute returns it.
type ExecutionRecord struct {
	RunID          string                `json:"runId"`
	WorkflowID     string                `json:"workflowId"`
	StartedAt      time.Time             `json:"startedAt"`
	DurationMs     int64                 `json:"durationMs"`
	StepOrder      []string              `json:"stepOrder"`
	Steps          map[string]StepResult `json:"perStepResults"`
	OverallSuccess bool                  `json:"overallSuccess"`
	Cancelled      bool                  `json:"cancelled,omitempty"`
}

// FailedSteps returns the ids of steps that recorded an error, in run order.
func (r ExecutionRecord) FailedSteps() []string {
	var out []string
	for _, id := range r.StepOrder {
		if !r.Steps[id].Success {
			out = append(out, id)
		}
	}
	return out
}

// Validate checks ids and the fields each step kind needs. waitFor targets
// are resolved at run time.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidWorkflow)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: %s step %d has no id", ErrInvalidWorkflow, d.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s has duplicate step id %q", ErrInvalidWorkflow, d.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidWorkflow, d.ID, err)
		}
	}
	return nil
}

func (s *Step) validate() error {
	switch s.Kind {
	case KindDispatch:
		if s.Agent == "" || s.Action == "" {
			return fmt.Errorf("step %s: dispatch needs agent and action", s.ID)
		}
	case KindExternalCall:
		if s.URL == "" {
			return fmt.Errorf("step %s: external_call needs url", s.ID)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("step %s: bad timeout %q", s.ID, s.Timeout)
			}
		}
	case KindConditional:
		if s.When == nil || s.When.Step == "" {
			return fmt.Errorf("step %s: conditional needs when.step", s.ID)
		}
		switch s.When.Status {
		case "", "success", "failure":
		default:
			return fmt.Errorf("step %s: when.status must be success or failure", s.ID)
		}
		if s.Then == nil {
			return fmt.Errorf("step %s: conditional needs then", s.ID)
		}
		if s.Then.ID == "" {
			s.Then.ID = s.ID + ".then"
		}
		if s.Then.Kind == KindConditional {
			return fmt.Errorf("step %s: nested conditionals are not supported", s.ID)
		}
		return s.Then.validate()
	case KindFilter:
		if s.Source == "" || s.Field == "" {
			return fmt.Errorf("step %s: filter needs source and field", s.ID)
		}
	default:
		return fmt.Errorf("step %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}
