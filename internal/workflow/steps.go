package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
)

const (
	stepsRef   = "$steps."
	contextRef = "$context."
)

// run is the state of one Execute call. It is confined to the calling
// goroutine.
type run struct {
	engine    *Engine
	def       Definition
	execCtx   agent.ExecContext
	index     map[string]*Step
	results   map[string]StepResult
	order     []string
	inFlight  map[string]bool
	cancelled bool
}

func (r *run) runStep(ctx context.Context, s *Step) {
	if _, done := r.results[s.ID]; done {
		return
	}
	if r.inFlight == nil {
		r.inFlight = make(map[string]bool)
	}
	r.inFlight[s.ID] = true
	defer delete(r.inFlight, s.ID)

	start := r.engine.clock.Now()
	if err := r.checkCancelled(ctx, s.ID); err != nil {
		r.record(s.ID, start, nil, false, err)
		return
	}

	if s.WaitFor != "" {
		if err := r.ensure(ctx, s.WaitFor, s.ID); err != nil {
			r.record(s.ID, start, nil, false, err)
			return
		}
		if s.RequireSuccess && !r.results[s.WaitFor].Success {
			r.record(s.ID, start, nil, false, &StepExecutionError{
				StepID: s.ID,
				Reason: "dependency failed",
				Err:    fmt.Errorf("%s did not succeed", s.WaitFor),
			})
			return
		}
		if err := r.checkCancelled(ctx, s.ID); err != nil {
			r.record(s.ID, start, nil, false, err)
			return
		}
	}

	result, skipped, err := r.execute(ctx, s)
	if err != nil && ctx.Err() != nil {
		r.cancelled = true
	}
	r.record(s.ID, start, result, skipped, err)
}

func (r *run) checkCancelled(ctx context.Context, stepID string) error {
	if ctx.Err() == nil {
		return nil
	}
	r.cancelled = true
	return &StepExecutionError{StepID: stepID, Reason: "cancelled", Err: ErrCancelled}
}

// ensure runs step id if it has not been recorded yet.
func (r *run) ensure(ctx context.Context, id, from string) error {
	if _, ok := r.results[id]; ok {
		return nil
	}
	dep, ok := r.index[id]
	if !ok {
		return &StepExecutionError{StepID: from, Reason: fmt.Sprintf("unknown step %q", id)}
	}
	if r.inFlight[id] {
		return &StepExecutionError{StepID: from, Reason: fmt.Sprintf("dependency cycle through %q", id)}
	}
	r.runStep(ctx, dep)
	return nil
}

func (r *run) record(id string, start time.Time, result any, skipped bool, err error) {
	res := StepResult{
		StepID:     id,
		Success:    err == nil,
		Skipped:    skipped,
		DurationMs: r.engine.clock.Now().Sub(start).Milliseconds(),
	}
	if err != nil {
		var se *StepExecutionError
		if errors.As(err, &se) && se.StepID == id {
			res.Error = se.detail()
		} else {
			res.Error = err.Error()
		}
		r.engine.logger.Warn("workflow step failed", "workflow_id", r.def.ID, "step", id, "error", res.Error)
	} else {
		res.Result = result
	}
	r.results[id] = res
	r.order = append(r.order, id)
}

func (e *StepExecutionError) detail() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (r *run) execute(ctx context.Context, s *Step) (any, bool, error) {
	switch s.Kind {
	case KindDispatch:
		return r.dispatch(ctx, s)
	case KindExternalCall:
		return r.externalCall(ctx, s)
	case KindConditional:
		return r.conditional(ctx, s)
	case KindFilter:
		return r.filter(ctx, s)
	}
	return nil, false, &StepExecutionError{StepID: s.ID, Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
}

func (r *run) dispatch(ctx context.Context, s *Step) (any, bool, error) {
	resolved, err := r.resolve(ctx, s.ID, map[string]any(s.Params))
	if err != nil {
		return nil, false, err
	}
	params, _ := resolved.(map[string]any)

	res := r.engine.dispatcher.Run(ctx, s.Agent, agent.Task{Action: s.Action, Params: params}, r.execCtx)
	if !res.Success {
		cause := res.Err
		if cause == nil {
			cause = errors.New(res.Error)
		}
		return nil, false, &StepExecutionError{
			StepID: s.ID,
			Reason: fmt.Sprintf("%s.%s failed", s.Agent, s.Action),
			Err:    cause,
		}
	}
	return res.Result, false, nil
}

func (r *run) externalCall(ctx context.Context, s *Step) (any, bool, error) {
	if r.engine.caller == nil {
		return nil, false, &StepExecutionError{StepID: s.ID, Reason: "external calls are not configured"}
	}
	timeout := r.engine.callTimeout
	if s.Timeout != "" {
		if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	body, err := r.resolve(ctx, s.ID, s.Body)
	if err != nil {
		return nil, false, err
	}
	method := strings.ToUpper(s.Method)
	if method == "" {
		method = http.MethodGet
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out any
	if err := r.engine.caller.Do(callCtx, method, s.URL, body, &out); err != nil {
		reason := "external call failed"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			reason = fmt.Sprintf("external call timed out after %s", timeout)
		}
		return nil, false, &StepExecutionError{StepID: s.ID, Reason: reason, Err: err}
	}
	return out, false, nil
}

func (r *run) conditional(ctx context.Context, s *Step) (any, bool, error) {
	if err := r.ensure(ctx, s.When.Step, s.ID); err != nil {
		return nil, false, err
	}
	prior := r.results[s.When.Step]

	holds := true
	switch s.When.Status {
	case "success":
		holds = prior.Success
	case "failure":
		holds = !prior.Success
	}
	if s.When.NonEmpty && isEmpty(prior.Result) {
		holds = false
	}
	if !holds {
		return map[string]any{"skipped": true, "condition_step": s.When.Step}, true, nil
	}

	if s.Then.WaitFor != "" {
		if err := r.ensure(ctx, s.Then.WaitFor, s.ID); err != nil {
			return nil, false, err
		}
	}
	result, _, err := r.execute(ctx, s.Then)
	return result, false, err
}

func (r *run) filter(ctx context.Context, s *Step) (any, bool, error) {
	if err := r.ensure(ctx, s.Source, s.ID); err != nil {
		return nil, false, err
	}
	src := r.results[s.Source]
	if !src.Success {
		return nil, false, &StepExecutionError{StepID: s.ID, Reason: fmt.Sprintf("source %s failed", s.Source)}
	}
	items, ok := listOf(src.Result)
	if !ok {
		return nil, false, &StepExecutionError{StepID: s.ID, Reason: fmt.Sprintf("source %s did not produce a list", s.Source)}
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		v, found := fieldOf(item, s.Field)
		if !found {
			continue
		}
		if len(s.In) == 0 {
			if !isEmpty(v) {
				kept = append(kept, item)
			}
			continue
		}
		text := fmt.Sprint(v)
		for _, want := range s.In {
			if strings.EqualFold(text, want) {
				kept = append(kept, item)
				break
			}
		}
	}
	return kept, false, nil
}

// resolve replaces "$steps.<id>[.<field>...]" and "$context.<key>" strings
// anywhere inside v. Referenced steps run first if needed.
func (r *run) resolve(ctx context.Context, stepID string, v any) (any, error) {
	switch t := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(t, stepsRef):
			path := strings.Split(strings.TrimPrefix(t, stepsRef), ".")
			if err := r.ensure(ctx, path[0], stepID); err != nil {
				return nil, err
			}
			val := r.results[path[0]].Result
			for _, key := range path[1:] {
				val, _ = fieldOf(val, key)
			}
			return val, nil
		case strings.HasPrefix(t, contextRef):
			return r.execCtx[strings.TrimPrefix(t, contextRef)], nil
		}
		return t, nil
	case map[string]any:
		if t == nil {
			return map[string]any{}, nil
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := r.resolve(ctx, stepID, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := r.resolve(ctx, stepID, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

// normalize converts typed values to their generic JSON shape.
func normalize(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func listOf(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []any:
		return t, true
	case map[string]any:
		for _, key := range []string{"items", "articles", "results", "data"} {
			if l, ok := t[key].([]any); ok {
				return l, true
			}
		}
		return nil, false
	}
	generic, ok := normalize(v)
	if !ok {
		return nil, false
	}
	switch generic.(type) {
	case []any, map[string]any:
		return listOf(generic)
	}
	return nil, false
}

func fieldOf(v any, field string) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		val, ok := t[field]
		return val, ok
	}
	generic, ok := normalize(v)
	if !ok {
		return nil, false
	}
	if m, ok := generic.(map[string]any); ok {
		val, found := m[field]
		return val, found
	}
	return nil, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
