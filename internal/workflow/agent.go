package workflow

import (
	"context"
	"fmt"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
)

// NewAgent exposes the engine to the registry as agent "workflow" so that
// schedules and other workflows can run workflows by id.
func NewAgent(e *Engine) (*agent.Base, error) {
	return agent.NewBase(AgentName, map[string]agent.HandlerFunc{
		ActionExecute: func(ctx context.Context, params agent.Params, execCtx agent.ExecContext) (any, error) {
			id := params.String("id", params.String("workflow_id", ""))
			if id == "" {
				return nil, fmt.Errorf("%w: id is required", agent.ErrInvalidParams)
			}
			rec, err := e.Execute(ctx, id, execCtx)
			if err != nil {
				return nil, err
			}
			if !rec.OverallSuccess {
				return nil, fmt.Errorf("workflow %s finished with failed steps %v", id, rec.FailedSteps())
			}
			return rec, nil
		},
		ActionList: func(ctx context.Context, params agent.Params, execCtx agent.ExecContext) (any, error) {
			return e.List(), nil
		},
	})
}
