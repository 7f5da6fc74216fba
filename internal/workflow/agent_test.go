package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
)

func TestAgent_ThroughRegistry(t *testing.T) {
	reg := agent.NewRegistry(nil, nil)
	reg.MustRegister(newStubAgent(t, "market", map[string]agent.HandlerFunc{
		"quote": func(context.Context, agent.Params, agent.ExecContext) (any, error) {
			return map[string]any{"price": 1.0}, nil
		},
	}))

	e := NewEngine(reg, Config{})
	require.NoError(t, e.Register(Definition{ID: "ok", Steps: []Step{dispatchStep("q", "market", "quote")}}))
	require.NoError(t, e.Register(Definition{ID: "broken", Steps: []Step{dispatchStep("q", "market", "profile")}}))

	wa, err := NewAgent(e)
	require.NoError(t, err)
	reg.MustRegister(wa)
	assert.Equal(t, []string{ActionExecute, ActionList}, wa.Capabilities())

	res := reg.Run(context.Background(), AgentName, agent.Task{Action: ActionExecute, Params: agent.Params{"id": "ok"}}, nil)
	require.True(t, res.Success, res.Error)
	rec, ok := res.Result.(ExecutionRecord)
	require.True(t, ok)
	assert.True(t, rec.OverallSuccess)

	res = reg.Run(context.Background(), AgentName, agent.Task{Action: ActionExecute, Params: agent.Params{"id": "broken"}}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed steps [q]")
	assert.Len(t, e.History(0), 2, "failed runs are still recorded")

	res = reg.Run(context.Background(), AgentName, agent.Task{Action: ActionExecute, Params: agent.Params{"id": "nope"}}, nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrWorkflowNotFound)

	res = reg.Run(context.Background(), AgentName, agent.Task{Action: ActionExecute}, nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, agent.ErrInvalidParams)

	res = reg.Run(context.Background(), AgentName, agent.Task{Action: ActionList}, nil)
	require.True(t, res.Success)
	assert.Len(t, res.Result, 2)
}

func newStubAgent(t *testing.T, name string, handlers map[string]agent.HandlerFunc) agent.Agent {
	t.Helper()
	a, err := agent.NewBase(name, handlers)
	require.NoError(t, err)
	return a
}
