package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

func TestBuiltins(t *testing.T) {
	defs, err := Builtins()
	require.NoError(t, err)

	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
		assert.NotEmpty(t, d.Schedule, d.ID)
		_, err := scheduler.ParseCron(d.Schedule)
		assert.NoError(t, err, d.ID)
	}
	assert.Equal(t, []string{"cache_maintenance", "market_close_summary", "morning_briefing"}, ids)
}

func TestBuiltins_MorningBriefingRuns(t *testing.T) {
	d := newFakeDispatcher(map[string]handler{
		"news.headlines": constant([]any{
			map[string]any{"title": "Fed holds", "importance": "high"},
			map[string]any{"title": "Weather", "importance": "low"},
		}),
		"market.batch_quotes":       constant(map[string]any{"SPY": map[string]any{"price": 501.2}}),
		"commentary.market_summary": constant("steady"),
	})
	e := newTestEngine(t, d, Config{})
	defs, err := Builtins()
	require.NoError(t, err)
	require.NoError(t, e.RegisterAll(defs))

	rec, err := e.Execute(context.Background(), "morning_briefing", nil)
	require.NoError(t, err)
	require.True(t, rec.OverallSuccess, rec.FailedSteps())

	assert.Equal(t, "steady", rec.Steps["outlook"].Result)
	p := d.params["commentary.market_summary"]
	assert.Equal(t, []any{map[string]any{"title": "Fed holds", "importance": "high"}}, p["headlines"])
	assert.Equal(t, []string{"SPY", "QQQ", "DIA"}, agent.Params(d.params["market.batch_quotes"]).Strings("symbols"))
}

func TestBuiltins_MarketCloseClearsQuotesOnFailure(t *testing.T) {
	d := newFakeDispatcher(map[string]handler{
		"market.batch_quotes":       failing("provider down"),
		"news.headlines":            constant([]any{}),
		"commentary.market_summary": constant("unused"),
		"cache.clear":               constant(map[string]any{"removed": 4}),
	})
	e := newTestEngine(t, d, Config{})
	defs, err := Builtins()
	require.NoError(t, err)
	require.NoError(t, e.RegisterAll(defs))

	rec, err := e.Execute(context.Background(), "market_close_summary", nil)
	require.NoError(t, err)

	assert.False(t, rec.OverallSuccess)
	assert.Contains(t, rec.Steps["summary"].Error, "dependency failed")
	assert.NotContains(t, d.callOrder(), "commentary.market_summary")
	assert.Equal(t, "quote", d.params["cache.clear"]["category"])
	assert.True(t, rec.Steps["drop_stale_quotes"].Success)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", `
id: second
steps:
  - id: ping
    kind: external_call
    url: http://localhost:9/ping
    timeout: 2s
`)
	writeFile(t, dir, "a.yaml", `
id: first
name: First
steps:
  - id: quote
    kind: dispatch
    agent: market
    action: quote
    params:
      symbol: AAPL
`)
	writeFile(t, dir, "notes.txt", "ignored")

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "first", defs[0].ID)
	assert.Equal(t, "AAPL", defs[0].Steps[0].Params["symbol"])
	assert.Equal(t, "2s", defs[1].Steps[0].Timeout)

	def, err := LoadFile(filepath.Join(dir, "a.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "First", def.Name)
}

func TestLoadDir_InvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", "id: bad\nsteps:\n  - id: x\n    kind: teleport\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.Contains(t, err.Error(), "bad.yaml")
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{name: "missing id", def: Definition{Steps: []Step{dispatchStep("a", "x", "y")}}, wantErr: "id is required"},
		{name: "no steps", def: Definition{ID: "wf"}, wantErr: "no steps"},
		{name: "step without id", def: Definition{ID: "wf", Steps: []Step{dispatchStep("", "x", "y")}}, wantErr: "has no id"},
		{name: "duplicate step", def: Definition{ID: "wf", Steps: []Step{dispatchStep("a", "x", "y"), dispatchStep("a", "x", "y")}}, wantErr: "duplicate"},
		{name: "dispatch without action", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindDispatch, Agent: "x"}}}, wantErr: "agent and action"},
		{name: "external without url", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindExternalCall}}}, wantErr: "needs url"},
		{name: "bad timeout", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindExternalCall, URL: "http://x", Timeout: "soon"}}}, wantErr: "bad timeout"},
		{name: "conditional without when", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindConditional}}}, wantErr: "when.step"},
		{name: "bad status", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindConditional, When: &Condition{Step: "b", Status: "maybe"}}}}, wantErr: "success or failure"},
		{name: "conditional without then", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindConditional, When: &Condition{Step: "b"}}}}, wantErr: "needs then"},
		{name: "filter without field", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindFilter, Source: "b"}}}, wantErr: "source and field"},
		{name: "unknown kind", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: "teleport"}}}, wantErr: "unknown kind"},
		{name: "unknown wait_for is allowed", def: Definition{ID: "wf", Steps: []Step{{ID: "a", Kind: KindDispatch, Agent: "x", Action: "y", WaitFor: "later"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidWorkflow)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}
