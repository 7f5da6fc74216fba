package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
)

type llmStub struct {
	mu       sync.Mutex
	requests []chatRequest
	reply    string
}

func newLLM(t *testing.T, reply string) (*llmStub, *agent.HTTPClient) {
	t.Helper()
	stub := &llmStub{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		stub.mu.Lock()
		stub.requests = append(stub.requests, req)
		stub.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "stub-model",
			"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": stub.reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	client := agent.NewHTTPClient(agent.HTTPClientConfig{
		Name:    "llm",
		BaseURL: srv.URL,
		Headers: map[string]string{"Authorization": "Bearer sk-test"},
	})
	return stub, client
}

func (s *llmStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fixedQuotes map[string]Quote

func (f fixedQuotes) Quote(_ context.Context, symbol string) (Quote, error) {
	q, ok := f[symbol]
	if !ok {
		return Quote{}, errors.New("no quote")
	}
	return q, nil
}

func TestCommentary_MarketSummaryIsCachedPerPrompt(t *testing.T) {
	stub, client := newLLM(t, "  Stocks drifted higher.  ")
	c, _ := newTestCache()
	a, err := NewCommentary(client, c, nil, CommentaryConfig{Model: "m1"})
	require.NoError(t, err)
	ctx := context.Background()

	params := agent.Params{
		"quotes": map[string]any{"SPY": map[string]any{"price": 520}},
		"headlines": []any{
			map[string]any{"title": "Local team wins", "importance": "low"},
			map[string]any{"title": "Fed holds", "importance": "high"},
		},
	}
	res := a.Execute(ctx, agent.Task{Action: "market_summary", Params: params}, nil)
	require.True(t, res.Success, res.Error)
	out := res.Result.(Commentary)
	assert.Equal(t, "Stocks drifted higher.", out.Text)
	assert.Equal(t, "stub-model", out.Model)

	require.Equal(t, 1, stub.count())
	req := stub.requests[0]
	assert.Equal(t, "m1", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[1].Content, `"SPY"`)
	assert.Regexp(t, `(?s)\[high\] Fed holds.*\[low\] Local team wins`, req.Messages[1].Content)

	res = a.Execute(ctx, agent.Task{Action: "market_summary", Params: params}, nil)
	require.True(t, res.Success)
	assert.Equal(t, 1, stub.count(), "identical prompt hits the llm cache")

	res = a.Execute(ctx, agent.Task{Action: "market_summary", Params: agent.Params{"focus": "energy"}}, nil)
	require.True(t, res.Success)
	assert.Equal(t, 2, stub.count())
}

func TestCommentary_AnalyzeSymbol(t *testing.T) {
	stub, client := newLLM(t, "Apple looks steady.")
	a, err := NewCommentary(client, nil, fixedQuotes{"AAPL": {Symbol: "AAPL", Price: 187.5}}, CommentaryConfig{})
	require.NoError(t, err)
	ctx := context.Background()

	res := a.Execute(ctx, agent.Task{Action: "analyze_symbol", Params: agent.Params{"symbol": "aapl"}}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "AAPL", res.Result.(Commentary).Symbol)
	assert.Contains(t, stub.requests[0].Messages[1].Content, `"price":187.5`)
	assert.Equal(t, defaultLLMModel, stub.requests[0].Model)

	res = a.Execute(ctx, agent.Task{Action: "analyze_symbol", Params: agent.Params{"symbol": "XYZ"}}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to fetch quote for XYZ")
}

func TestCommentary_EmptyCompletion(t *testing.T) {
	_, client := newLLM(t, "   ")
	a, err := NewCommentary(client, nil, nil, CommentaryConfig{})
	require.NoError(t, err)

	res := a.Execute(context.Background(), agent.Task{Action: "analyze_symbol", Params: agent.Params{"symbol": "AAPL", "quote": map[string]any{"price": 1}}}, nil)
	assert.False(t, res.Success)
	var he *agent.HandlerError
	require.ErrorAs(t, res.Err, &he)
	assert.Contains(t, he.Error(), "empty completion")

	res = a.Execute(context.Background(), agent.Task{Action: "analyze_symbol", Params: agent.Params{"symbol": "AAPL"}}, nil)
	assert.ErrorIs(t, res.Err, agent.ErrInvalidParams)
}
