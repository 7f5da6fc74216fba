package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/alerts"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
)

var start = time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)

// upstream is an httptest provider that counts hits per path.
type upstream struct {
	*httptest.Server
	hits   map[string]*atomic.Int32
	routes map[string]string
}

func newUpstream(t *testing.T, routes map[string]string) *upstream {
	t.Helper()
	u := &upstream{hits: make(map[string]*atomic.Int32), routes: routes}
	for path := range routes {
		u.hits[path] = &atomic.Int32{}
	}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		body, ok := u.routes[r.URL.Path]
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		u.hits[r.URL.Path].Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) count(path string) int32 { return u.hits[path].Load() }

func (u *upstream) client(name string) *agent.HTTPClient {
	return agent.NewHTTPClient(agent.HTTPClientConfig{Name: name, BaseURL: u.URL, APIKey: "test-key"})
}

func newTestCache() (*cache.Cache, *clock.Fake) {
	clk := clock.NewFake(start)
	return cache.New(cache.Config{Clock: clk}), clk
}

const aaplQuote = `[{"symbol":"AAPL","name":"Apple Inc.","price":187.5,"change":2.5,"changesPercentage":1.35,
"dayHigh":188,"dayLow":184,"previousClose":185,"volume":51000000,"marketCap":2900000000000,"timestamp":1775052000}]`

func TestMarket_QuoteIsCached(t *testing.T) {
	u := newUpstream(t, map[string]string{"/quote/AAPL": aaplQuote})
	c, clk := newTestCache()
	m, err := NewMarket(u.client("market-data"), c)
	require.NoError(t, err)

	res := m.Execute(context.Background(), agent.Task{Action: "quote", Params: agent.Params{"symbol": "aapl"}}, nil)
	require.True(t, res.Success, res.Error)
	q := res.Result.(Quote)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.Equal(t, 187.5, q.Price)
	assert.Equal(t, 1.35, q.ChangePercent)
	assert.Equal(t, time.Unix(1775052000, 0).UTC(), q.AsOf)

	res = m.Execute(context.Background(), agent.Task{Action: "quote", Params: agent.Params{"symbol": "AAPL"}}, nil)
	require.True(t, res.Success)
	assert.Equal(t, int32(1), u.count("/quote/AAPL"))

	clk.Advance(61 * time.Second)
	res = m.Execute(context.Background(), agent.Task{Action: "quote", Params: agent.Params{"symbol": "AAPL"}}, nil)
	require.True(t, res.Success)
	assert.Equal(t, int32(2), u.count("/quote/AAPL"), "quote TTL is 60s")
}

func TestMarket_QuoteSatisfiesAlertSource(t *testing.T) {
	var src alerts.QuoteSource = Quote{Price: 101, ChangePercent: -2}
	assert.Equal(t, 101.0, src.QuotePrice())
	assert.Equal(t, -2.0, src.QuoteChangePercent())
}

func TestMarket_Errors(t *testing.T) {
	u := newUpstream(t, map[string]string{"/quote/ZZZZ": `[]`})
	m, err := NewMarket(u.client("market-data"), nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		task   agent.Task
		target error
	}{
		{name: "missing symbol", task: agent.Task{Action: "quote"}, target: agent.ErrInvalidParams},
		{name: "unknown symbol", task: agent.Task{Action: "quote", Params: agent.Params{"symbol": "zzzz"}}, target: agent.ErrInvalidParams},
		{name: "bad date", task: agent.Task{Action: "historical", Params: agent.Params{"symbol": "AAPL", "from": "April 1"}}, target: agent.ErrInvalidParams},
		{name: "empty batch", task: agent.Task{Action: "batch_quotes"}, target: agent.ErrInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Execute(context.Background(), tt.task, nil)
			assert.False(t, res.Success)
			assert.ErrorIs(t, res.Err, tt.target)
		})
	}

	res := m.Execute(context.Background(), agent.Task{Action: "profile", Params: agent.Params{"symbol": "MSFT"}}, nil)
	assert.False(t, res.Success)
	var he *agent.HandlerError
	require.ErrorAs(t, res.Err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
}

func TestMarket_BatchQuotesFetchesOnlyMissing(t *testing.T) {
	u := newUpstream(t, map[string]string{
		"/quote/AAPL": aaplQuote,
		"/quote/MSFT,SPY": `[{"symbol":"MSFT","price":410.1,"changesPercentage":-0.4},
			{"symbol":"SPY","price":520,"changesPercentage":0.2}]`,
	})
	c, _ := newTestCache()
	m, err := NewMarket(u.client("market-data"), c)
	require.NoError(t, err)

	_, err = m.Quote(context.Background(), "AAPL")
	require.NoError(t, err)

	res := m.Execute(context.Background(), agent.Task{Action: "batch_quotes", Params: agent.Params{"symbols": "AAPL, msft,SPY"}}, nil)
	require.True(t, res.Success, res.Error)
	quotes := res.Result.(map[string]Quote)
	require.Len(t, quotes, 3)
	assert.Equal(t, 410.1, quotes["MSFT"].Price)
	assert.Equal(t, int32(1), u.count("/quote/MSFT,SPY"))
	assert.Equal(t, int32(1), u.count("/quote/AAPL"))

	_, hit, err := c.Get("SPY", cache.CategoryQuote)
	require.NoError(t, err)
	assert.True(t, hit, "batch results are cached per symbol")
}

// sharedMirror stands in for Redis shared by two processes.
type sharedMirror struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *sharedMirror) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	return d, time.Minute, ok, nil
}

func (m *sharedMirror) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return nil
}

func (m *sharedMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestMarket_BatchQuotesUsesMirroredQuotes(t *testing.T) {
	u := newUpstream(t, map[string]string{
		"/quote/MSFT": `[{"symbol":"MSFT","price":410.1,"changesPercentage":-0.4}]`,
	})
	mirror := &sharedMirror{data: map[string][]byte{}}
	clk := clock.NewFake(start)

	first, err := NewMarket(u.client("market-data"), cache.New(cache.Config{Clock: clk, Mirror: mirror}))
	require.NoError(t, err)
	_, err = first.Quote(context.Background(), "MSFT")
	require.NoError(t, err)
	require.Equal(t, int32(1), u.count("/quote/MSFT"))

	second, err := NewMarket(u.client("market-data"), cache.New(cache.Config{Clock: clk, Mirror: mirror}))
	require.NoError(t, err)
	quotes, err := second.BatchQuotes(context.Background(), []string{"msft"})
	require.NoError(t, err)
	assert.Equal(t, 410.1, quotes["MSFT"].Price)
	assert.Equal(t, -0.4, quotes["MSFT"].ChangePercent)
	assert.Equal(t, int32(1), u.count("/quote/MSFT"), "mirrored quote must not be fetched again")
}

func TestMarket_ProfileRatiosHistorical(t *testing.T) {
	u := newUpstream(t, map[string]string{
		"/profile/AAPL": `[{"symbol":"AAPL","companyName":"Apple Inc.","sector":"Technology","mktCap":2.9e12,"ceo":"Tim Cook"}]`,
		"/ratios/AAPL":  `[{"symbol":"AAPL","date":"2025-09-27","currentRatio":0.87,"priceEarningsRatio":31.2}]`,
		"/historical-price-full/AAPL": `{"symbol":"AAPL","historical":[
			{"date":"2026-03-31","open":185,"high":188,"low":184,"close":187,"volume":100},
			{"date":"2026-03-30","open":183,"high":186,"low":182,"close":185,"volume":90}]}`,
	})
	c, _ := newTestCache()
	m, err := NewMarket(u.client("market-data"), c)
	require.NoError(t, err)
	ctx := context.Background()

	res := m.Execute(ctx, agent.Task{Action: "profile", Params: agent.Params{"symbol": "AAPL"}}, nil)
	require.True(t, res.Success, res.Error)
	p := res.Result.(Profile)
	assert.Equal(t, "Apple Inc.", p.CompanyName)
	assert.Equal(t, "Tim Cook", p.CEO)
	assert.Equal(t, 2.9e12, p.MarketCap)

	res = m.Execute(ctx, agent.Task{Action: "ratios", Params: agent.Params{"symbol": "AAPL"}}, nil)
	require.True(t, res.Success, res.Error)
	rows := res.Result.([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, 31.2, rows[0]["priceEarningsRatio"])

	res = m.Execute(ctx, agent.Task{Action: "historical", Params: agent.Params{"symbol": "AAPL", "from": "2026-03-30", "to": "2026-03-31"}}, nil)
	require.True(t, res.Success, res.Error)
	h := res.Result.(History)
	require.Len(t, h.Points, 2)
	assert.Equal(t, "2026-03-30", h.Points[0].Date, "points are oldest first")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Categories[cache.CategoryProfile].Count)
	assert.Equal(t, 1, stats.Categories[cache.CategoryRatios].Count)
	assert.Equal(t, 1, stats.Categories[cache.CategoryResearch].Count)
}

func TestMarket_UnconfiguredUpstream(t *testing.T) {
	m, err := NewMarket(agent.NewHTTPClient(agent.HTTPClientConfig{Name: "market-data"}), nil)
	require.NoError(t, err)

	res := m.Execute(context.Background(), agent.Task{Action: "quote", Params: agent.Params{"symbol": "AAPL"}}, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not configured")
}
