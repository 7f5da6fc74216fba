package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/notify"
)

type quoteDispatcher struct {
	mu     sync.Mutex
	quotes map[string]any
	calls  map[string]int
}

func newQuoteDispatcher(quotes map[string]any) *quoteDispatcher {
	return &quoteDispatcher{quotes: quotes, calls: make(map[string]int)}
}

func (d *quoteDispatcher) Run(_ context.Context, agentKey string, task agent.Task, _ agent.ExecContext) agent.ExecutionResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	symbol := task.Params.String("symbol", "")
	d.calls[symbol]++
	q, ok := d.quotes[symbol]
	if !ok {
		return agent.Failed(agentKey, task.Action, errors.New("symbol not found"), 0)
	}
	return agent.Succeeded(agentKey, task.Action, q, 0)
}

func (d *quoteDispatcher) set(symbol string, q any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotes[symbol] = q
}

type fakeNotifier struct {
	mu    sync.Mutex
	fail  map[notify.Channel]bool
	sends []notify.Delivery
}

func (n *fakeNotifier) Send(_ context.Context, ch notify.Channel, destination, _, _ string) notify.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	d := notify.Delivery{Channel: ch, Destination: destination, Success: !n.fail[ch]}
	if n.fail[ch] {
		d.Error = "transport down"
	}
	n.sends = append(n.sends, d)
	return d
}

type typedQuote struct{ price, change float64 }

func (q typedQuote) QuotePrice() float64         { return q.price }
func (q typedQuote) QuoteChangePercent() float64 { return q.change }

func newTestManager(d Dispatcher, n Notifier) (*Manager, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC))
	return NewManager(d, n, Config{Clock: clk}), clk
}

func TestAlert_Evaluate(t *testing.T) {
	tests := []struct {
		name      string
		alertType Type
		threshold float64
		quote     Quote
		want      bool
	}{
		{"price above triggers", PriceAbove, 100, Quote{Price: 101}, true},
		{"price above at threshold", PriceAbove, 100, Quote{Price: 100}, true},
		{"price above below threshold", PriceAbove, 100, Quote{Price: 99}, false},
		{"price below triggers", PriceBelow, 100, Quote{Price: 99}, true},
		{"price below above threshold", PriceBelow, 100, Quote{Price: 101}, false},
		{"percent up triggers", PercentChangeUp, 5, Quote{ChangePercent: 5.5}, true},
		{"percent up too small", PercentChangeUp, 5, Quote{ChangePercent: 4.9}, false},
		{"percent down triggers", PercentChangeDown, 5, Quote{ChangePercent: -6}, true},
		{"percent down exactly", PercentChangeDown, 5, Quote{ChangePercent: -5}, true},
		{"percent down not enough", PercentChangeDown, 5, Quote{ChangePercent: -4}, false},
		{"percent down ignores gains", PercentChangeDown, 5, Quote{ChangePercent: 6}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Alert{Subject: "AAPL", Type: tt.alertType, Threshold: tt.threshold}
			got, reason := a.Evaluate(tt.quote)
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Contains(t, reason, "AAPL")
			}
		})
	}
}

func TestManager_PriceAboveTriggersOnce(t *testing.T) {
	tests := []struct {
		name          string
		price         float64
		wantTriggered int
	}{
		{"quote above threshold", 101, 1},
		{"quote below threshold", 99, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newQuoteDispatcher(map[string]any{"AAPL": map[string]any{"symbol": "AAPL", "price": tt.price}})
			m, _ := newTestManager(d, &fakeNotifier{})

			a, err := m.Create(CreateRequest{Subject: "aapl", Type: PriceAbove, Threshold: 100, Channels: []notify.Channel{notify.ChannelEmail}})
			require.NoError(t, err)
			assert.Equal(t, "AAPL", a.Subject)

			summary := m.CheckAlerts(context.Background())
			assert.Equal(t, 1, summary.SubjectsChecked)
			assert.Equal(t, 1, summary.AlertsEvaluated)
			assert.Equal(t, tt.wantTriggered, summary.Triggered)
			assert.Len(t, m.TriggeredHistory(0), tt.wantTriggered)

			got, err := m.Get(a.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.wantTriggered), got.TriggeredCount)
			assert.NotNil(t, got.LastChecked)
		})
	}
}

func TestManager_OneFetchPerSubject(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{
		"AAPL": map[string]any{"price": 150.0, "changes_percentage": 2.5},
		"MSFT": typedQuote{price: 400, change: -3},
	})
	m, _ := newTestManager(d, &fakeNotifier{})

	for _, req := range []CreateRequest{
		{Subject: "AAPL", Type: PriceAbove, Threshold: 100},
		{Subject: "AAPL", Type: PriceBelow, Threshold: 100},
		{Subject: "AAPL", Type: PercentChangeUp, Threshold: 2},
		{Subject: "MSFT", Type: PercentChangeDown, Threshold: 2},
		{Subject: "NVDA", Type: PriceAbove, Threshold: 1, Active: boolPtr(false)},
	} {
		_, err := m.Create(req)
		require.NoError(t, err)
	}

	summary := m.CheckAlerts(context.Background())
	assert.Equal(t, 2, summary.SubjectsChecked)
	assert.Equal(t, 4, summary.AlertsEvaluated)
	assert.Equal(t, 3, summary.Triggered)
	assert.Equal(t, 1, d.calls["AAPL"])
	assert.Equal(t, 1, d.calls["MSFT"])
	assert.Zero(t, d.calls["NVDA"])
}

func TestManager_FetchFailureDoesNotAbort(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"MSFT": map[string]any{"price": 500.0}})
	m, _ := newTestManager(d, &fakeNotifier{})

	_, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)
	_, err = m.Create(CreateRequest{Subject: "MSFT", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)
	_, err = m.Create(CreateRequest{Subject: "ZZZ", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)
	d.set("ZZZ", map[string]any{"volume": 10})

	summary := m.CheckAlerts(context.Background())
	assert.Equal(t, 3, summary.SubjectsChecked)
	assert.Equal(t, 1, summary.Triggered)
	require.Len(t, summary.FetchErrors, 2)
	assert.Contains(t, summary.FetchErrors["AAPL"], "symbol not found")
	assert.Contains(t, summary.FetchErrors["ZZZ"], "no price")
}

func TestManager_ChannelsDeliverIndependently(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"AAPL": []any{map[string]any{"price": 120.0}}})
	n := &fakeNotifier{fail: map[notify.Channel]bool{notify.ChannelSMS: true}}
	m, _ := newTestManager(d, n)

	a, err := m.Create(CreateRequest{
		Subject:      "AAPL",
		Type:         PriceAbove,
		Threshold:    100,
		Message:      "time to sell",
		Channels:     []notify.Channel{notify.ChannelEmail, notify.ChannelSMS, notify.ChannelPush},
		Destinations: map[notify.Channel]string{notify.ChannelSMS: "+15550100"},
	})
	require.NoError(t, err)

	m.CheckAlerts(context.Background())

	history := m.TriggeredHistory(10)
	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, a.ID, rec.AlertID)
	assert.Equal(t, 120.0, rec.Price)
	require.Len(t, rec.NotificationsSent, 3)
	assert.True(t, rec.NotificationsSent[0].Success)
	assert.False(t, rec.NotificationsSent[1].Success)
	assert.Equal(t, "+15550100", rec.NotificationsSent[1].Destination)
	assert.True(t, rec.NotificationsSent[2].Success)

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TriggeredCount)
}

func TestManager_TriggeredCountAccumulates(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"AAPL": map[string]any{"price": 120.0}})
	m, clk := newTestManager(d, nil)

	a, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 100, Channels: []notify.Channel{notify.ChannelPush}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.CheckAlerts(context.Background())
		clk.Advance(time.Minute)
	}

	got, err := m.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TriggeredCount)

	history := m.TriggeredHistory(0)
	require.Len(t, history, 3)
	assert.True(t, history[0].TriggeredAt.After(history[2].TriggeredAt))
	assert.False(t, history[0].NotificationsSent[0].Success)
}

func TestManager_Cooldown(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"AAPL": map[string]any{"price": 120.0}})
	clk := clock.NewFake(time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC))
	m := NewManager(d, &fakeNotifier{}, Config{Clock: clk, Cooldown: 10 * time.Minute})

	_, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)

	assert.Equal(t, 1, m.CheckAlerts(context.Background()).Triggered)
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 0, m.CheckAlerts(context.Background()).Triggered)
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, m.CheckAlerts(context.Background()).Triggered)
}

func TestManager_HistoryIsBounded(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"AAPL": map[string]any{"price": 120.0}})
	m := NewManager(d, nil, Config{HistoryLimit: 2, Clock: clock.NewFake(time.Now())})

	_, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		m.CheckAlerts(context.Background())
	}
	assert.Len(t, m.TriggeredHistory(0), 2)
	assert.Len(t, m.TriggeredHistory(1), 1)
}

func TestManager_CRUD(t *testing.T) {
	m, _ := newTestManager(newQuoteDispatcher(nil), nil)

	_, err := m.Create(CreateRequest{Subject: "", Type: PriceAbove})
	assert.ErrorIs(t, err, ErrInvalidAlert)
	_, err = m.Create(CreateRequest{Subject: "AAPL", Type: "price_sideways"})
	assert.ErrorIs(t, err, ErrInvalidAlert)
	_, err = m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Channels: []notify.Channel{"pigeon"}})
	assert.ErrorIs(t, err, ErrInvalidAlert)

	a1, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 1})
	require.NoError(t, err)
	assert.Equal(t, []notify.Channel{notify.ChannelPush}, a1.Channels)
	_, err = m.Create(CreateRequest{Subject: "AAPL", Type: PriceBelow, Threshold: 1})
	require.NoError(t, err)
	a3, err := m.Create(CreateRequest{Subject: "MSFT", Type: PriceBelow, Threshold: 1})
	require.NoError(t, err)

	assert.Len(t, m.List(), 3)
	assert.Len(t, m.ListBySubject("aapl"), 2)

	paused, err := m.SetActive(a3.ID, false)
	require.NoError(t, err)
	assert.False(t, paused.Active)

	assert.Equal(t, 2, m.DeleteBySubject("AAPL"))
	assert.Empty(t, m.ListBySubject("AAPL"))

	require.NoError(t, m.Delete(a3.ID))
	assert.ErrorIs(t, m.Delete(a3.ID), ErrAlertNotFound)
	_, err = m.Get(a1.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = m.SetActive(a1.ID, true)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestManager_StartLoop(t *testing.T) {
	d := newQuoteDispatcher(map[string]any{"AAPL": map[string]any{"price": 120.0}})
	m, clk := newTestManager(d, nil)

	_, err := m.Create(CreateRequest{Subject: "AAPL", Type: PriceAbove, Threshold: 100})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, time.Minute)

	clk.Advance(3 * time.Minute)
	assert.Equal(t, 3, d.calls["AAPL"])

	m.Stop()
	clk.Advance(3 * time.Minute)
	assert.Equal(t, 3, d.calls["AAPL"])
}

func TestExtractQuote(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    Quote
		wantErr bool
	}{
		{"map with snake case", map[string]any{"price": 10.0, "changes_percentage": 1.5}, Quote{10, 1.5}, false},
		{"map with camel case", map[string]any{"price": 10.0, "changesPercentage": -2.0}, Quote{10, -2}, false},
		{"list", []any{map[string]any{"price": 3.0}}, Quote{Price: 3}, false},
		{"typed", typedQuote{price: 7, change: 1}, Quote{7, 1}, false},
		{"struct round trip", struct {
			Price float64 `json:"price"`
		}{Price: 9}, Quote{Price: 9}, false},
		{"missing price", map[string]any{"volume": 1.0}, Quote{}, true},
		{"empty list", []any{}, Quote{}, true},
		{"nil", nil, Quote{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractQuote(tt.result)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func boolPtr(b bool) *bool { return &b }
