package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/cache"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/clock"
)

var start = time.Date(2026, 1, 5, 8, 30, 0, 0, time.UTC)

type dispatchCall struct {
	agentKey string
	task     agent.Task
	execCtx  agent.ExecContext
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	fail  bool
}

func (f *fakeDispatcher) Run(_ context.Context, agentKey string, task agent.Task, execCtx agent.ExecContext) agent.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{agentKey, task, execCtx})
	if f.fail {
		return agent.Failed(agentKey, task.Action, errors.New("upstream down"), 0)
	}
	return agent.Succeeded(agentKey, task.Action, "ok", 0)
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T, d Dispatcher, cfg Config) (*Scheduler, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(start)
	cfg.Clock = clk
	s := New(d, cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s, clk
}

func boolPtr(b bool) *bool { return &b }

func TestScheduler_CreateDailyNextRun(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before nine runs today", start, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
		{"after nine runs tomorrow", time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk := newTestScheduler(t, &fakeDispatcher{}, Config{})
			clk.Set(tt.now)

			sched, err := s.Create(CreateRequest{Name: "briefing", Cron: "0 9 * * *", TaskAgent: "workflow", TaskAction: "execute"})
			require.NoError(t, err)
			require.NotNil(t, sched.NextRun)
			assert.Equal(t, tt.want, *sched.NextRun)
			assert.True(t, sched.NextRun.After(tt.now))
			assert.True(t, sched.Enabled)
			assert.NotEmpty(t, sched.ID)
			assert.Equal(t, 1, clk.Pending())
		})
	}
}

func TestScheduler_CreateValidation(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeDispatcher{}, Config{})

	_, err := s.Create(CreateRequest{Cron: "not cron", TaskAgent: "market", TaskAction: "quote"})
	assert.ErrorIs(t, err, ErrInvalidCronExpression)

	_, err = s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "", TaskAction: "quote"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	assert.Empty(t, s.List())
}

func TestScheduler_CreateDisabled(t *testing.T) {
	s, clk := newTestScheduler(t, &fakeDispatcher{}, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats", Enabled: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, sched.Enabled)
	assert.Nil(t, sched.NextRun)
	assert.Equal(t, "cache.stats", sched.Name)
	assert.Equal(t, 0, clk.Pending())
}

func TestScheduler_FiresAndRearms(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Name: "quotes", Cron: "@hourly", TaskAgent: "market", TaskAction: "batch_quotes",
		TaskParams: agent.Params{"symbols": "AAPL,MSFT"}})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	require.Equal(t, 2, d.count())
	assert.Equal(t, "market", d.calls[0].agentKey)
	assert.Equal(t, "batch_quotes", d.calls[0].task.Action)
	assert.Equal(t, "AAPL,MSFT", d.calls[0].task.Params["symbols"])
	assert.Equal(t, sched.ID, d.calls[0].execCtx["schedule_id"])

	got, err := s.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunCount)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.Equal(t, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), *got.LastRun)
	assert.Equal(t, time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC), *got.NextRun)
	assert.Equal(t, 1, clk.Pending())
}

func TestScheduler_FailuresAreRecordedNotRetried(t *testing.T) {
	d := &fakeDispatcher{fail: true}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "news", TaskAction: "headlines"})
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	got, err := s.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, int64(2), got.RunCount)
	assert.Equal(t, int64(2), got.ErrorCount)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRun)

	history := s.History(0)
	require.Len(t, history, 2)
	assert.False(t, history[0].Success)
	assert.Equal(t, "upstream down", history[0].Error)
}

func TestScheduler_PauseAndResume(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "prune_expired"})
	require.NoError(t, err)

	paused, err := s.Pause(sched.ID)
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
	assert.Nil(t, paused.NextRun)
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(3 * time.Hour)
	assert.Equal(t, 0, d.count())
	assert.Empty(t, s.Upcoming(0))

	resumed, err := s.Resume(sched.ID)
	require.NoError(t, err)
	assert.True(t, resumed.Enabled)
	require.NotNil(t, resumed.NextRun)
	assert.True(t, resumed.NextRun.After(clk.Now()))

	clk.Advance(time.Hour)
	assert.Equal(t, 1, d.count())
}

func TestScheduler_ResumeTwiceKeepsOneTimer(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats"})
	require.NoError(t, err)

	_, err = s.Resume(sched.ID)
	require.NoError(t, err)
	_, err = s.Resume(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, d.count())
}

func TestScheduler_RunNowLeavesTimerAlone(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats"})
	require.NoError(t, err)

	res, err := s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := s.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, *sched.NextRun, *got.NextRun)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, 1, clk.Pending())

	history := s.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Manual)

	paused, err := s.Pause(sched.ID)
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), sched.ID)
	require.NoError(t, err)
	got, err = s.Get(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, paused.Enabled, got.Enabled)
	assert.Equal(t, 0, clk.Pending())

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestScheduler_Delete(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{})

	sched, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(sched.ID))
	assert.Equal(t, 0, clk.Pending())

	_, err = s.Get(sched.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	assert.ErrorIs(t, s.Delete(sched.ID), ErrScheduleNotFound)
	_, err = s.Pause(sched.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
	_, err = s.Resume(sched.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 0, d.count())
}

func TestScheduler_HistoryIsBoundedMostRecentFirst(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeDispatcher{}, Config{HistoryLimit: 3})

	for i := 0; i < 5; i++ {
		sched, err := s.Create(CreateRequest{Name: fmt.Sprintf("s%d", i), Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats", Enabled: boolPtr(false)})
		require.NoError(t, err)
		_, err = s.RunNow(context.Background(), sched.ID)
		require.NoError(t, err)
	}

	history := s.History(0)
	require.Len(t, history, 3)
	assert.Equal(t, "s4", history[0].ScheduleName)
	assert.Equal(t, "s3", history[1].ScheduleName)
	assert.Equal(t, "s2", history[2].ScheduleName)

	assert.Len(t, s.History(2), 2)
}

func TestScheduler_UpcomingSortedByNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeDispatcher{}, Config{})

	for _, req := range []CreateRequest{
		{Name: "noon", Cron: "0 12 * * *", TaskAgent: "a", TaskAction: "x"},
		{Name: "quarter", Cron: "45 * * * *", TaskAgent: "a", TaskAction: "x"},
		{Name: "nine", Cron: "0 9 * * *", TaskAgent: "a", TaskAction: "x"},
		{Name: "off", Cron: "0 8 * * *", TaskAgent: "a", TaskAction: "x", Enabled: boolPtr(false)},
	} {
		_, err := s.Create(req)
		require.NoError(t, err)
	}

	upcoming := s.Upcoming(0)
	require.Len(t, upcoming, 3)
	assert.Equal(t, "quarter", upcoming[0].Name)
	assert.Equal(t, "nine", upcoming[1].Name)
	assert.Equal(t, "noon", upcoming[2].Name)

	assert.Len(t, s.Upcoming(2), 2)
	assert.Len(t, s.List(), 4)
}

func TestScheduler_StartRestoresFromStore(t *testing.T) {
	store := NewMemoryStore()
	clk := clock.NewFake(start)

	first := New(&fakeDispatcher{}, Config{Clock: clk, Store: store})
	require.NoError(t, first.Start(context.Background()))
	active, err := first.Create(CreateRequest{Name: "active", Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats"})
	require.NoError(t, err)
	_, err = first.Create(CreateRequest{Name: "paused", Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats", Enabled: boolPtr(false)})
	require.NoError(t, err)
	first.Stop()
	assert.Equal(t, 0, clk.Pending())

	d := &fakeDispatcher{}
	second := New(d, Config{Clock: clk, Store: store})
	require.NoError(t, second.Start(context.Background()))
	defer second.Stop()

	assert.Len(t, second.List(), 2)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, d.count())

	got, err := second.Get(active.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)

	saved, err := store.LoadSchedules(context.Background())
	require.NoError(t, err)
	for _, sched := range saved {
		if sched.ID == active.ID {
			assert.Equal(t, int64(1), sched.RunCount)
		}
	}
}

type failingStore struct{}

func (failingStore) SaveSchedules(context.Context, []Schedule) error { return errors.New("disk full") }
func (failingStore) LoadSchedules(context.Context) ([]Schedule, error) { return nil, nil }

func TestScheduler_StoreFailuresAreNotFatal(t *testing.T) {
	d := &fakeDispatcher{}
	s, clk := newTestScheduler(t, d, Config{Store: failingStore{}})

	_, err := s.Create(CreateRequest{Cron: "@hourly", TaskAgent: "cache", TaskAction: "stats"})
	require.NoError(t, err)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, d.count())
}

func TestScheduler_StandardEvaluator(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeDispatcher{}, Config{Evaluator: EvaluatorStandard})

	sched, err := s.Create(CreateRequest{Cron: "@monthly", TaskAgent: "cache", TaskAction: "clear"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), *sched.NextRun)
}

func TestScheduler_HourlyPruneEndToEnd(t *testing.T) {
	clk := clock.NewFake(start)
	c := cache.New(cache.Config{Clock: clk})
	require.NoError(t, c.Set("AAPL", 190.0, cache.CategoryQuote))
	require.NoError(t, c.Set("TSLA", "profile", cache.CategoryProfile))

	cacheAgent, err := agent.NewBase("cache", map[string]agent.HandlerFunc{
		"prune_expired": func(context.Context, agent.Params, agent.ExecContext) (any, error) {
			return map[string]int{"removed": c.PruneExpired()}, nil
		},
	})
	require.NoError(t, err)
	registry := agent.NewRegistry(nil, nil)
	registry.MustRegister(cacheAgent)

	s := New(registry, Config{Clock: clk})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	sched, err := s.Create(CreateRequest{Name: "prune", Cron: "@hourly", TaskAgent: "cache", TaskAction: "prune_expired"})
	require.NoError(t, err)

	clk.Advance(time.Hour)

	history := s.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.Equal(t, sched.ID, history[0].ScheduleID)

	got, err := s.Get(sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, int64(0), got.ErrorCount)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), registry.Health()["cache"].SuccessCount)
}
