package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

func TestPostgresScheduleStore_RoundTrip(t *testing.T) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres store test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	s := NewPostgresScheduleStore(pool)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM dashboard_schedules`)
	})

	created := time.Now().UTC().Truncate(time.Millisecond)
	next := created.Add(time.Hour)
	require.NoError(t, s.SaveSchedules(ctx, []scheduler.Schedule{
		{ID: "pg-a", Name: "prune", Cron: "@hourly", TaskAgent: "cache", TaskAction: "prune_expired",
			TaskParams: agent.Params{"category": "quote"}, Enabled: true, CreatedAt: created, NextRun: &next},
		{ID: "pg-b", Name: "stats", Cron: "@daily", TaskAgent: "cache", TaskAction: "stats", CreatedAt: created.Add(time.Second)},
	}))
	require.NoError(t, s.SaveSchedules(ctx, []scheduler.Schedule{
		{ID: "pg-a", Name: "prune", Cron: "@hourly", TaskAgent: "cache", TaskAction: "prune_expired",
			TaskParams: agent.Params{"category": "quote"}, Enabled: true, CreatedAt: created, NextRun: &next, RunCount: 2},
	}))

	loaded, err := s.LoadSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "pg-a", loaded[0].ID)
	assert.Equal(t, int64(2), loaded[0].RunCount)
	assert.Equal(t, "quote", loaded[0].TaskParams["category"])
	require.NotNil(t, loaded[0].NextRun)
	assert.True(t, next.Equal(*loaded[0].NextRun))
}
