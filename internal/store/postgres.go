// Package store holds the durable implementations of scheduler.Store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dashboard_schedules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	cron        TEXT NOT NULL,
	task_agent  TEXT NOT NULL,
	task_action TEXT NOT NULL,
	task_params JSONB NOT NULL DEFAULT '{}',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	last_run    TIMESTAMPTZ,
	next_run    TIMESTAMPTZ,
	run_count   BIGINT NOT NULL DEFAULT 0,
	error_count BIGINT NOT NULL DEFAULT 0
)`

// PostgresScheduleStore persists schedules in PostgreSQL.
type PostgresScheduleStore struct {
	pool *pgxpool.Pool
}

// NewPostgresScheduleStore creates a store on an existing pool.
func NewPostgresScheduleStore(pool *pgxpool.Pool) *PostgresScheduleStore {
	return &PostgresScheduleStore{pool: pool}
}

// Init creates the schedules table if it does not exist.
func (s *PostgresScheduleStore) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schedules table: %w", err)
	}
	return nil
}

// SaveSchedules replaces the stored set in one transaction.
func (s *PostgresScheduleStore) SaveSchedules(ctx context.Context, schedules []scheduler.Schedule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(schedules))
	for _, sched := range schedules {
		ids = append(ids, sched.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dashboard_schedules WHERE NOT (id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("failed to delete removed schedules: %w", err)
	}

	for _, sched := range schedules {
		params, err := json.Marshal(sched.TaskParams)
		if err != nil {
			return fmt.Errorf("failed to marshal params for schedule %s: %w", sched.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO dashboard_schedules
				(id, name, cron, task_agent, task_action, task_params, enabled, created_at, last_run, next_run, run_count, error_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				cron = EXCLUDED.cron,
				task_agent = EXCLUDED.task_agent,
				task_action = EXCLUDED.task_action,
				task_params = EXCLUDED.task_params,
				enabled = EXCLUDED.enabled,
				last_run = EXCLUDED.last_run,
				next_run = EXCLUDED.next_run,
				run_count = EXCLUDED.run_count,
				error_count = EXCLUDED.error_count
		`, sched.ID, sched.Name, sched.Cron, sched.TaskAgent, sched.TaskAction, params,
			sched.Enabled, sched.CreatedAt, sched.LastRun, sched.NextRun, sched.RunCount, sched.ErrorCount)
		if err != nil {
			return fmt.Errorf("failed to upsert schedule %s: %w", sched.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schedules: %w", err)
	}
	return nil
}

// LoadSchedules returns every stored schedule ordered by creation time.
func (s *PostgresScheduleStore) LoadSchedules(ctx context.Context) ([]scheduler.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, cron, task_agent, task_action, task_params, enabled,
		       created_at, last_run, next_run, run_count, error_count
		FROM dashboard_schedules
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Schedule
	for rows.Next() {
		sched, err := scanPostgresSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}
	return out, nil
}

func scanPostgresSchedule(rows pgx.Rows) (scheduler.Schedule, error) {
	var (
		sched   scheduler.Schedule
		params  []byte
		lastRun *time.Time
		nextRun *time.Time
	)
	err := rows.Scan(&sched.ID, &sched.Name, &sched.Cron, &sched.TaskAgent, &sched.TaskAction, &params,
		&sched.Enabled, &sched.CreatedAt, &lastRun, &nextRun, &sched.RunCount, &sched.ErrorCount)
	if err != nil {
		return sched, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &sched.TaskParams); err != nil {
			return sched, fmt.Errorf("failed to decode params for schedule %s: %w", sched.ID, err)
		}
	}
	if sched.TaskParams == nil {
		sched.TaskParams = agent.Params{}
	}
	sched.LastRun = lastRun
	sched.NextRun = nextRun
	return sched, nil
}
