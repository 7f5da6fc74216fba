package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/scheduler"
)

// Timestamps are stored as unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schedules (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	cron        TEXT NOT NULL,
	task_agent  TEXT NOT NULL,
	task_action TEXT NOT NULL,
	task_params TEXT NOT NULL DEFAULT '{}',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	last_run    INTEGER,
	next_run    INTEGER,
	run_count   INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_schedules_created ON schedules(created_at);
`

// SQLiteScheduleStore persists schedules in a local SQLite file.
type SQLiteScheduleStore struct {
	db *sql.DB
}

// NewSQLiteScheduleStore opens or creates the database at path and
// ensures the schema exists.
func NewSQLiteScheduleStore(path string) (*SQLiteScheduleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schedules table: %w", err)
	}
	return &SQLiteScheduleStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteScheduleStore) Close() error {
	return s.db.Close()
}

// SaveSchedules replaces the stored set in one transaction.
func (s *SQLiteScheduleStore) SaveSchedules(ctx context.Context, schedules []scheduler.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
		return fmt.Errorf("failed to clear schedules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schedules
			(id, name, cron, task_agent, task_action, task_params, enabled, created_at, last_run, next_run, run_count, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sched := range schedules {
		params, err := json.Marshal(sched.TaskParams)
		if err != nil {
			return fmt.Errorf("failed to marshal params for schedule %s: %w", sched.ID, err)
		}
		_, err = stmt.ExecContext(ctx, sched.ID, sched.Name, sched.Cron, sched.TaskAgent, sched.TaskAction,
			string(params), sched.Enabled, sched.CreatedAt.UnixMilli(),
			toMillis(sched.LastRun), toMillis(sched.NextRun), sched.RunCount, sched.ErrorCount)
		if err != nil {
			return fmt.Errorf("failed to insert schedule %s: %w", sched.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schedules: %w", err)
	}
	return nil
}

// LoadSchedules returns every stored schedule ordered by creation time.
func (s *SQLiteScheduleStore) LoadSchedules(ctx context.Context) ([]scheduler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron, task_agent, task_action, task_params, enabled,
		       created_at, last_run, next_run, run_count, error_count
		FROM schedules
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var out []scheduler.Schedule
	for rows.Next() {
		var (
			sched            scheduler.Schedule
			params           string
			createdAt        int64
			lastRun, nextRun sql.NullInt64
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.Cron, &sched.TaskAgent, &sched.TaskAction, &params,
			&sched.Enabled, &createdAt, &lastRun, &nextRun, &sched.RunCount, &sched.ErrorCount); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &sched.TaskParams); err != nil {
			return nil, fmt.Errorf("failed to decode params for schedule %s: %w", sched.ID, err)
		}
		if sched.TaskParams == nil {
			sched.TaskParams = agent.Params{}
		}
		sched.CreatedAt = time.UnixMilli(createdAt).UTC()
		sched.LastRun = fromMillis(lastRun)
		sched.NextRun = fromMillis(nextRun)
		out = append(out, sched)
	}
	return out, rows.Err()
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
