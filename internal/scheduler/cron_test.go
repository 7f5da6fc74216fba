package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr     string
		expanded string
		wantErr  bool
	}{
		{expr: "0 9 * * *", expanded: "0 9 * * *"},
		{expr: "@hourly", expanded: "0 * * * *"},
		{expr: "@daily", expanded: "0 9 * * *"},
		{expr: "@weekly", expanded: "0 9 * * 1"},
		{expr: "@monthly", expanded: "0 9 1 * *"},
		{expr: "*/15 9-17 * * 1-5", expanded: "*/15 9-17 * * 1-5"},
		{expr: "", wantErr: true},
		{expr: "0 9 * *", wantErr: true},
		{expr: "0 9 * * * *", wantErr: true},
		{expr: "61 9 * * *", wantErr: true},
		{expr: "0 25 * * *", wantErr: true},
		{expr: "@yearly", wantErr: true},
		{expr: "@every 5m", wantErr: true},
		{expr: "a b c d e", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := ParseCron(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCronExpression)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expanded, e.Expanded())
			assert.Equal(t, tt.expr, e.String())
		})
	}
}

func TestNextSimple(t *testing.T) {
	at := func(day, hour, minute, sec int) time.Time {
		return time.Date(2026, 1, day, hour, minute, sec, 0, time.UTC)
	}

	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{"daily before target", "0 9 * * *", at(5, 8, 30, 15), at(5, 9, 0, 0)},
		{"daily after target rolls a day", "0 9 * * *", at(5, 9, 30, 0), at(6, 9, 0, 0)},
		{"daily exactly at target rolls a day", "0 9 * * *", at(5, 9, 0, 0), at(6, 9, 0, 0)},
		{"hourly mid hour", "@hourly", at(5, 8, 30, 15), at(5, 9, 0, 0)},
		{"hourly on the hour", "@hourly", at(5, 9, 0, 0), at(5, 10, 0, 0)},
		{"minute later this hour", "45 * * * *", at(5, 8, 30, 0), at(5, 8, 45, 0)},
		{"minute already passed", "15 * * * *", at(5, 8, 30, 0), at(5, 9, 15, 0)},
		{"wildcards fall back an hour", "* * * * *", at(5, 8, 30, 15), at(5, 9, 30, 0)},
		{"step treated as wildcard", "*/5 * * * *", at(5, 8, 30, 15), at(5, 9, 30, 0)},
		{"weekday ignored", "15 14 * * 6", at(5, 8, 30, 0), at(5, 14, 15, 0)},
		{"day of month ignored", "@monthly", at(5, 10, 0, 0), at(6, 9, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseCron(tt.expr)
			require.NoError(t, err)

			got := NextSimple(e, tt.now)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestNextStandard(t *testing.T) {
	// 2026-01-05 is a Monday.
	monday := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{"weekly next monday", "@weekly", monday, time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)},
		{"monthly first of month", "@monthly", monday, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		{"quarter hour", "*/15 * * * *", monday.Add(31 * time.Minute), monday.Add(45 * time.Minute)},
		{"weekdays skip weekend", "0 9 * * 1-5", time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC), time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, NextStandard(e, tt.now))
		})
	}
}

func TestNextRuns(t *testing.T) {
	from := time.Date(2026, 1, 5, 8, 30, 0, 0, time.UTC)

	runs, err := NextRuns("@hourly", EvaluatorSimple, from, 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC),
	}, runs)

	_, err = NextRuns("bogus", EvaluatorSimple, from, 1)
	assert.ErrorIs(t, err, ErrInvalidCronExpression)
}
