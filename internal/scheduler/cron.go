package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronExpression is returned for expressions that are not five
// valid cron fields or a known shortcut.
var ErrInvalidCronExpression = errors.New("invalid cron expression")

var shortcuts = map[string]string{
	"@hourly":  "0 * * * *",
	"@daily":   "0 9 * * *",
	"@weekly":  "0 9 * * 1",
	"@monthly": "0 9 1 * *",
}

// Evaluator names.
const (
	EvaluatorSimple   = "simple"
	EvaluatorStandard = "standard"
)

// Expression is a parsed five-field cron expression.
type Expression struct {
	raw      string
	fields   [5]string
	schedule cron.Schedule
}

// ParseCron expands shortcuts and validates all five fields.
func ParseCron(expr string) (*Expression, error) {
	expr = strings.TrimSpace(expr)
	expanded := expr
	if full, ok := shortcuts[strings.ToLower(expr)]; ok {
		expanded = full
	}

	parts := strings.Fields(expanded)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q must have 5 fields, got %d", ErrInvalidCronExpression, expr, len(parts))
	}

	schedule, err := cron.ParseStandard(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, expr, err)
	}

	e := &Expression{raw: expr, schedule: schedule}
	copy(e.fields[:], parts)
	return e, nil
}

// String returns the expression as written, shortcut included.
func (e *Expression) String() string { return e.raw }

// Expanded returns the five-field form.
func (e *Expression) Expanded() string { return strings.Join(e.fields[:], " ") }

// NextFunc computes the next fire time strictly after now.
type NextFunc func(e *Expression, now time.Time) time.Time

// Evaluator returns the NextFunc for name. Unknown names fall back to simple.
func Evaluator(name string) NextFunc {
	if name == EvaluatorStandard {
		return NextStandard
	}
	return NextSimple
}

// NextSimple fixes only the minute and hour fields. Day-of-month, month and
// day-of-week are validated but not enforced. Ranges, lists and steps in the
// minute or hour fields are treated like "*".
func NextSimple(e *Expression, now time.Time) time.Time {
	next := now.Truncate(time.Minute)

	if minute, ok := fixedField(e.fields[0], 59); ok {
		next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), minute, 0, 0, next.Location())
	}
	if hour, ok := fixedField(e.fields[1], 23); ok {
		next = time.Date(next.Year(), next.Month(), next.Day(), hour, next.Minute(), 0, 0, next.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	}
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// NextStandard evaluates all five fields in now's location.
func NextStandard(e *Expression, now time.Time) time.Time {
	if spec, ok := e.schedule.(*cron.SpecSchedule); ok {
		local := *spec
		local.Location = now.Location()
		return local.Next(now)
	}
	return e.schedule.Next(now)
}

func fixedField(field string, max int) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 || n > max {
		return 0, false
	}
	return n, true
}

// NextRuns returns the next n fire times after from.
func NextRuns(expr, evaluator string, from time.Time, n int) ([]time.Time, error) {
	e, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	next := Evaluator(evaluator)
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = next(e, t)
		out = append(out, t)
	}
	return out, nil
}
