package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/types"
)

// Interval names a task's recurrence.
type Interval string

const (
	IntervalMinute  Interval = "MINUTE"
	IntervalHour    Interval = "HOUR"
	IntervalDaily   Interval = "DAILY"
	IntervalWeekly  Interval = "WEEKLY"
	IntervalMonthly Interval = "MONTHLY"
	IntervalCron    Interval = "CRON"
)

// Valid reports whether i names a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalMinute, IntervalHour, IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalCron:
		return true
	}
	return false
}

// TaskHandler receives the entity set selected by the task's query.
type TaskHandler func(ctx context.Context, entities []*types.Entity) error

// TaskOptions tune one task's dispatch.
type TaskOptions struct {
	// ComponentFilters narrow the target component query.
	ComponentFilters []query.Filter

	// MaxEntitiesPerExecution caps the query with Take. Zero means no cap.
	MaxEntitiesPerExecution int

	// Timeout bounds one handler invocation. Zero means no task deadline.
	Timeout time.Duration

	// MaxRetries and RetryDelay govern re-invocation after a failed
	// execution; delays are constant, not exponential.
	MaxRetries int
	RetryDelay time.Duration

	// Priority breaks dispatch-order ties between tasks due at the same
	// instant, higher first.
	Priority int
}

// Task is one registered periodic job. Service and Method name an explicitly
// registered handler; the scheduler never reflects over types.
type Task struct {
	ID              string
	Name            string
	ComponentTarget string
	Interval        Interval
	CronExpression  string
	Options         TaskOptions
	Service         string
	Method          string

	schedule      *cronSchedule
	handler       TaskHandler
	nextExecution time.Time
	enabled       bool
	isRunning     bool
	executionCount int64
	retryCount     int64
}

// TaskStatus is a read-only snapshot of one task's state.
type TaskStatus struct {
	ID             string
	Name           string
	Enabled        bool
	IsRunning      bool
	NextExecution  time.Time
	ExecutionCount int64
	RetryCount     int64
}

// advance computes the fire time after from, per the task's interval or cron
// schedule. Computed from the scheduled time, never from completion time, so
// slow executions do not drift the cadence.
func (t *Task) advance(from time.Time) time.Time {
	switch t.Interval {
	case IntervalMinute:
		return from.Add(time.Minute)
	case IntervalHour:
		return from.Add(time.Hour)
	case IntervalDaily:
		return from.AddDate(0, 0, 1)
	case IntervalWeekly:
		return from.AddDate(0, 0, 7)
	case IntervalMonthly:
		return from.AddDate(0, 1, 0)
	case IntervalCron:
		return t.schedule.next(from)
	}
	return time.Time{}
}

// buildQuery compiles the task's target selection.
func (t *Task) buildQuery() *query.Builder {
	b := query.New().With(t.ComponentTarget, t.Options.ComponentFilters...)
	if t.Options.MaxEntitiesPerExecution > 0 {
		b.Take(t.Options.MaxEntitiesPerExecution)
	}
	return b
}

func (t *Task) validate() error {
	if t.ID == "" {
		return fmt.Errorf("scheduler: task needs an id")
	}
	if t.ComponentTarget == "" {
		return fmt.Errorf("scheduler: task %q needs a component target", t.ID)
	}
	if !t.Interval.Valid() {
		return fmt.Errorf("scheduler: task %q: unknown interval %q", t.ID, t.Interval)
	}
	if t.Interval == IntervalCron && t.CronExpression == "" {
		return fmt.Errorf("scheduler: task %q: CRON interval needs an expression", t.ID)
	}
	if t.Interval != IntervalCron && t.CronExpression != "" {
		return fmt.Errorf("scheduler: task %q: cron expression given for non-CRON interval", t.ID)
	}
	if t.Options.MaxRetries < 0 {
		return fmt.Errorf("scheduler: task %q: negative maxRetries", t.ID)
	}
	return nil
}
