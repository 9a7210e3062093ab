package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/types"
)

type fakeRunner struct {
	mu       sync.Mutex
	builders []*query.Builder
	entities []*types.Entity
	err      error
}

func (f *fakeRunner) Exec(_ context.Context, b *query.Builder) ([]*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders = append(f.builders, b)
	return f.entities, f.err
}

func (f *fakeRunner) queries() []*query.Builder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*query.Builder(nil), f.builders...)
}

func newTestScheduler(runner *fakeRunner) *Scheduler {
	return New(runner, config.SchedulerConfig{MaxConcurrent: 2, TickInterval: time.Hour})
}

func registerNoop(t *testing.T, s *Scheduler, handler TaskHandler) {
	t.Helper()
	if handler == nil {
		handler = func(context.Context, []*types.Entity) error { return nil }
	}
	require.NoError(t, s.RegisterService("sweep", map[string]TaskHandler{"run": handler}))
}

func minuteTask(id string) Task {
	return Task{
		ID:              id,
		Name:            id,
		ComponentTarget: "User",
		Interval:        IntervalMinute,
		Service:         "sweep",
		Method:          "run",
	}
}

func TestRegisterTaskValidation(t *testing.T) {
	s := newTestScheduler(&fakeRunner{})
	registerNoop(t, s, nil)

	cases := map[string]Task{
		"missing id":     {ComponentTarget: "User", Interval: IntervalMinute, Service: "sweep", Method: "run"},
		"missing target": {ID: "t", Interval: IntervalMinute, Service: "sweep", Method: "run"},
		"bad interval":   {ID: "t", ComponentTarget: "User", Interval: "SOMETIMES", Service: "sweep", Method: "run"},
		"cron missing expression": {ID: "t", ComponentTarget: "User", Interval: IntervalCron,
			Service: "sweep", Method: "run"},
		"cron on minute interval": {ID: "t", ComponentTarget: "User", Interval: IntervalMinute,
			CronExpression: "* * * * *", Service: "sweep", Method: "run"},
		"invalid cron": {ID: "t", ComponentTarget: "User", Interval: IntervalCron,
			CronExpression: "99 * * * *", Service: "sweep", Method: "run"},
		"unknown service": {ID: "t", ComponentTarget: "User", Interval: IntervalMinute,
			Service: "nope", Method: "run"},
		"unknown method": {ID: "t", ComponentTarget: "User", Interval: IntervalMinute,
			Service: "sweep", Method: "nope"},
	}
	for name, task := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.RegisterTask(task))
		})
	}

	require.NoError(t, s.RegisterTask(minuteTask("ok")))
	assert.Error(t, s.RegisterTask(minuteTask("ok")), "duplicate id rejected")
}

func TestTickDispatchesDueTaskWithQuery(t *testing.T) {
	runner := &fakeRunner{entities: []*types.Entity{{ID: "e1"}}}
	s := newTestScheduler(runner)

	var mu sync.Mutex
	var got []*types.Entity
	registerNoop(t, s, func(_ context.Context, entities []*types.Entity) error {
		mu.Lock()
		got = entities
		mu.Unlock()
		return nil
	})

	task := minuteTask("dispatch")
	task.Options.ComponentFilters = []query.Filter{query.F("age", query.GT, 30)}
	task.Options.MaxEntitiesPerExecution = 50
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.RegisterTask(task))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.Tick(context.Background())
	s.wg.Wait()

	mu.Lock()
	require.Len(t, got, 1)
	mu.Unlock()

	queries := runner.queries()
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"User"}, queries[0].ComponentNames())
	expected := query.New().With("User", query.F("age", query.GT, 30)).Take(50)
	assert.Equal(t, expected.Fingerprint(), queries[0].Fingerprint())

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.TotalExecutions)
	assert.Equal(t, int64(1), m.CompletedExecutions)
	assert.Contains(t, m.TaskDurations, "dispatch")
}

func TestTaskNotDueDoesNotDispatch(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, nil)
	require.NoError(t, s.RegisterTask(minuteTask("later")))

	s.Tick(context.Background())
	s.wg.Wait()
	assert.Empty(t, runner.queries())
}

func TestDisabledTaskDoesNotDispatch(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, nil)
	require.NoError(t, s.RegisterTask(minuteTask("off")))
	require.NoError(t, s.Disable("off"))

	s.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	s.Tick(context.Background())
	s.wg.Wait()
	assert.Empty(t, runner.queries())

	require.NoError(t, s.Enable("off"))
	status := s.Tasks()
	require.Len(t, status, 1)
	assert.True(t, status[0].Enabled)
}

func TestTaskNeverSelfConcurrent(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)

	started := make(chan struct{})
	release := make(chan struct{})
	registerNoop(t, s, func(context.Context, []*types.Entity) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, s.RegisterTask(minuteTask("guarded")))

	s.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	s.Tick(context.Background())
	<-started

	// The task is still running; further ticks must not re-dispatch it.
	s.Tick(context.Background())
	s.Tick(context.Background())
	close(release)
	s.wg.Wait()

	assert.Len(t, runner.queries(), 1)
}

func TestRetryThenSuccess(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)

	var mu sync.Mutex
	calls := 0
	registerNoop(t, s, func(context.Context, []*types.Entity) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	task := minuteTask("flaky")
	task.Options.MaxRetries = 3
	task.Options.RetryDelay = time.Millisecond
	require.NoError(t, s.RegisterTask(task))

	require.NoError(t, s.ExecuteTaskNow(context.Background(), "flaky"))

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.CompletedExecutions)
	assert.Equal(t, int64(0), m.FailedExecutions)
	assert.Equal(t, int64(2), m.RetriedExecutions)
}

func TestRetriesExhaustedCountsFailed(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, func(context.Context, []*types.Entity) error { return errors.New("broken") })

	task := minuteTask("broken")
	task.Options.MaxRetries = 2
	task.Options.RetryDelay = time.Millisecond
	require.NoError(t, s.RegisterTask(task))

	require.NoError(t, s.ExecuteTaskNow(context.Background(), "broken"))

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.FailedExecutions)
	assert.Equal(t, int64(2), m.RetriedExecutions)
	assert.Equal(t, int64(0), m.CompletedExecutions)
}

func TestTimeoutCounted(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, func(ctx context.Context, _ []*types.Entity) error {
		<-ctx.Done()
		return ctx.Err()
	})

	task := minuteTask("slow")
	task.Options.Timeout = 10 * time.Millisecond
	require.NoError(t, s.RegisterTask(task))

	require.NoError(t, s.ExecuteTaskNow(context.Background(), "slow"))

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.TimedOutTasks)
	assert.Equal(t, int64(1), m.FailedExecutions)
}

func TestExecuteTaskNowRejectsUnknownAndRunning(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, nil)
	require.NoError(t, s.RegisterTask(minuteTask("t1")))

	assert.Error(t, s.ExecuteTaskNow(context.Background(), "ghost"))
	require.NoError(t, s.ExecuteTaskNow(context.Background(), "t1"))
}

func TestOverrunSkipsMissedTicksWithoutBurst(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	current := base
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	setNow := func(v time.Time) {
		mu.Lock()
		current = v
		mu.Unlock()
	}

	registerNoop(t, s, func(context.Context, []*types.Entity) error {
		// Simulate a 70 minute run.
		setNow(s.now().Add(70 * time.Minute))
		return nil
	})

	task := Task{
		ID:              "hourly",
		ComponentTarget: "User",
		Interval:        IntervalCron,
		CronExpression:  "0 * * * *",
		Service:         "sweep",
		Method:          "run",
	}
	require.NoError(t, s.RegisterTask(task))

	status := s.Tasks()
	require.Equal(t, base.Add(time.Hour), status[0].NextExecution, "registered at 10:00, first fire 11:00")

	setNow(base.Add(time.Hour))
	s.Tick(context.Background())
	s.wg.Wait()

	// The 11:00 run ended at 12:10; the 12:00 tick is skipped, next is 13:00.
	status = s.Tasks()
	assert.Equal(t, base.Add(3*time.Hour), status[0].NextExecution)
	assert.Len(t, runner.queries(), 1)
}

func TestNextExecutionComputedFromScheduledTime(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestScheduler(runner)
	registerNoop(t, s, nil)

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.RegisterTask(minuteTask("steady")))

	// Fire late, at 10:01:40; the next fire derives from the scheduled
	// 10:01:00, not from wall clock.
	s.now = func() time.Time { return base.Add(100 * time.Second) }
	s.Tick(context.Background())
	s.wg.Wait()

	status := s.Tasks()
	assert.Equal(t, base.Add(2*time.Minute), status[0].NextExecution)
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, config.SchedulerConfig{MaxConcurrent: 1, TickInterval: 5 * time.Millisecond})
	registerNoop(t, s, nil)

	task := minuteTask("loop")
	require.NoError(t, s.RegisterTask(task))
	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return s.GetMetrics().TotalExecutions >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}
