// Package scheduler runs periodic and cron-driven tasks whose input is the
// result of a component query over a target type.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/query"
	"github.com/bunsane/bunsane/internal/types"
)

// QueryRunner executes the task's entity selection. Satisfied by ecs.Store.
type QueryRunner interface {
	Exec(ctx context.Context, b *query.Builder) ([]*types.Entity, error)
}

// Metrics aggregates execution counters across all tasks.
type Metrics struct {
	TotalExecutions     int64
	CompletedExecutions int64
	FailedExecutions    int64
	TimedOutTasks       int64
	RetriedExecutions   int64

	// TaskDurations holds the last observed wall time per task id.
	TaskDurations map[string]time.Duration
}

// Scheduler owns the task table and the dispatch loop.
type Scheduler struct {
	store QueryRunner
	cfg   config.SchedulerConfig

	mu       sync.Mutex
	tasks    map[string]*Task
	services map[string]map[string]TaskHandler
	metrics  Metrics

	// now is the clock, swappable in tests.
	now func() time.Time

	sem     chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a scheduler. cfg.MaxConcurrent caps cross-task parallelism.
func New(store QueryRunner, cfg config.SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		tasks:    make(map[string]*Task),
		services: make(map[string]map[string]TaskHandler),
		metrics:  Metrics{TaskDurations: make(map[string]time.Duration)},
		now:      func() time.Time { return time.Now().UTC() },
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// RegisterService installs a named handler table. Tasks reference handlers
// by (service, method) strings; registration is explicit, never reflective.
func (s *Scheduler) RegisterService(name string, methods map[string]TaskHandler) error {
	if name == "" || len(methods) == 0 {
		return fmt.Errorf("scheduler: service registration needs a name and at least one method")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[name]; dup {
		return fmt.Errorf("scheduler: service %q already registered", name)
	}
	table := make(map[string]TaskHandler, len(methods))
	for m, h := range methods {
		if h == nil {
			return fmt.Errorf("scheduler: service %q method %q has a nil handler", name, m)
		}
		table[m] = h
	}
	s.services[name] = table
	return nil
}

// RegisterTask validates and installs a task. Invalid cron expressions and
// unknown service/method references are rejected here, not at fire time.
func (s *Scheduler) RegisterTask(t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Interval == IntervalCron {
		schedule, err := parseCron(t.CronExpression)
		if err != nil {
			return fmt.Errorf("scheduler: task %q: %w", t.ID, err)
		}
		t.schedule = schedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.ID]; dup {
		return fmt.Errorf("scheduler: task %q already registered", t.ID)
	}
	methods, ok := s.services[t.Service]
	if !ok {
		return fmt.Errorf("scheduler: task %q references unknown service %q", t.ID, t.Service)
	}
	handler, ok := methods[t.Method]
	if !ok {
		return fmt.Errorf("scheduler: task %q references unknown method %q on service %q", t.ID, t.Method, t.Service)
	}

	t.handler = handler
	t.enabled = true
	t.nextExecution = t.advance(s.now())
	if t.nextExecution.IsZero() {
		return fmt.Errorf("scheduler: task %q: cron expression never fires", t.ID)
	}
	s.tasks[t.ID] = &t
	debug.Logf("scheduler: registered task %s, first fire %s", t.ID, t.nextExecution.Format(time.RFC3339))
	return nil
}

// Enable re-arms a disabled task.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if !t.enabled {
		t.enabled = true
		t.nextExecution = t.advance(s.now())
	}
	return nil
}

// Disable stops future dispatches of a task. An in-flight run finishes.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	t.enabled = false
	return nil
}

// Tasks returns status snapshots ordered by id.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskStatus{
			ID:             t.ID,
			Name:           t.Name,
			Enabled:        t.enabled,
			IsRunning:      t.isRunning,
			NextExecution:  t.nextExecution,
			ExecutionCount: t.executionCount,
			RetryCount:     t.retryCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetMetrics returns a copy of the aggregate counters.
func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.metrics
	snap.TaskDurations = make(map[string]time.Duration, len(s.metrics.TaskDurations))
	for id, d := range s.metrics.TaskDurations {
		snap.TaskDurations[id] = d
	}
	return snap
}

// Start launches the dispatch loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and awaits in-flight tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.started = false
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Tick dispatches every due task, ordered by (nextExecution ASC, priority
// DESC), concurrently up to the configured cap. Exposed so tests and
// ExecuteTaskNow can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.enabled && !t.isRunning && !t.nextExecution.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].nextExecution.Equal(due[j].nextExecution) {
			return due[i].nextExecution.Before(due[j].nextExecution)
		}
		return due[i].Options.Priority > due[j].Options.Priority
	})
	for _, t := range due {
		t.isRunning = true
		// Advance from the scheduled fire time so the cadence never
		// drifts with execution duration.
		t.nextExecution = t.advance(t.nextExecution)
	}
	s.mu.Unlock()

	for _, t := range due {
		task := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.runTask(ctx, task)
		}()
	}
}

// ExecuteTaskNow runs a task immediately, bypassing its schedule. The
// self-concurrency guard still applies.
func (s *Scheduler) ExecuteTaskNow(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if t.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: task %q is already running", id)
	}
	t.isRunning = true
	s.mu.Unlock()

	s.runTask(ctx, t)
	return nil
}

// runTask executes one dispatch with retry, timeout, and metrics, then
// clears the reentry guard and skips any ticks missed while running.
func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	start := s.now()
	err := s.executeWithRetry(ctx, t)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	t.isRunning = false
	t.executionCount++
	s.metrics.TotalExecutions++
	s.metrics.TaskDurations[t.ID] = elapsed
	if err != nil {
		s.metrics.FailedExecutions++
		var serr *types.SchedulerError
		if isTimeout(err) {
			serr = &types.SchedulerError{Task: t.ID, TimedOut: true, Attempts: t.Options.MaxRetries + 1, Err: err}
			s.metrics.TimedOutTasks++
		} else {
			serr = &types.SchedulerError{Task: t.ID, Attempts: t.Options.MaxRetries + 1, Err: err}
		}
		log.Printf("%v", serr)
	} else {
		s.metrics.CompletedExecutions++
	}

	// A run longer than the interval leaves nextExecution in the past;
	// skip the missed ticks rather than firing a burst.
	now := s.now()
	for t.enabled && !t.nextExecution.IsZero() && !t.nextExecution.After(now) {
		skipped := t.nextExecution
		t.nextExecution = t.advance(t.nextExecution)
		log.Printf("scheduler: task %q overran; skipping tick %s", t.ID, skipped.Format(time.RFC3339))
	}
	s.mu.Unlock()
}

// executeWithRetry runs the query+handler pair, retrying failures with a
// constant delay up to the task's retry budget.
func (s *Scheduler) executeWithRetry(ctx context.Context, t *Task) error {
	attempt := 0
	operation := func() error {
		if attempt > 0 {
			s.mu.Lock()
			t.retryCount++
			s.metrics.RetriedExecutions++
			s.mu.Unlock()
		}
		attempt++
		return s.executeOnce(ctx, t)
	}

	delay := t.Options.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(t.Options.MaxRetries)), ctx)
	return backoff.Retry(operation, policy)
}

// executeOnce selects the entity set and invokes the handler under the
// task's timeout.
func (s *Scheduler) executeOnce(ctx context.Context, t *Task) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if t.Options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Options.Timeout)
		defer cancel()
	}

	entities, err := s.store.Exec(runCtx, t.buildQuery())
	if err != nil {
		return err
	}
	debug.Logf("scheduler: task %s dispatching %d entities", t.ID, len(entities))

	done := make(chan error, 1)
	go func() {
		done <- t.handler(runCtx, entities)
	}()
	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return runCtx.Err()
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
