package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bunsane/bunsane/internal/cache"
	"github.com/bunsane/bunsane/internal/hooks"
	"github.com/bunsane/bunsane/internal/scheduler"
)

const engineScopeName = "github.com/bunsane/bunsane/engine"

// RegisterEngineObservers exports the cache, hook, and scheduler counters as
// observable metrics. Nil sources are skipped. A no-op when telemetry is
// disabled.
func RegisterEngineObservers(cacheMgr *cache.Manager, dispatcher *hooks.Dispatcher, sched *scheduler.Scheduler) error {
	if !Enabled() {
		return nil
	}
	m := Meter(engineScopeName)

	if cacheMgr != nil {
		hits, err := m.Int64ObservableCounter("bunsane.cache.hits",
			metric.WithDescription("Cache read hits"))
		if err != nil {
			return err
		}
		misses, err := m.Int64ObservableCounter("bunsane.cache.misses",
			metric.WithDescription("Cache read misses"))
		if err != nil {
			return err
		}
		evictions, err := m.Int64ObservableCounter("bunsane.cache.evictions",
			metric.WithDescription("Local tier evictions"))
		if err != nil {
			return err
		}
		_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			snap := cacheMgr.Stats()
			o.ObserveInt64(hits, snap.Hits)
			o.ObserveInt64(misses, snap.Misses)
			o.ObserveInt64(evictions, snap.Evictions)
			return nil
		}, hits, misses, evictions)
		if err != nil {
			return err
		}
	}

	if dispatcher != nil {
		failed, err := m.Int64ObservableCounter("bunsane.hooks.failures",
			metric.WithDescription("Hook handler failures, timeouts included"))
		if err != nil {
			return err
		}
		invoked, err := m.Int64ObservableCounter("bunsane.hooks.invocations",
			metric.WithDescription("Hook handler invocations"))
		if err != nil {
			return err
		}
		_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			snap := dispatcher.Stats()
			o.ObserveInt64(failed, snap.Failed)
			o.ObserveInt64(invoked, snap.Invoked)
			return nil
		}, failed, invoked)
		if err != nil {
			return err
		}
	}

	if sched != nil {
		executions, err := m.Int64ObservableCounter("bunsane.scheduler.executions",
			metric.WithDescription("Task executions by outcome"))
		if err != nil {
			return err
		}
		_, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			snap := sched.GetMetrics()
			o.ObserveInt64(executions, snap.CompletedExecutions,
				metric.WithAttributes(attribute.String("outcome", "completed")))
			o.ObserveInt64(executions, snap.FailedExecutions,
				metric.WithAttributes(attribute.String("outcome", "failed")))
			o.ObserveInt64(executions, snap.TimedOutTasks,
				metric.WithAttributes(attribute.String("outcome", "timed_out")))
			o.ObserveInt64(executions, snap.RetriedExecutions,
				metric.WithAttributes(attribute.String("outcome", "retried")))
			return nil
		}, executions)
		if err != nil {
			return err
		}
	}
	return nil
}
