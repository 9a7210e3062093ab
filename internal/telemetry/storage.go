package telemetry

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bunsane/bunsane/internal/storage"
)

const storageScopeName = "github.com/bunsane/bunsane/storage"

// InstrumentedDriver wraps storage.Driver with OTel metrics. Every call is
// counted in bunsane.storage.* with its duration and error outcome. Use
// WrapDriver to create one; it returns the original driver unchanged when
// telemetry is disabled.
type InstrumentedDriver struct {
	inner storage.Driver
	ops   metric.Int64Counter
	dur   metric.Float64Histogram
	errs  metric.Int64Counter
}

// WrapDriver returns d decorated with OTel instrumentation.
func WrapDriver(d storage.Driver) storage.Driver {
	if !Enabled() {
		return d
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("bunsane.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("bunsane.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("bunsane.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedDriver{inner: d, ops: ops, dur: dur, errs: errs}
}

func (d *InstrumentedDriver) op(ctx context.Context, name string) (time.Time, attribute.KeyValue) {
	attr := attribute.String("db.operation", name)
	d.ops.Add(ctx, 1, metric.WithAttributes(attr))
	return time.Now(), attr
}

func (d *InstrumentedDriver) done(ctx context.Context, start time.Time, attr attribute.KeyValue, err error) {
	d.dur.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attr))
	if err != nil {
		d.errs.Add(ctx, 1, metric.WithAttributes(attr))
	}
}

func (d *InstrumentedDriver) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	start, attr := d.op(ctx, "Select")
	err := d.inner.SelectContext(ctx, dest, query, args...)
	d.done(ctx, start, attr, err)
	return err
}

func (d *InstrumentedDriver) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	start, attr := d.op(ctx, "Get")
	err := d.inner.GetContext(ctx, dest, query, args...)
	d.done(ctx, start, attr, err)
	return err
}

func (d *InstrumentedDriver) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start, attr := d.op(ctx, "Exec")
	res, err := d.inner.ExecContext(ctx, query, args...)
	d.done(ctx, start, attr, err)
	return res, err
}

func (d *InstrumentedDriver) QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	start, attr := d.op(ctx, "Queryx")
	rows, err := d.inner.QueryxContext(ctx, query, args...)
	d.done(ctx, start, attr, err)
	return rows, err
}

func (d *InstrumentedDriver) RunInTransaction(ctx context.Context, fn func(tx storage.Querier) error) error {
	start, attr := d.op(ctx, "Transaction")
	err := d.inner.RunInTransaction(ctx, fn)
	d.done(ctx, start, attr, err)
	return err
}

func (d *InstrumentedDriver) PingContext(ctx context.Context) error {
	start, attr := d.op(ctx, "Ping")
	err := d.inner.PingContext(ctx)
	d.done(ctx, start, attr, err)
	return err
}

func (d *InstrumentedDriver) Close() error {
	return d.inner.Close()
}
