// Package gc runs the periodic version garbage collector: data whose
// version is no longer current and whose readers have all released it
// is reclaimable. Collection itself must run on the AccessProcessor's
// single dispatch goroutine since it touches dataprovider.Provider
// state; this package only owns the cron schedule and delegates the
// actual sweep to a caller-supplied callback.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexbarcelo/compss/internal/datamodel"
)

// Sweeper drains garbage-collectable instances and reclaims them; the
// accessproc package implements this by running the drain+evict on its
// serialized dispatch loop, then deleting each instance's physical
// replicas via fileops.
type Sweeper interface {
	Sweep(ctx context.Context) ([]datamodel.DataInstanceId, error)
}

// Collector drives a Sweeper on a cron schedule.
type Collector struct {
	cron    *cron.Cron
	sweeper Sweeper
	log     *slog.Logger
	tracer  trace.Tracer

	runs      metric.Int64Counter
	reclaimed metric.Int64Counter
	failures  metric.Int64Counter
}

// New builds a Collector that invokes sweeper.Sweep on the given cron
// expression (seconds-precision, e.g. "0 */5 * * * *" for every five
// minutes).
func New(cronExpr string, sweeper Sweeper, meter metric.Meter, log *slog.Logger) (*Collector, error) {
	if log == nil {
		log = slog.Default()
	}
	runs, _ := meter.Int64Counter("compss_gc_runs_total")
	reclaimed, _ := meter.Int64Counter("compss_gc_reclaimed_total")
	failures, _ := meter.Int64Counter("compss_gc_failures_total")

	c := &Collector{
		cron:      cron.New(cron.WithSeconds()),
		sweeper:   sweeper,
		log:       log.With("component", "gc"),
		tracer:    otel.Tracer("compss-gc"),
		runs:      runs,
		reclaimed: reclaimed,
		failures:  failures,
	}
	if _, err := c.cron.AddFunc(cronExpr, c.runSweep); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) Start() { c.cron.Start() }

// Stop waits for in-flight sweeps to finish or ctx to expire.
func (c *Collector) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single sweep synchronously, for tests and for an
// on-demand "gc now" trigger.
func (c *Collector) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "gc.sweep")
	defer span.End()

	c.runs.Add(ctx, 1)
	reclaimed, err := c.sweeper.Sweep(ctx)
	if err != nil {
		c.failures.Add(ctx, 1)
		c.log.Warn("gc sweep failed", "error", err)
		return 0, err
	}
	c.reclaimed.Add(ctx, int64(len(reclaimed)))
	c.log.Debug("gc sweep completed", "reclaimed", len(reclaimed), "duration_ms", time.Since(start).Milliseconds())
	return len(reclaimed), nil
}

func (c *Collector) runSweep() {
	ctx, span := c.tracer.Start(context.Background(), "gc.scheduled_sweep", trace.WithAttributes(attribute.String("trigger", "cron")))
	defer span.End()
	if _, err := c.RunOnce(ctx); err != nil {
		c.log.Error("scheduled gc sweep failed", "error", err)
	}
}
