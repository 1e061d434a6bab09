package gc

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/alexbarcelo/compss/internal/datamodel"
)

type fakeSweeper struct {
	result []datamodel.DataInstanceId
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(ctx context.Context) ([]datamodel.DataInstanceId, error) {
	f.calls++
	return f.result, f.err
}

func TestRunOnceReportsReclaimedCount(t *testing.T) {
	sweeper := &fakeSweeper{result: []datamodel.DataInstanceId{
		{Id: "F1", Version: 1},
		{Id: "F2", Version: 3},
	}}
	meter := noop.NewMeterProvider().Meter("test")
	coll, err := New("0 */5 * * * *", sweeper, meter, nil)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	n, err := coll.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reclaimed, got %d", n)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected sweeper invoked once, got %d", sweeper.calls)
	}
}

func TestRunOnceSurfacesSweepError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("boom")}
	meter := noop.NewMeterProvider().Meter("test")
	coll, err := New("0 */5 * * * *", sweeper, meter, nil)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	_, err = coll.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected sweep error to propagate")
	}
}

func TestNewRejectsInvalidCronExpr(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	_, err := New("not-a-cron-expr", &fakeSweeper{}, meter, nil)
	if err == nil {
		t.Fatalf("expected an error for a malformed cron expression")
	}
}
