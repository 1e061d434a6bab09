// Package invoker implements the downward API to invokers: execute and
// cancel, dispatched over NATS the way
// libs/go/core/natsctx/natsctx.go propagates trace context across a
// publish/subscribe boundary. The wire contract is an explicit,
// versioned Go struct rather than a positional argument count (DESIGN
// NOTES open question (c): the thing to avoid, not to mirror).
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/errkind"
	"github.com/alexbarcelo/compss/internal/resource"
	"github.com/alexbarcelo/compss/internal/scheduler"
)

// WireVersion pins the execute/cancel contract between this core and
// external worker scripts.
const WireVersion = 1

// ExecRequest is the execute() payload published to a resource's
// execution subject.
type ExecRequest struct {
	WireVersion int                        `json:"wireVersion"`
	TaskId      datamodel.TaskId           `json:"taskId"`
	Signature   string                     `json:"signature"`
	Engine      datamodel.EngineKind       `json:"engine"`
	Inputs      []scheduler.ResolvedInput  `json:"inputs"`
	NumReturns  int                        `json:"numReturns"`
	HasTarget   bool                       `json:"hasTarget"`
}

// ExecReply is published back on the shared "compss.exec.reply" subject
// and matched to its waiting Execute call by TaskId.
type ExecReply struct {
	TaskId   datamodel.TaskId `json:"taskId"`
	ExitCode int              `json:"exitCode"`
	Error    string           `json:"error,omitempty"`
}

// CancelRequest is a best-effort process-termination signal.
type CancelRequest struct {
	WireVersion int              `json:"wireVersion"`
	TaskId      datamodel.TaskId `json:"taskId"`
}

var propagator = propagation.TraceContext{}

// NATSInvoker dispatches Execute/Cancel over a NATS connection, one
// subject per resource ("compss.exec.<resource>"); replies for every task
// arrive on the single "compss.exec.reply" subject and are matched to
// their waiter by task id.
type NATSInvoker struct {
	nc  *nats.Conn
	log *slog.Logger

	mu      sync.Mutex
	waiters map[datamodel.TaskId]chan ExecReply
}

func NewNATSInvoker(nc *nats.Conn, log *slog.Logger) *NATSInvoker {
	if log == nil {
		log = slog.Default()
	}
	inv := &NATSInvoker{nc: nc, log: log.With("component", "invoker"), waiters: make(map[datamodel.TaskId]chan ExecReply)}
	_, _ = nc.Subscribe("compss.exec.reply", inv.onReply)
	return inv
}

func (inv *NATSInvoker) onReply(msg *nats.Msg) {
	var reply ExecReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		inv.log.Warn("malformed exec reply", "error", err)
		return
	}
	inv.mu.Lock()
	ch, ok := inv.waiters[reply.TaskId]
	delete(inv.waiters, reply.TaskId)
	inv.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// Execute publishes the task to its resource's subject and blocks until
// the reply arrives or ctx is cancelled.
func (inv *NATSInvoker) Execute(ctx context.Context, task *datamodel.Task, r *resource.Resource, impl datamodel.Implementation, inputs []scheduler.ResolvedInput) error {
	req := ExecRequest{
		WireVersion: WireVersion,
		TaskId:      task.Id,
		Signature:   impl.Signature,
		Engine:      impl.Engine,
		Inputs:      inputs,
		NumReturns:  task.NumReturns,
		HasTarget:   task.HasTarget,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}

	ch := make(chan ExecReply, 1)
	inv.mu.Lock()
	inv.waiters[task.Id] = ch
	inv.mu.Unlock()

	subject := fmt.Sprintf("compss.exec.%s", r.Name)
	if err := inv.publish(ctx, subject, payload); err != nil {
		inv.mu.Lock()
		delete(inv.waiters, task.Id)
		inv.mu.Unlock()
		return errkind.Wrap(errkind.TaskExecFailed, err)
	}

	var timeout <-chan time.Time
	if task.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(task.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case reply := <-ch:
		if reply.ExitCode != 0 {
			return errkind.Wrap(errkind.TaskExecFailed, &errkind.ExitCodeFailure{ExitCode: reply.ExitCode})
		}
		if reply.Error != "" {
			return errkind.New(errkind.TaskExecFailed, reply.Error)
		}
		return nil
	case <-timeout:
		inv.Cancel(task.Id)
		return errkind.New(errkind.TaskExecFailed, "task exceeded timeoutMs")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (inv *NATSInvoker) publish(ctx context.Context, subject string, data []byte) error {
	if inv.nc == nil {
		return errkind.New(errkind.TransferFailed, "no NATS connection configured")
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return inv.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr, Reply: "compss.exec.reply"})
}

// Cancel publishes a best-effort cancel signal; the invoker owns actual
// process termination.
func (inv *NATSInvoker) Cancel(taskId datamodel.TaskId) {
	payload, _ := json.Marshal(CancelRequest{WireVersion: WireVersion, TaskId: taskId})
	tr := otel.Tracer("compss-invoker")
	ctx, span := tr.Start(context.Background(), "invoker.cancel", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	if err := inv.publish(ctx, "compss.cancel", payload); err != nil {
		inv.log.Warn("cancel publish failed", "task", taskId, "error", err)
	}
}
