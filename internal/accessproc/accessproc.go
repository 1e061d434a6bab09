// Package accessproc implements the AccessProcessor: the single-writer
// request serializer that owns the DataInfoProvider, TaskAnalyser,
// TaskScheduler, Transfer orchestrator, and FileOps executor. Every
// mutation to that state flows through one dispatch goroutine reading
// a tagged request from a bounded channel, the same coordinator-plus-
// worker-pool shape as the DAG engine's executeDAG loop, generalized
// here to a single long-lived coordinator instead of a one-shot run.
package accessproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexbarcelo/compss/internal/analyser"
	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/dataprovider"
	"github.com/alexbarcelo/compss/internal/errkind"
	"github.com/alexbarcelo/compss/internal/fileops"
	"github.com/alexbarcelo/compss/internal/resilience"
	"github.com/alexbarcelo/compss/internal/scheduler"
	"github.com/alexbarcelo/compss/internal/transfer"
)

// maxTaskRetries bounds the OnFailureRetry re-dispatch loop so a task
// whose every attempt fails eventually surfaces as terminal instead of
// retrying forever.
const maxTaskRetries = 3

// ParamDecl is a declarative parameter as the Upward API receives it:
// the logical id has not yet been turned into a versioned DataAccessId.
type ParamDecl struct {
	LogicalId datamodel.DataId
	Direction datamodel.AccessDirection
	Stream    datamodel.StreamBinding
	Prefix    string
	Name      string
}

// SubmitTaskArgs is the declarative task submission the Upward API
// builds; the AccessProcessor resolves ParamDecls into DataAccessIds
// and dependency edges before handing the task to the scheduler.
type SubmitTaskArgs struct {
	AppId           datamodel.AppId
	Implementations []datamodel.Implementation
	Params          []ParamDecl
	NumReturns      int
	IsReplicated    bool
	IsDistributed   bool
	IsReduce        bool
	ReduceChunkSize int
	HasTarget       bool
	Prioritary      bool
	FailByEV        bool
	OnFailure       datamodel.OnFailure
	TimeoutMs       int64

	// GroupId scopes IsDistributed's "distinct resource per sibling"
	// constraint across the submissions that share it. Empty means the
	// task has no siblings yet, so the constraint is vacuously satisfied.
	GroupId string
}

// AccessProcessor is the single-writer serializer in front of the
// DataInfoProvider, TaskAnalyser, TaskScheduler, Transfer orchestrator,
// and FileOps executor.
type AccessProcessor struct {
	provider *dataprovider.Provider
	store    *datamodel.Store
	analyser *analyser.Analyser
	sched    *scheduler.Scheduler
	xfer     *transfer.Orchestrator
	files    *fileops.Executor
	limiter  *resilience.HybridRateLimiter

	log    *slog.Logger
	tracer trace.Tracer

	reqCh  chan apRequest
	doneCh chan struct{}

	nextTaskId int64

	// accessesByTask retains each submitted task's resolved accesses so
	// TaskEnd can release reader counts without re-deriving them.
	accessesByTask map[datamodel.TaskId][]datamodel.DataAccessId
	// tasksById retains every task not yet terminal, so a successor
	// becoming ready in OnTaskEnd can be handed to the scheduler by
	// value rather than just by id.
	tasksById map[datamodel.TaskId]*datamodel.Task
}

// New wires an AccessProcessor around already-constructed components.
// The caller is responsible for constructing catalog/policy/invoker and
// passing a Scheduler built with ap as its CompletionSink (see Wire).
func New(provider *dataprovider.Provider, store *datamodel.Store, files *fileops.Executor, xfer *transfer.Orchestrator, meter metric.Meter, log *slog.Logger, queueSize int, rateRPS float64) *AccessProcessor {
	if log == nil {
		log = slog.Default()
	}
	ap := &AccessProcessor{
		provider:       provider,
		store:          store,
		files:          files,
		xfer:           xfer,
		limiter:        resilience.NewHybridRateLimiter(int(rateRPS), rateRPS, queueSize, time.Millisecond),
		log:            log.With("component", "accessproc"),
		tracer:         otel.Tracer("compss-accessproc"),
		reqCh:          make(chan apRequest, queueSize),
		doneCh:         make(chan struct{}),
		accessesByTask: make(map[datamodel.TaskId][]datamodel.DataAccessId),
		tasksById:      make(map[datamodel.TaskId]*datamodel.Task),
	}
	ap.analyser = analyser.New(ap)
	return ap
}

// Wire attaches the scheduler once it has been constructed with ap as
// its CompletionSink (a construction-order dependency: Scheduler.New
// needs ap, and ap.analyser needs to exist first as ResourceReleaser).
func (ap *AccessProcessor) Wire(sched *scheduler.Scheduler) {
	ap.sched = sched
}

// Run drives the single dispatch goroutine until ctx is cancelled.
func (ap *AccessProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(ap.doneCh)
			return
		case req := <-ap.reqCh:
			ap.dispatch(ctx, req)
		}
	}
}

// enqueue rate-limits admission and then blocks until the dispatch
// thread accepts the request or ctx is cancelled.
func (ap *AccessProcessor) enqueue(ctx context.Context, req apRequest) error {
	if err := ap.limiter.AllowOrWait(ctx); err != nil {
		return errkind.Wrap(errkind.ShutdownInProgress, err)
	}
	select {
	case ap.reqCh <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ap.doneCh:
		return errkind.New(errkind.ShutdownInProgress, "access processor stopped")
	}
}

type apRequest interface{ isAPRequest() }

func (ap *AccessProcessor) dispatch(ctx context.Context, req apRequest) {
	switch r := req.(type) {
	case *registerDataReq:
		r.reply <- ap.provider.RegisterData(r.id)
	case *accessReq:
		access, err := ap.provider.Access(r.id, r.dir)
		r.reply <- accessResult{access: access, err: err}
	case *submitTaskReq:
		r.reply <- ap.handleSubmitTask(ctx, r.args)
	case *transferOpenFileReq:
		loc, err := ap.xfer.EnsureLocal(ctx, r.inst, r.targetHost)
		r.reply <- transferResult{loc: loc, err: err}
	case *closeFileReq:
		ap.provider.ReleaseReader(r.inst)
		r.reply <- nil
	case *deleteFileReq:
		r.reply <- ap.handleDeleteFile(r.id)
	case *barrierReq:
		r.reply <- ap.analyser.Barrier(r.appId, r.groupId)
	case *endOfAppReq:
		r.reply <- ap.analyser.EndOfApp(r.appId)
	case *cancelAppReq:
		ap.analyser.CancelApp(r.appId)
		if ap.sched != nil {
			ap.sched.CancelPending(ap.pendingForApp(r.appId))
		}
		close(r.done)
	case *taskEndReq:
		ap.handleTaskEnd(ctx, r.taskId, r.failed)
	case *sweepReq:
		r.reply <- ap.handleSweep()
	}
}

func (ap *AccessProcessor) newTaskId() datamodel.TaskId {
	return datamodel.TaskId(atomic.AddInt64(&ap.nextTaskId, 1))
}

// newDataId mints a logical id for data the runtime itself creates
// (reduce-tree intermediate results) rather than a user submission.
func (ap *AccessProcessor) newDataId() datamodel.DataId {
	return datamodel.DataId("reduce-" + uuid.NewString())
}

func accessesOf(task *datamodel.Task) []datamodel.DataAccessId {
	out := make([]datamodel.DataAccessId, 0, len(task.Params))
	for _, p := range task.Params {
		out = append(out, p.Access)
	}
	return out
}

func (ap *AccessProcessor) handleSubmitTask(ctx context.Context, args SubmitTaskArgs) submitTaskResult {
	taskId := ap.newTaskId()

	params := make([]datamodel.Param, 0, len(args.Params))
	for _, decl := range args.Params {
		access, err := ap.provider.Access(decl.LogicalId, decl.Direction)
		if err != nil {
			return submitTaskResult{err: err}
		}
		params = append(params, datamodel.Param{
			Access:    access,
			Direction: decl.Direction,
			Stream:    decl.Stream,
			Prefix:    decl.Prefix,
			Name:      decl.Name,
		})
	}

	task := &datamodel.Task{
		Id:              taskId,
		AppId:           args.AppId,
		Implementations: args.Implementations,
		Params:          params,
		NumReturns:      args.NumReturns,
		IsReplicated:    args.IsReplicated,
		IsDistributed:   args.IsDistributed,
		IsReduce:        args.IsReduce,
		ReduceChunkSize: args.ReduceChunkSize,
		HasTarget:       args.HasTarget,
		Prioritary:      args.Prioritary,
		FailByEV:        args.FailByEV,
		OnFailure:       args.OnFailure,
		TimeoutMs:       args.TimeoutMs,
		SubmittedAt:     time.Now(),
		GroupId:         args.GroupId,
	}

	nodes := []*datamodel.Task{task}
	if args.IsReduce {
		task.GroupId = fmt.Sprintf("reduce-%d", task.Id)
		expanded, err := scheduler.ExpandReduce(task, ap.newTaskId, ap.newDataId, ap.provider.Access)
		if err != nil {
			return submitTaskResult{err: err}
		}
		nodes = expanded
	}

	var rootId datamodel.TaskId
	for _, node := range nodes {
		nodeAccesses := accessesOf(node)
		ready, err := ap.analyser.Submit(node, nodeAccesses)
		if err != nil {
			return submitTaskResult{err: err}
		}
		ap.accessesByTask[node.Id] = nodeAccesses
		ap.tasksById[node.Id] = node
		if ready && ap.sched != nil {
			ap.sched.Submit(ctx, node)
		}
		rootId = node.Id
	}
	return submitTaskResult{taskId: rootId}
}

func (ap *AccessProcessor) handleDeleteFile(id datamodel.DataId) error {
	ap.provider.RequestDelete(id)
	return nil
}

// handleSweep drains the provider's garbage-collectable instances,
// intersects them with what the logical-data store actually holds
// replicas for, reclaims each replica's physical storage, and drops the
// store entry. Runs on the dispatch thread like every other AP
// operation; internal/gc.Collector calls this via Sweep on its own
// cron schedule, never touching provider/store state directly.
func (ap *AccessProcessor) handleSweep() []datamodel.DataInstanceId {
	candidates := ap.provider.DrainEvictable()
	if len(candidates) == 0 {
		return nil
	}
	evictable := ap.store.Evictable(candidates)
	for _, inst := range evictable {
		ld, ok := ap.store.Get(inst)
		if !ok {
			continue
		}
		for _, loc := range ld.Locations {
			if loc.Kind == datamodel.LocPrivate && ap.files != nil {
				ap.files.DeleteAsync(loc.Path, fileops.ListenerFunc{
					OnFailed: func(kind errkind.Kind, err error) {
						ap.log.Warn("gc physical delete failed", "instance", inst.String(), "kind", kind, "error", err)
					},
				})
			}
		}
		ap.store.Delete(inst)
	}
	return evictable
}

// handleTaskEnd runs on the dispatch thread: it resolves reader-count
// bookkeeping, advances the dependency DAG, and dispatches any
// newly-ready successor tasks.
func (ap *AccessProcessor) handleTaskEnd(ctx context.Context, taskId datamodel.TaskId, failed bool) {
	if failed {
		if task, ok := ap.tasksById[taskId]; ok && task.OnFailure == datamodel.OnFailureRetry && task.RetryCount < maxTaskRetries {
			task.RetryCount++
			ap.log.Warn("task failed, re-dispatching under retry policy", "task", taskId, "attempt", task.RetryCount)
			if ap.sched != nil {
				ap.sched.Submit(ctx, task)
			}
			return
		}
	}

	status := analyser.StatusCompleted
	if failed {
		status = analyser.StatusFailed
	}

	if accesses, ok := ap.accessesByTask[taskId]; ok {
		for _, acc := range accesses {
			switch acc.Kind {
			case datamodel.DirR, datamodel.DirRW:
				ap.provider.ReleaseReader(acc.ReadInstance)
			}
		}
		delete(ap.accessesByTask, taskId)
	}
	delete(ap.tasksById, taskId)

	newlyReady := ap.analyser.OnTaskEnd(taskId, status)
	if ap.sched == nil {
		return
	}
	for _, id := range newlyReady {
		if t, ok := ap.tasksById[id]; ok {
			ap.sched.Submit(ctx, t)
		}
	}
}

// pendingForApp lists every task of appId the AccessProcessor still
// considers live (not yet reported terminal via TaskEnd); the scheduler
// silently ignores any id it no longer recognizes as pending or running.
func (ap *AccessProcessor) pendingForApp(appId datamodel.AppId) []datamodel.TaskId {
	var ids []datamodel.TaskId
	for id, t := range ap.tasksById {
		if t.AppId == appId {
			ids = append(ids, id)
		}
	}
	return ids
}

// --- ResourceReleaser (analyser.ResourceReleaser) ---

func (ap *AccessProcessor) ReleaseHeld(appId datamodel.AppId) {
	ap.log.Debug("app stalled, releasing held resources", "app", appId)
}

func (ap *AccessProcessor) ReadyToContinue(appId datamodel.AppId) {
	if ap.sched != nil {
		ap.sched.OnResourceChange(context.Background())
	}
}

// --- scheduler.CompletionSink ---

// OnTaskEnd is called from whichever goroutine ran the task; it must
// never touch analyser/scheduler state directly, only enqueue.
func (ap *AccessProcessor) OnTaskEnd(taskId datamodel.TaskId, failed bool) {
	select {
	case ap.reqCh <- &taskEndReq{taskId: taskId, failed: failed}:
	case <-ap.doneCh:
	}
}

// --- gc.Sweeper ---

// Sweep implements gc.Sweeper by running the collection on the
// dispatch thread, the only place provider/store state may be mutated.
func (ap *AccessProcessor) Sweep(ctx context.Context) ([]datamodel.DataInstanceId, error) {
	reply := make(chan []datamodel.DataInstanceId, 1)
	if err := ap.enqueue(ctx, &sweepReq{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
