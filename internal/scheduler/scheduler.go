package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/resource"
)

// ResolvedInput is a task input after the transfer orchestrator has
// ensured it is reachable from the dispatch target.
type ResolvedInput struct {
	Param    datamodel.Param
	Location datamodel.DataLocation
}

// Invoker is the downward API to the external process/container/MPI
// invoker that actually runs a task.
type Invoker interface {
	Execute(ctx context.Context, task *datamodel.Task, r *resource.Resource, impl datamodel.Implementation, inputs []ResolvedInput) error
	Cancel(taskId datamodel.TaskId)
}

// TransferRequester is the scheduler's view of the transfer orchestrator:
// ensure an instance is reachable from a target host before dispatch.
type TransferRequester interface {
	EnsureLocal(ctx context.Context, inst datamodel.DataInstanceId, targetHost string) (datamodel.DataLocation, error)
}

// CompletionSink receives terminal task outcomes; the AccessProcessor
// implements this by enqueuing a TaskEnd request, never mutating
// analyser/scheduler state directly from a worker-callback goroutine.
type CompletionSink interface {
	OnTaskEnd(taskId datamodel.TaskId, failed bool)
}

type pendingEntry struct {
	task       *datamodel.Task
	order      int64
	cancelFunc context.CancelFunc
	resource   *resource.Resource
}

// Scheduler is the TaskScheduler. The dispatch decision itself (Submit,
// OnResourceChange, CancelPending) only ever runs on the AccessProcessor's
// single dispatch goroutine, but runTask/finish run on per-task worker
// goroutines this package spawns, and finish reaches back into pending/
// running/replicas; mu guards exactly those three maps so a completing
// task never races a concurrent dispatch decision.
type Scheduler struct {
	catalog  *resource.Catalog
	store    *datamodel.Store
	policy   Policy
	invoker  Invoker
	transfer TransferRequester
	sink     CompletionSink
	log      *slog.Logger

	order int64

	mu       sync.Mutex
	pending  map[datamodel.TaskId]*pendingEntry
	running  map[datamodel.TaskId]*pendingEntry
	replicas map[datamodel.TaskId]*replicatedState
}

type replicatedState struct {
	remaining int32
	failed    bool
}

func New(catalog *resource.Catalog, store *datamodel.Store, policy Policy, invoker Invoker, transfer TransferRequester, sink CompletionSink, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		catalog:  catalog,
		store:    store,
		policy:   policy,
		invoker:  invoker,
		transfer: transfer,
		sink:     sink,
		log:      log.With("component", "scheduler"),
		pending:  make(map[datamodel.TaskId]*pendingEntry),
		running:  make(map[datamodel.TaskId]*pendingEntry),
		replicas: make(map[datamodel.TaskId]*replicatedState),
	}
}

// Submit enqueues a ready task and immediately attempts to dispatch it.
// Called from the AccessProcessor dispatch thread; the actual
// transfer/invoke I/O happens on goroutines spawned here, never
// blocking the caller.
func (s *Scheduler) Submit(ctx context.Context, task *datamodel.Task) {
	s.mu.Lock()
	s.order++
	entry := &pendingEntry{task: task, order: s.order}
	s.pending[task.Id] = entry
	s.mu.Unlock()

	if task.IsReplicated {
		s.dispatchReplicated(ctx, task)
		return
	}
	s.tryDispatchOne(ctx, task)
}

// OnResourceChange re-attempts dispatch of every still-pending task,
// called on resource arrival.
func (s *Scheduler) OnResourceChange(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]*datamodel.Task, 0, len(s.pending))
	for _, e := range s.pending {
		tasks = append(tasks, e.task)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.tryDispatchOne(ctx, t)
	}
}

func (s *Scheduler) scoreContext() Context {
	resources := s.catalog.List()
	idx := make(map[string]int, len(resources))
	for i, r := range resources {
		idx[r.Name] = i
	}
	return Context{
		SubmissionOrder: s.submissionOrders(),
		ResourceIndex:   idx,
		ResidentBytes:   s.residentBytes,
	}
}

// residentBytes is the real DataLocalityPolicy signal: the summed
// effective size of task's non-output instances that already have a
// replica on r (a matching Private location, or any Persistent binding,
// which is reachable everywhere). Shared-disk residency isn't counted
// here since the scheduler isn't given the mount topology — only the
// Transfer orchestrator is — so locality scoring undercounts shared-disk
// cases rather than guessing.
func (s *Scheduler) residentBytes(r *resource.Resource, t *datamodel.Task) int64 {
	if s.store == nil {
		return 0
	}
	var total int64
	for _, p := range t.Params {
		if p.Direction == datamodel.DirW {
			continue
		}
		ld, ok := s.store.Get(p.Access.ReadInstance)
		if !ok {
			continue
		}
		for _, loc := range ld.Locations {
			if loc.Kind == datamodel.LocPersistent || (loc.Kind == datamodel.LocPrivate && loc.Host == r.Host) {
				total += ld.EffectiveSize()
				break
			}
		}
	}
	return total
}

func (s *Scheduler) submissionOrders() map[datamodel.TaskId]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[datamodel.TaskId]int64, len(s.pending))
	for id, e := range s.pending {
		out[id] = e.order
	}
	return out
}

// siblingResources returns the resource names currently running a
// Distributed task's group-mates, so tryDispatchOne never lands two
// siblings on the same resource.
func (s *Scheduler) siblingResources(task *datamodel.Task) map[string]bool {
	if !task.IsDistributed || task.GroupId == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var excluded map[string]bool
	for _, e := range s.running {
		if e.task.GroupId == task.GroupId && e.resource != nil {
			if excluded == nil {
				excluded = make(map[string]bool)
			}
			excluded[e.resource.Name] = true
		}
	}
	return excluded
}

// tryDispatchOne picks the best-scoring (implementation, resource) pair
// for task among resources with sufficient free capacity and launches
// it; leaves the task pending if none currently qualifies.
func (s *Scheduler) tryDispatchOne(ctx context.Context, task *datamodel.Task) bool {
	ctxScore := s.scoreContext()
	resources := s.catalog.List()
	excluded := s.siblingResources(task)

	var bestResource *resource.Resource
	var bestImpl datamodel.Implementation
	var bestVec []float64

	for _, r := range resources {
		if excluded[r.Name] {
			continue
		}
		impl, matched := resource.SelectImplementation(task, r)
		if !matched {
			continue
		}
		vec := s.policy.ScoreVector(task, r, ctxScore)
		if bestResource == nil || compareVectors(vec, bestVec) > 0 {
			bestResource, bestImpl, bestVec = r, impl, vec
		}
	}

	if bestResource == nil {
		return false
	}
	cores := bestImpl.Constraints.ProcessorCoreCount
	mem := bestImpl.Constraints.MemoryPhysicalSizeMB
	if !bestResource.TryReserve(cores, mem) {
		return false
	}

	s.mu.Lock()
	entry, ok := s.pending[task.Id]
	if !ok {
		s.mu.Unlock()
		bestResource.Release(cores, mem)
		return false
	}
	delete(s.pending, task.Id)
	runCtx, cancel := context.WithCancel(ctx)
	entry.cancelFunc = cancel
	entry.resource = bestResource
	s.running[task.Id] = entry
	s.mu.Unlock()

	go s.runTask(runCtx, task, bestResource, bestImpl, cores, mem)
	return true
}

func (s *Scheduler) runTask(ctx context.Context, task *datamodel.Task, r *resource.Resource, impl datamodel.Implementation, cores int, mem int64) {
	defer r.Release(cores, mem)

	inputs := make([]ResolvedInput, 0, len(task.Params))
	for _, p := range task.Params {
		if p.Direction == datamodel.DirW {
			continue
		}
		inst := p.Access.ReadInstance
		if s.transfer == nil {
			continue
		}
		loc, err := s.transfer.EnsureLocal(ctx, inst, r.Host)
		if err != nil {
			s.log.Warn("input transfer failed, failing task", "task", task.Id, "error", err)
			s.finish(task.Id, true)
			return
		}
		inputs = append(inputs, ResolvedInput{Param: p, Location: loc})
	}

	err := s.invoker.Execute(ctx, task, r, impl, inputs)
	s.finish(task.Id, err != nil)
}

// finish runs on the worker goroutine that ran the task. It only ever
// touches pending/running/replicas under mu, and its only side effect
// visible outside that lock is handing the outcome to sink, which itself
// just enqueues a TaskEnd request — no analyser/scheduler dispatch state
// is mutated off the AccessProcessor thread.
func (s *Scheduler) finish(taskId datamodel.TaskId, failed bool) {
	s.mu.Lock()
	delete(s.running, taskId)
	st, isReplica := s.replicas[taskId]
	if isReplica && failed {
		st.failed = true
	}
	s.mu.Unlock()

	if isReplica {
		if atomic.AddInt32(&st.remaining, -1) > 0 {
			return
		}
		s.mu.Lock()
		delete(s.replicas, taskId)
		failed = st.failed
		s.mu.Unlock()
	}
	if s.sink != nil {
		s.sink.OnTaskEnd(taskId, failed)
	}
}

// dispatchReplicated runs task once on every matching resource; it only
// reports completion once every instance has completed.
func (s *Scheduler) dispatchReplicated(ctx context.Context, task *datamodel.Task) {
	resources := s.catalog.List()
	var matches []*resource.Resource
	var impls []datamodel.Implementation
	for _, r := range resources {
		if impl, ok := resource.SelectImplementation(task, r); ok {
			matches = append(matches, r)
			impls = append(impls, impl)
		}
	}
	if len(matches) == 0 {
		s.log.Warn("replicated task has no matching resource", "task", task.Id)
		return
	}

	s.mu.Lock()
	delete(s.pending, task.Id)
	s.replicas[task.Id] = &replicatedState{remaining: int32(len(matches))}
	s.mu.Unlock()

	for i, r := range matches {
		impl := impls[i]
		cores, mem := impl.Constraints.ProcessorCoreCount, impl.Constraints.MemoryPhysicalSizeMB
		if !r.TryReserve(cores, mem) {
			s.finish(task.Id, true)
			continue
		}
		go s.runTask(ctx, task, r, impl, cores, mem)
	}
}

// CancelPending drops taskIds still queued and issues best-effort
// invoker cancellation for any currently running.
func (s *Scheduler) CancelPending(taskIds []datamodel.TaskId) {
	for _, id := range taskIds {
		s.mu.Lock()
		_, inPending := s.pending[id]
		if inPending {
			delete(s.pending, id)
		}
		entry, inRunning := s.running[id]
		s.mu.Unlock()

		if inPending || !inRunning {
			continue
		}
		if entry.cancelFunc != nil {
			entry.cancelFunc()
		}
		if s.invoker != nil {
			s.invoker.Cancel(id)
		}
	}
}

// ConstraintUnsatisfiable reports whether task currently has no matching
// resource in the catalog at all (used to surface Blocked on barrier).
func (s *Scheduler) ConstraintUnsatisfiable(task *datamodel.Task) bool {
	for _, r := range s.catalog.List() {
		if _, ok := resource.SelectImplementation(task, r); ok {
			return false
		}
	}
	return true
}
