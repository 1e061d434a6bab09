// Package analyser implements the TaskAnalyser: it turns versioned
// accesses into an implicit dependency DAG (Kahn's-algorithm style
// in-degree tracking, the same shape the orchestrator's DAG engine uses
// for its workflow graphs), tracks per-application outstanding task
// counts, and drives the two-phase end-of-app barrier. All exported
// methods are meant to be called exclusively from the AccessProcessor's
// single dispatch goroutine; nothing here takes a lock.
package analyser

import (
	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/errkind"
)

// TaskStatus is the terminal (or in-flight) state the scheduler reports
// back to the analyser via OnTaskEnd.
type TaskStatus int

const (
	StatusRunning TaskStatus = iota
	StatusCompleted
	StatusFailed
)

type taskNode struct {
	task       *datamodel.Task
	predCount  int
	successors []datamodel.TaskId
	readInsts  []datamodel.DataInstanceId // for ReleaseReader bookkeeping on completion
	dispatched bool
	status     TaskStatus
}

// BarrierWaiter is handed back to the AccessProcessor; the caller reads
// from Reply to block outside the dispatch loop.
type BarrierWaiter struct {
	AppId   datamodel.AppId
	GroupId string
	Reply   chan error
}

// ResourceReleaser lets the analyser ask the scheduler to give back held
// worker resources while an app is Stalled, and to reacquire the bare
// minimum once it may proceed.
type ResourceReleaser interface {
	ReleaseHeld(appId datamodel.AppId)
	ReadyToContinue(appId datamodel.AppId)
}

// Analyser is the TaskAnalyser.
type Analyser struct {
	lastWriter map[datamodel.DataInstanceId]datamodel.TaskId
	readers    map[datamodel.DataInstanceId][]datamodel.TaskId
	nodes      map[datamodel.TaskId]*taskNode
	apps       map[datamodel.AppId]*datamodel.Application
	waiters    map[datamodel.AppId][]*BarrierWaiter
	releaser   ResourceReleaser
}

func New(releaser ResourceReleaser) *Analyser {
	return &Analyser{
		lastWriter: make(map[datamodel.DataInstanceId]datamodel.TaskId),
		readers:    make(map[datamodel.DataInstanceId][]datamodel.TaskId),
		nodes:      make(map[datamodel.TaskId]*taskNode),
		apps:       make(map[datamodel.AppId]*datamodel.Application),
		waiters:    make(map[datamodel.AppId][]*BarrierWaiter),
		releaser:   releaser,
	}
}

func (a *Analyser) appFor(id datamodel.AppId) *datamodel.Application {
	app, ok := a.apps[id]
	if !ok {
		app = &datamodel.Application{Id: id, State: datamodel.AppRegistered}
		a.apps[id] = app
	}
	return app
}

// Submit wires dependency edges for task given its resolved accesses
// (parallel to task.Params) and reports whether it is immediately ready
// (predCount == 0). Invariant 2: predecessors are exactly the prior
// tasks that wrote any instance this task reads.
func (a *Analyser) Submit(task *datamodel.Task, accesses []datamodel.DataAccessId) (ready bool, err error) {
	if task == nil {
		return false, errkind.New(errkind.LocationInvalid, "nil task")
	}
	app := a.appFor(task.AppId)
	if app.NoMoreSubmissions {
		return false, errkind.New(errkind.ShutdownInProgress, "endOfApp already requested for this application")
	}
	if app.Cancelled {
		return false, errkind.New(errkind.AppCancelled, "application was cancelled")
	}

	node := &taskNode{task: task}
	preds := make(map[datamodel.TaskId]struct{})

	for _, acc := range accesses {
		switch acc.Kind {
		case datamodel.DirR:
			if w, ok := a.lastWriter[acc.ReadInstance]; ok {
				preds[w] = struct{}{}
			}
			a.readers[acc.ReadInstance] = append(a.readers[acc.ReadInstance], task.Id)
			node.readInsts = append(node.readInsts, acc.ReadInstance)

		case datamodel.DirW:
			a.lastWriter[acc.WriteInstance] = task.Id

		case datamodel.DirRW:
			if w, ok := a.lastWriter[acc.ReadInstance]; ok {
				preds[w] = struct{}{}
			}
			a.readers[acc.ReadInstance] = append(a.readers[acc.ReadInstance], task.Id)
			node.readInsts = append(node.readInsts, acc.ReadInstance)
			a.lastWriter[acc.WriteInstance] = task.Id
		}
	}

	for predId := range preds {
		if predNode, ok := a.nodes[predId]; ok && !predNode.isTerminal() {
			predNode.successors = append(predNode.successors, task.Id)
			node.predCount++
		}
	}

	a.nodes[task.Id] = node
	app.OutstandingTasks++
	if app.State == datamodel.AppRegistered {
		app.State = datamodel.AppRunning
	}

	ready = node.predCount == 0
	node.dispatched = ready
	return ready, nil
}

func (n *taskNode) isTerminal() bool {
	return n.status == StatusCompleted || n.status == StatusFailed
}

// OnTaskEnd records a task's terminal status and returns the set of
// successor tasks that became ready as a result (predCount reached zero).
// It does not release provider reader counts. It also resolves barrier
// waiters whose app's outstanding count has reached zero.
func (a *Analyser) OnTaskEnd(taskId datamodel.TaskId, status TaskStatus) (newlyReady []datamodel.TaskId) {
	node, ok := a.nodes[taskId]
	if !ok || node.isTerminal() {
		return nil
	}
	node.status = status
	app := a.appFor(node.task.AppId)
	app.OutstandingTasks--

	if status == StatusFailed && node.task.OnFailure == datamodel.OnFailureCancelSuccessors {
		a.cancelSuccessors(node, app)
	} else {
		for _, succId := range node.successors {
			succ, ok := a.nodes[succId]
			if !ok || succ.isTerminal() {
				continue
			}
			succ.predCount--
			if succ.predCount == 0 && !succ.dispatched {
				succ.dispatched = true
				newlyReady = append(newlyReady, succId)
			}
		}
	}

	a.settleBarriers(app)
	return newlyReady
}

// cancelSuccessors marks the transitive successor closure of node as
// Failed without running, per the CANCEL_SUCCESSORS onFailure policy.
func (a *Analyser) cancelSuccessors(node *taskNode, app *datamodel.Application) {
	stack := append([]datamodel.TaskId{}, node.successors...)
	seen := make(map[datamodel.TaskId]bool)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := a.nodes[id]
		if !ok || n.isTerminal() {
			continue
		}
		n.status = StatusFailed
		app.OutstandingTasks--
		stack = append(stack, n.successors...)
	}
}

// Barrier registers a waiter that resolves once appId's outstanding task
// count reaches zero, so every task submitted before this call has reached
// terminal status; tasks submitted after the call are waited for too.
// Resolves immediately if the app is already drained.
func (a *Analyser) Barrier(appId datamodel.AppId, groupId string) *BarrierWaiter {
	w := &BarrierWaiter{AppId: appId, GroupId: groupId, Reply: make(chan error, 1)}
	app := a.appFor(appId)
	if app.Cancelled {
		w.Reply <- errkind.New(errkind.AppCancelled, "application cancelled")
		return w
	}
	if app.OutstandingTasks == 0 {
		w.Reply <- nil
		return w
	}
	a.waiters[appId] = append(a.waiters[appId], w)
	return w
}

// EndOfApp begins the two-phase drain. Phase 1 (here): mark no more
// submissions; if tasks remain, transition to Stalled and release held
// resources. The returned waiter resolves in phase 2, once the
// outstanding count reaches zero, after which ReadyToContinue is
// invoked and the caller is released; no submit succeeds after this.
func (a *Analyser) EndOfApp(appId datamodel.AppId) *BarrierWaiter {
	app := a.appFor(appId)
	app.NoMoreSubmissions = true

	w := &BarrierWaiter{AppId: appId, Reply: make(chan error, 1)}
	if app.Cancelled {
		w.Reply <- errkind.New(errkind.AppCancelled, "application cancelled")
		return w
	}
	if app.OutstandingTasks == 0 {
		app.State = datamodel.AppTerminated
		w.Reply <- nil
		return w
	}
	app.State = datamodel.AppStalled
	if a.releaser != nil {
		a.releaser.ReleaseHeld(appId)
	}
	a.waiters[appId] = append(a.waiters[appId], w)
	return w
}

// CancelApp marks appId cancelled and fails every pending barrier
// waiter with AppCancelled.
func (a *Analyser) CancelApp(appId datamodel.AppId) {
	app := a.appFor(appId)
	app.Cancelled = true
	for _, w := range a.waiters[appId] {
		w.Reply <- errkind.New(errkind.AppCancelled, "application cancelled")
	}
	delete(a.waiters, appId)
}

func (a *Analyser) settleBarriers(app *datamodel.Application) {
	if app.OutstandingTasks > 0 {
		return
	}
	wasStalled := app.State == datamodel.AppStalled
	if app.NoMoreSubmissions {
		app.State = datamodel.AppTerminated
	}
	waiters := a.waiters[app.Id]
	if len(waiters) == 0 {
		return
	}
	delete(a.waiters, app.Id)
	if wasStalled && a.releaser != nil {
		a.releaser.ReadyToContinue(app.Id)
	}
	for _, w := range waiters {
		w.Reply <- nil
	}
}

// AppState exposes the current lifecycle state, for tests and status
// reporting.
func (a *Analyser) AppState(id datamodel.AppId) datamodel.AppState {
	return a.appFor(id).State
}

// OutstandingTasks reports the live counter for id.
func (a *Analyser) OutstandingTasks(id datamodel.AppId) int {
	return a.appFor(id).OutstandingTasks
}
