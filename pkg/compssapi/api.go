// Package compssapi is the Upward API surface for user code and
// language bindings: registerData, access, submit, openFile,
// closeFile, barrier, barrierGroup, endOfApp, cancelApp. It is a thin
// typed wrapper over accessproc.AccessProcessor — every method here does
// nothing but translate the wire-facing shape into an AccessProcessor
// request and block on its reply.
package compssapi

import (
	"context"

	"github.com/alexbarcelo/compss/internal/accessproc"
	"github.com/alexbarcelo/compss/internal/datamodel"
)

// ParamSpec is one declared access of a task invocation.
type ParamSpec struct {
	LogicalId datamodel.DataId
	Direction datamodel.AccessDirection
	Stream    datamodel.StreamBinding
	Prefix    string
	Name      string
}

// TaskDescriptor is the submit() payload.
type TaskDescriptor struct {
	AppId           datamodel.AppId
	Implementations []datamodel.Implementation
	Params          []ParamSpec
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

	// GroupId scopes a Distributed task's "distinct resource per sibling"
	// constraint across the calls that share it; irrelevant otherwise.
	GroupId string
}

// API is the Upward API surface.
type API struct {
	ap *accessproc.AccessProcessor
}

func New(ap *accessproc.AccessProcessor) *API {
	return &API{ap: ap}
}

// RegisterData registers logicalId as version 1 if it has never been
// written; no location is recorded. The caller is responsible for making the returned instance's physical
// location known to the data store separately (e.g. via the Transfer
// backend's Serialize on first write).
func (a *API) RegisterData(ctx context.Context, logicalId datamodel.DataId) (datamodel.DataInstanceId, error) {
	return a.ap.RegisterData(ctx, logicalId)
}

// Access resolves a single standalone access outside of task submission
// (the accessFile/accessObject family built atop the core access op).
func (a *API) Access(ctx context.Context, logicalId datamodel.DataId, direction datamodel.AccessDirection) (datamodel.DataAccessId, error) {
	return a.ap.AnalyseAccess(ctx, logicalId, direction)
}

// Submit resolves task's declared accesses, wires it into the
// dependency DAG, and dispatches it immediately if ready.
func (a *API) Submit(ctx context.Context, task TaskDescriptor) (datamodel.TaskId, error) {
	params := make([]accessproc.ParamDecl, 0, len(task.Params))
	for _, p := range task.Params {
		params = append(params, accessproc.ParamDecl{
			LogicalId: p.LogicalId,
			Direction: p.Direction,
			Stream:    p.Stream,
			Prefix:    p.Prefix,
			Name:      p.Name,
		})
	}
	return a.ap.SubmitTask(ctx, accessproc.SubmitTaskArgs{
		AppId:           task.AppId,
		Implementations: task.Implementations,
		Params:          params,
		NumReturns:      task.NumReturns,
		IsReplicated:    task.IsReplicated,
		IsDistributed:   task.IsDistributed,
		IsReduce:        task.IsReduce,
		ReduceChunkSize: task.ReduceChunkSize,
		HasTarget:       task.HasTarget,
		Prioritary:      task.Prioritary,
		FailByEV:        task.FailByEV,
		OnFailure:       task.OnFailure,
		TimeoutMs:       task.TimeoutMs,
		GroupId:         task.GroupId,
	})
}

// OpenFile resolves logicalId's read access and blocks until a
// physical location reachable from targetHost exists, transferring the
// data there if needed; it returns an error if the instance has no
// physical location to transfer from. The returned
// DataInstanceId is the handle CloseFile later releases.
func (a *API) OpenFile(ctx context.Context, logicalId datamodel.DataId, targetHost string) (datamodel.DataLocation, datamodel.DataInstanceId, error) {
	access, err := a.ap.AnalyseAccess(ctx, logicalId, datamodel.DirR)
	if err != nil {
		return datamodel.DataLocation{}, datamodel.DataInstanceId{}, err
	}
	loc, err := a.ap.TransferOpenFile(ctx, access.ReadInstance, targetHost)
	if err != nil {
		return datamodel.DataLocation{}, datamodel.DataInstanceId{}, err
	}
	return loc, access.ReadInstance, nil
}

// CloseFile releases the reader count an OpenFile's matching access
// held on inst.
func (a *API) CloseFile(ctx context.Context, inst datamodel.DataInstanceId) error {
	return a.ap.CloseFile(ctx, inst)
}

// DeleteFile requests logical deletion of logicalId, deferred until the
// current version's readers drain to zero.
func (a *API) DeleteFile(ctx context.Context, logicalId datamodel.DataId) error {
	return a.ap.DeleteFile(ctx, logicalId)
}

// Barrier blocks until appId has no outstanding tasks, so every task
// submitted to appId so far has reached terminal status.
func (a *API) Barrier(ctx context.Context, appId datamodel.AppId) error {
	return a.ap.Barrier(ctx, appId, "")
}

// BarrierGroup passes groupId through on the same barrier request as
// Barrier. The analyser records the group on the waiter but resolves it on
// the whole application's outstanding count, so it waits for every task
// of appId, not only the group's.
func (a *API) BarrierGroup(ctx context.Context, appId datamodel.AppId, groupId string) error {
	return a.ap.Barrier(ctx, appId, groupId)
}

// EndOfApp begins the two-phase application drain and blocks until
// Terminated.
func (a *API) EndOfApp(ctx context.Context, appId datamodel.AppId) error {
	return a.ap.EndOfApp(ctx, appId)
}

// CancelApp cancels appId and fails every pending barrier/endOfApp
// waiter for it.
func (a *API) CancelApp(ctx context.Context, appId datamodel.AppId) error {
	return a.ap.CancelApp(ctx, appId)
}
