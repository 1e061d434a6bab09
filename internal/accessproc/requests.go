package accessproc

import (
	"context"

	"github.com/alexbarcelo/compss/internal/analyser"
	"github.com/alexbarcelo/compss/internal/datamodel"
)

type registerDataReq struct {
	id    datamodel.DataId
	reply chan datamodel.DataInstanceId
}

func (*registerDataReq) isAPRequest() {}

type accessResult struct {
	access datamodel.DataAccessId
	err    error
}

type accessReq struct {
	id    datamodel.DataId
	dir   datamodel.AccessDirection
	reply chan accessResult
}

func (*accessReq) isAPRequest() {}

type submitTaskResult struct {
	taskId datamodel.TaskId
	err    error
}

type submitTaskReq struct {
	args  SubmitTaskArgs
	reply chan submitTaskResult
}

func (*submitTaskReq) isAPRequest() {}

type transferResult struct {
	loc datamodel.DataLocation
	err error
}

type transferOpenFileReq struct {
	inst       datamodel.DataInstanceId
	targetHost string
	reply      chan transferResult
}

func (*transferOpenFileReq) isAPRequest() {}

type closeFileReq struct {
	inst  datamodel.DataInstanceId
	reply chan error
}

func (*closeFileReq) isAPRequest() {}

type deleteFileReq struct {
	id    datamodel.DataId
	reply chan error
}

func (*deleteFileReq) isAPRequest() {}

type barrierReq struct {
	appId   datamodel.AppId
	groupId string
	reply   chan *analyser.BarrierWaiter
}

func (*barrierReq) isAPRequest() {}

type endOfAppReq struct {
	appId datamodel.AppId
	reply chan *analyser.BarrierWaiter
}

func (*endOfAppReq) isAPRequest() {}

type cancelAppReq struct {
	appId datamodel.AppId
	done  chan struct{}
}

func (*cancelAppReq) isAPRequest() {}

type taskEndReq struct {
	taskId datamodel.TaskId
	failed bool
}

func (*taskEndReq) isAPRequest() {}

type sweepReq struct {
	reply chan []datamodel.DataInstanceId
}

func (*sweepReq) isAPRequest() {}

// RegisterData registers id with the DataInfoProvider as an
// R-compatible version 1, returning its initial instance id.
func (ap *AccessProcessor) RegisterData(ctx context.Context, id datamodel.DataId) (datamodel.DataInstanceId, error) {
	reply := make(chan datamodel.DataInstanceId, 1)
	if err := ap.enqueue(ctx, &registerDataReq{id: id, reply: reply}); err != nil {
		return datamodel.DataInstanceId{}, err
	}
	select {
	case inst := <-reply:
		return inst, nil
	case <-ctx.Done():
		return datamodel.DataInstanceId{}, ctx.Err()
	}
}

// AnalyseAccess resolves a standalone access outside of task submission
// (the Upward API's accessFile/accessObject family).
func (ap *AccessProcessor) AnalyseAccess(ctx context.Context, id datamodel.DataId, dir datamodel.AccessDirection) (datamodel.DataAccessId, error) {
	reply := make(chan accessResult, 1)
	if err := ap.enqueue(ctx, &accessReq{id: id, dir: dir, reply: reply}); err != nil {
		return datamodel.DataAccessId{}, err
	}
	select {
	case r := <-reply:
		return r.access, r.err
	case <-ctx.Done():
		return datamodel.DataAccessId{}, ctx.Err()
	}
}

// SubmitTask resolves args' declared accesses, wires dependency edges,
// and dispatches the task immediately if it has no pending predecessors.
func (ap *AccessProcessor) SubmitTask(ctx context.Context, args SubmitTaskArgs) (datamodel.TaskId, error) {
	reply := make(chan submitTaskResult, 1)
	if err := ap.enqueue(ctx, &submitTaskReq{args: args, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.taskId, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TransferOpenFile ensures inst is reachable from targetHost (the
// Upward API's openFile, when the caller intends to read the data
// directly rather than via a task).
func (ap *AccessProcessor) TransferOpenFile(ctx context.Context, inst datamodel.DataInstanceId, targetHost string) (datamodel.DataLocation, error) {
	reply := make(chan transferResult, 1)
	if err := ap.enqueue(ctx, &transferOpenFileReq{inst: inst, targetHost: targetHost, reply: reply}); err != nil {
		return datamodel.DataLocation{}, err
	}
	select {
	case r := <-reply:
		return r.loc, r.err
	case <-ctx.Done():
		return datamodel.DataLocation{}, ctx.Err()
	}
}

// CloseFile releases the reader count openFile's matching access held.
func (ap *AccessProcessor) CloseFile(ctx context.Context, inst datamodel.DataInstanceId) error {
	reply := make(chan error, 1)
	if err := ap.enqueue(ctx, &closeFileReq{inst: inst, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteFile requests logical deletion of id; deferred until the
// current version's readers drain to zero.
func (ap *AccessProcessor) DeleteFile(ctx context.Context, id datamodel.DataId) error {
	reply := make(chan error, 1)
	if err := ap.enqueue(ctx, &deleteFileReq{id: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier blocks the caller until appId has no outstanding tasks, so every
// task submitted to appId so far has reached terminal status.
func (ap *AccessProcessor) Barrier(ctx context.Context, appId datamodel.AppId, groupId string) error {
	reply := make(chan *analyser.BarrierWaiter, 1)
	if err := ap.enqueue(ctx, &barrierReq{appId: appId, groupId: groupId, reply: reply}); err != nil {
		return err
	}
	select {
	case w := <-reply:
		return <-w.Reply
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndOfApp begins the two-phase drain and blocks until the application
// reaches Terminated.
func (ap *AccessProcessor) EndOfApp(ctx context.Context, appId datamodel.AppId) error {
	reply := make(chan *analyser.BarrierWaiter, 1)
	if err := ap.enqueue(ctx, &endOfAppReq{appId: appId, reply: reply}); err != nil {
		return err
	}
	select {
	case w := <-reply:
		return <-w.Reply
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelApp cancels appId and fails every pending barrier/endOfApp
// waiter for it.
func (ap *AccessProcessor) CancelApp(ctx context.Context, appId datamodel.AppId) error {
	done := make(chan struct{})
	if err := ap.enqueue(ctx, &cancelAppReq{appId: appId, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
