package scheduler

import "github.com/alexbarcelo/compss/internal/datamodel"

// AccessResolver resolves a fresh access for a logical id against the
// DataInfoProvider. ExpandReduce uses it so every intermediate reduction
// result is versioned and reader-counted exactly like any declared task
// param, instead of being synthesized out of band.
type AccessResolver func(id datamodel.DataId, dir datamodel.AccessDirection) (datamodel.DataAccessId, error)

type reduceNode struct {
	task   *datamodel.Task
	output datamodel.DataId
}

// ExpandReduce materializes a reduce task into a binary reduction tree of
// sub-tasks, chunking the input params at ReduceChunkSize, so the
// analyser can wire ordinary dependency edges for it instead of treating
// reduce as an opaque scheduler-only concept. ids supplies a fresh task
// id per generated node; newDataId supplies a fresh logical id per
// intermediate result; access resolves those ids (and each node's
// synthetic output) through the caller's DataInfoProvider.
func ExpandReduce(task *datamodel.Task, ids func() datamodel.TaskId, newDataId func() datamodel.DataId, access AccessResolver) ([]*datamodel.Task, error) {
	if !task.IsReduce || task.ReduceChunkSize <= 0 {
		return []*datamodel.Task{task}, nil
	}

	chunks := chunkParams(task.Params, task.ReduceChunkSize)
	if len(chunks) <= 1 {
		return []*datamodel.Task{task}, nil
	}

	var all []*datamodel.Task

	level := make([]reduceNode, 0, len(chunks))
	for _, chunk := range chunks {
		leaf := cloneTaskShape(task, ids())
		leaf.Params = chunk
		node, err := withOutput(leaf, newDataId(), access)
		if err != nil {
			return nil, err
		}
		all = append(all, node.task)
		level = append(level, node)
	}

	for len(level) > 1 {
		next := make([]reduceNode, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 >= len(level) {
				next = append(next, level[i])
				continue
			}
			combined, err := combine(task, ids(), newDataId(), level[i], level[i+1], access)
			if err != nil {
				return nil, err
			}
			all = append(all, combined.task)
			next = append(next, combined)
		}
		level = next
	}

	// all is in dependency order: every leaf before the combine nodes
	// that read its output, and every combine before its parent, so the
	// caller can submit them in this order and have ordinary predecessor
	// tracking wire the tree without seeing reduce as a special case.
	return all, nil
}

// withOutput appends a fresh, provider-resolved write access to task and
// reports the logical id it was resolved against, so a later combine node
// can read it back.
func withOutput(task *datamodel.Task, outId datamodel.DataId, access AccessResolver) (reduceNode, error) {
	writeAccess, err := access(outId, datamodel.DirW)
	if err != nil {
		return reduceNode{}, err
	}
	params := make([]datamodel.Param, len(task.Params)+1)
	copy(params, task.Params)
	params[len(task.Params)] = datamodel.Param{Access: writeAccess, Direction: datamodel.DirW}
	task.Params = params
	return reduceNode{task: task, output: outId}, nil
}

func chunkParams(params []datamodel.Param, chunkSize int) [][]datamodel.Param {
	var chunks [][]datamodel.Param
	for i := 0; i < len(params); i += chunkSize {
		end := i + chunkSize
		if end > len(params) {
			end = len(params)
		}
		chunks = append(chunks, params[i:end])
	}
	if chunks == nil {
		chunks = [][]datamodel.Param{nil}
	}
	return chunks
}

func cloneTaskShape(task *datamodel.Task, id datamodel.TaskId) *datamodel.Task {
	clone := *task
	clone.Id = id
	clone.IsReduce = false
	clone.GroupId = task.GroupId
	return &clone
}

// combine builds the internal reduction node over left and right: it
// reads each child's synthesized output and writes a fresh intermediate
// result, wiring the three through access exactly like a declared task's
// params so the analyser's normal predecessor tracking picks up the edges.
func combine(task *datamodel.Task, id datamodel.TaskId, outId datamodel.DataId, left, right reduceNode, access AccessResolver) (reduceNode, error) {
	leftRead, err := access(left.output, datamodel.DirR)
	if err != nil {
		return reduceNode{}, err
	}
	rightRead, err := access(right.output, datamodel.DirR)
	if err != nil {
		return reduceNode{}, err
	}

	node := cloneTaskShape(task, id)
	node.Params = []datamodel.Param{
		{Access: leftRead, Direction: datamodel.DirR},
		{Access: rightRead, Direction: datamodel.DirR},
	}
	return withOutput(node, outId, access)
}
