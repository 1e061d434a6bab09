package scheduler

import (
	"fmt"
	"testing"

	"github.com/alexbarcelo/compss/internal/datamodel"
)

// fakeProvider is a minimal stand-in for dataprovider.Provider: enough to
// let ExpandReduce resolve fresh accesses the way the real provider would,
// without pulling in the accessproc/dataprovider wiring for a scheduler-
// level test.
type fakeProvider struct {
	version map[datamodel.DataId]datamodel.Version
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{version: make(map[datamodel.DataId]datamodel.Version)}
}

func (p *fakeProvider) access(id datamodel.DataId, dir datamodel.AccessDirection) (datamodel.DataAccessId, error) {
	switch dir {
	case datamodel.DirW:
		p.version[id]++
		return datamodel.NewWrite(datamodel.DataInstanceId{Id: id, Version: p.version[id]}), nil
	default:
		return datamodel.NewRead(datamodel.DataInstanceId{Id: id, Version: p.version[id]}), nil
	}
}

func reduceInputTask(nInputs, chunkSize int) *datamodel.Task {
	params := make([]datamodel.Param, nInputs)
	for i := range params {
		params[i] = datamodel.Param{
			Direction: datamodel.DirR,
			Access:    datamodel.NewRead(datamodel.DataInstanceId{Id: datamodel.DataId("in"), Version: 1}),
		}
	}
	return &datamodel.Task{
		Id:              1,
		IsReduce:        true,
		ReduceChunkSize: chunkSize,
		Params:          params,
	}
}

func TestExpandReduceBuildsBinaryTree(t *testing.T) {
	task := reduceInputTask(8, 2)
	p := newFakeProvider()
	idCounter := 0
	nextId := func() datamodel.TaskId {
		idCounter++
		return datamodel.TaskId(100 + idCounter)
	}

	dataCounter := 0
	newDataId := func() datamodel.DataId {
		dataCounter++
		return datamodel.DataId("tmp")
	}

	nodes, err := ExpandReduce(task, nextId, newDataId, p.access)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	// 8 inputs chunked by 2 => 4 leaves, combined two levels deep (4->2,
	// 2->1) => 4 leaves + 2 + 1 combine nodes = 7 nodes total, all of
	// which must be returned so the caller can submit every one of them
	// rather than only the root.
	if len(nodes) != 7 {
		t.Fatalf("expected all 7 tree nodes (leaves and combines), got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.IsReduce {
			t.Fatalf("expanded nodes must not still be marked IsReduce, or a re-submission would loop")
		}
	}

	root := nodes[len(nodes)-1]
	if len(root.Params) != 3 {
		t.Fatalf("expected root combine node to have 2 reads + 1 write, got %d params", len(root.Params))
	}
	reads, writes := 0, 0
	for _, p := range root.Params {
		switch p.Direction {
		case datamodel.DirR:
			reads++
		case datamodel.DirW:
			writes++
		}
	}
	if reads != 2 || writes != 1 {
		t.Fatalf("expected root node to read both children and write one result, got reads=%d writes=%d", reads, writes)
	}

	leaves := nodes[:4]
	for _, leaf := range leaves {
		if len(leaf.Params) != 3 {
			t.Fatalf("expected each leaf to carry its 2 chunked inputs plus a synthetic output, got %d params", len(leaf.Params))
		}
	}
}

func TestExpandReduceNoOpBelowChunkThreshold(t *testing.T) {
	task := reduceInputTask(2, 8)
	p := newFakeProvider()
	idCounter := datamodel.TaskId(0)
	nextId := func() datamodel.TaskId { idCounter++; return idCounter }
	newDataId := func() datamodel.DataId { return "tmp" }

	nodes, err := ExpandReduce(task, nextId, newDataId, p.access)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(nodes) != 1 || nodes[0] != task {
		t.Fatalf("expected the single chunk case to pass the original task through unchanged")
	}
}

func TestExpandReduceChildOutputsFeedCombineReads(t *testing.T) {
	task := reduceInputTask(4, 2)
	p := newFakeProvider()
	idCounter := datamodel.TaskId(0)
	nextId := func() datamodel.TaskId { idCounter++; return idCounter }
	dataCounter := 0
	newDataId := func() datamodel.DataId {
		dataCounter++
		return datamodel.DataId(fmt.Sprintf("tmp%d", dataCounter))
	}

	nodes, err := ExpandReduce(task, nextId, newDataId, p.access)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	// 4 inputs chunked by 2 => 2 leaves + 1 combine root = 3 nodes, and
	// all 3 must come back so both leaves actually get submitted/run.
	if len(nodes) != 3 {
		t.Fatalf("expected 2 leaves plus 1 root, got %d", len(nodes))
	}
	root := nodes[len(nodes)-1]
	// The root carries its own output write, and each of its reads must
	// consume the DataInstanceId one of the leaves writes, which is the
	// edge the analyser's lastWriter map finds.
	var writeInst datamodel.DataInstanceId
	for _, p := range root.Params {
		if p.Direction == datamodel.DirW {
			writeInst = p.Access.WriteInstance
		}
	}
	if writeInst == (datamodel.DataInstanceId{}) {
		t.Fatalf("expected root to carry a write access")
	}

	leafOutputs := make(map[datamodel.DataInstanceId]bool)
	for _, leaf := range nodes[:2] {
		hasOutput := false
		for _, p := range leaf.Params {
			if p.Direction == datamodel.DirW {
				hasOutput = true
				leafOutputs[p.Access.WriteInstance] = true
			}
		}
		if !hasOutput {
			t.Fatalf("expected leaf task to carry a synthetic output write")
		}
	}
	for _, p := range root.Params {
		if p.Direction == datamodel.DirR && !leafOutputs[p.Access.ReadInstance] {
			t.Fatalf("expected root read %v to consume a leaf output, leaf outputs %v", p.Access.ReadInstance, leafOutputs)
		}
	}
}
