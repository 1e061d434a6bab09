package resource

import (
	"testing"

	"github.com/alexbarcelo/compss/internal/datamodel"
)

func TestMatchesPointwise(t *testing.T) {
	r := NewResource("r1", "h1", []Processor{{Architecture: "x86_64", Cores: 8}}, 16384, 16384, 100000, "Linux", []string{"python3"}, []string{"default"}, nil)
	c := datamodel.Constraints{ProcessorCoreCount: 4, MemoryPhysicalSizeMB: 8192, OperatingSystemType: "Linux", AppSoftware: []string{"python3"}}
	if !r.Matches(c) {
		t.Fatalf("expected resource to satisfy constraints")
	}
	c.ProcessorCoreCount = 999
	if r.Matches(c) {
		t.Fatalf("S6: resource must not match impossible core count")
	}
}

func TestScaleUpByMPI(t *testing.T) {
	r := NewResource("r1", "h1", []Processor{{Cores: 16}}, 32768, 32768, 0, "", nil, nil, nil)
	c := datamodel.Constraints{ProcessorCoreCount: 4, MemoryPhysicalSizeMB: 4096}
	scaled := c.ScaleUpBy(4)
	if scaled.ProcessorCoreCount != 16 || scaled.MemoryPhysicalSizeMB != 16384 {
		t.Fatalf("unexpected scale-up: %+v", scaled)
	}
	if !r.Matches(scaled) {
		t.Fatalf("expected resource to satisfy scaled constraints")
	}
}

func TestTopologySharedDiskShortcutS3(t *testing.T) {
	topo := NewTopology()
	topo.Mount("S", "H1", "/mnt/s")
	topo.Mount("S", "H2", "/mnt/s")
	disk, ok := topo.SharedDiskBetween("H1", "H2")
	if !ok || disk != "S" {
		t.Fatalf("expected shared disk S between H1 and H2")
	}
	if !topo.Mounts("S", "H2") {
		t.Fatalf("expected H2 to mount S")
	}
}

func TestSelectImplementationBestScore(t *testing.T) {
	r := NewResource("r1", "h1", []Processor{{Cores: 32}}, 65536, 65536, 0, "", nil, nil, nil)
	task := &datamodel.Task{Implementations: []datamodel.Implementation{
		{Signature: "small", Constraints: datamodel.Constraints{ProcessorCoreCount: 2}},
		{Signature: "big", Constraints: datamodel.Constraints{ProcessorCoreCount: 16}},
		{Signature: "toobig", Constraints: datamodel.Constraints{ProcessorCoreCount: 999}},
	}}
	impl, ok := SelectImplementation(task, r)
	if !ok || impl.Signature != "big" {
		t.Fatalf("expected best-matching implementation 'big', got %+v ok=%v", impl, ok)
	}
}
