package transfer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/resource"
)

type countingBackend struct {
	copies int32
}

func (b *countingBackend) CopyLocal(src, tgt string, atomicPreferred, overwrite bool) error {
	atomic.AddInt32(&b.copies, 1)
	return nil
}

func (b *countingBackend) CopySSH(ctx context.Context, srcHost, srcPath, tgtHost, tgtPath string) error {
	atomic.AddInt32(&b.copies, 1)
	time.Sleep(20 * time.Millisecond)
	return nil
}

func (b *countingBackend) Serialize(obj any, tgtPath string) error { return nil }

func TestSharedDiskShortcutS3ZeroBytes(t *testing.T) {
	topo := resource.NewTopology()
	topo.Mount("S", "H1", "/mnt/s")
	topo.Mount("S", "H2", "/mnt/s")
	store := datamodel.NewStore()
	inst := datamodel.DataInstanceId{Id: "F", Version: 1}
	store.AddLocation(inst, datamodel.NewShared("S", "f.bin"))

	backend := &countingBackend{}
	orch := New(topo, store, backend, nil)

	loc, err := orch.EnsureLocal(context.Background(), inst, "H2")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if loc.Kind != datamodel.LocShared || loc.DiskName != "S" {
		t.Fatalf("expected shared location returned, got %+v", loc)
	}
	if backend.copies != 0 {
		t.Fatalf("expected zero bytes transferred, backend invoked %d times", backend.copies)
	}
}

func TestConcurrentTransfersCoalesceInvariant7(t *testing.T) {
	topo := resource.NewTopology()
	store := datamodel.NewStore()
	inst := datamodel.DataInstanceId{Id: "F", Version: 1}
	store.AddLocation(inst, datamodel.NewPrivate("H1", "/data/f"))

	backend := &countingBackend{}
	orch := New(topo, store, backend, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.EnsureLocal(context.Background(), inst, "H2")
			if err != nil {
				t.Errorf("unexpected: %v", err)
			}
		}()
	}
	wg.Wait()

	if backend.copies != 1 {
		t.Fatalf("expected exactly one on-wire copy, got %d", backend.copies)
	}
}
