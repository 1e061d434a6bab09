package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/resource"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compss.db")
	meter := noop.NewMeterProvider().Meter("test")
	store, err := Open(path, meter, nil)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTopologySaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	topo := resource.NewTopology()
	topo.Mount("S", "H1", "/mnt/s")
	topo.Mount("S", "H2", "/mnt/s")

	if err := store.SaveTopology(ctx, topo); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	restored := resource.NewTopology()
	if err := store.LoadTopology(restored); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if !restored.Mounts("S", "H1") || !restored.Mounts("S", "H2") {
		t.Fatalf("expected both mounts to be restored")
	}
}

func TestLoadTopologyNoopWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	topo := resource.NewTopology()
	if err := store.LoadTopology(topo); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(topo.Snapshot()) != 0 {
		t.Fatalf("expected no mounts restored from an empty store")
	}
}

func TestAuditLogReturnsMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		rec := AuditRecord{
			TaskId:     datamodel.TaskId(i),
			AppId:      "app1",
			Resource:   "H1",
			Succeeded:  true,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}

	recent, err := store.RecentAudit(2)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].TaskId != 2 || recent[1].TaskId != 1 {
		t.Fatalf("expected most-recent-first ordering, got %+v", recent)
	}
}
