package fileops

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexbarcelo/compss/internal/errkind"
)

func TestCopySyncAndDeleteSync(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := CopySync(src, dst, false); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hello" {
		t.Fatalf("unexpected dst contents: %q err=%v", data, err)
	}
	if err := DeleteSync(dst); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("expected dst removed")
	}
}

func TestMoveSyncS4NonAtomicFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// atomicPreferred=false exercises the non-atomic path directly,
	// simulating a filesystem where atomic rename is unsupported.
	if err := MoveSync(src, dst, false); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected src removed after move")
	}
	if data, err := os.ReadFile(dst); err != nil || string(data) != "payload" {
		t.Fatalf("expected dst to hold payload, got %q err=%v", data, err)
	}
}

func TestDeleteSyncRecursesOnNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := DeleteSync(dir); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed recursively")
	}
}

func TestQueueFIFOOrderInvariant6(t *testing.T) {
	e := NewExecutor(32, nil)
	defer e.Stop()

	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	const n = 20
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		i := i
		dst := filepath.Join(dir, "dst")
		e.CopyAsync(src, dst, true, ListenerFunc{
			OnCompleted: func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			},
			OnFailed: func(_ errkind.Kind, _ error) { wg.Done() },
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for queue to drain")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("expected LOW queue to preserve FIFO order, got %v", order)
		}
	}
}
