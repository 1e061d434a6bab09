// Package fileops implements the local-filesystem executor: copy, move,
// delete, and serialize, each with a synchronous call and an
// asynchronous, listener-notified variant queued onto one of two
// single-threaded priority queues. Two queues (HIGH, LOW) preserve
// per-priority FIFO order while bounding goroutine fan-out under bursty
// I/O, the same shape as the bounded single-consumer run loops in the
// teacher's Scheduler/Reconciler ticker goroutines, generalized here to
// an explicit job channel instead of a ticker.
package fileops

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/alexbarcelo/compss/internal/errkind"
)

type Priority int

const (
	HIGH Priority = iota
	LOW
)

// Listener receives the outcome of an asynchronous operation.
type Listener interface {
	Completed()
	Failed(kind errkind.Kind, err error)
}

// ListenerFunc adapts two functions to the Listener interface.
type ListenerFunc struct {
	OnCompleted func()
	OnFailed    func(errkind.Kind, error)
}

func (f ListenerFunc) Completed()                         { if f.OnCompleted != nil { f.OnCompleted() } }
func (f ListenerFunc) Failed(k errkind.Kind, err error)    { if f.OnFailed != nil { f.OnFailed(k, err) } }

type job struct {
	name string
	run  func() error
	l    Listener
}

// Executor runs HIGH-priority composed operations and LOW-priority bulk
// copies on two independent single-threaded FIFO queues.
type Executor struct {
	high chan job
	low  chan job
	done chan struct{}
	log  *slog.Logger
}

func NewExecutor(queueSize int, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		high: make(chan job, queueSize),
		low:  make(chan job, queueSize),
		done: make(chan struct{}),
		log:  log.With("component", "fileops"),
	}
	go e.drain(e.high, "high")
	go e.drain(e.low, "low")
	return e
}

func (e *Executor) drain(q chan job, label string) {
	for {
		select {
		case <-e.done:
			return
		case j := <-q:
			err := j.run()
			if err != nil {
				var kerr *errkind.Error
				kind := errkind.LocationInvalid
				if errors.As(err, &kerr) {
					kind = kerr.Kind
				}
				e.log.Warn("fileops job failed", "queue", label, "op", j.name, "error", err)
				if j.l != nil {
					j.l.Failed(kind, err)
				}
				continue
			}
			if j.l != nil {
				j.l.Completed()
			}
		}
	}
}

func (e *Executor) Stop() { close(e.done) }

func (e *Executor) submit(p Priority, name string, run func() error, l Listener) {
	j := job{name: name, run: run, l: l}
	if p == HIGH {
		e.high <- j
	} else {
		e.low <- j
	}
}

// CopyAsync queues a copy on the LOW queue (bulk data, per spec 4.6).
func (e *Executor) CopyAsync(src, dst string, overwrite bool, l Listener) {
	e.submit(LOW, "copy", func() error { return CopySync(src, dst, overwrite) }, l)
}

// MoveAsync queues a move on the HIGH queue (composed operation).
func (e *Executor) MoveAsync(src, dst string, atomicPreferred bool, l Listener) {
	e.submit(HIGH, "move", func() error { return MoveSync(src, dst, atomicPreferred) }, l)
}

func (e *Executor) DeleteAsync(path string, l Listener) {
	e.submit(HIGH, "delete", func() error { return DeleteSync(path) }, l)
}

func (e *Executor) SerializeAsync(obj any, path string, l Listener) {
	e.submit(LOW, "serialize", func() error { return SerializeSync(obj, path) }, l)
}

// CopySync copies src to dst. overwrite=false uses O_EXCL so a racing
// writer is detected as a conflict rather than silently clobbered.
func CopySync(src, dst string, overwrite bool) error {
	in, err := os.Open(src)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	defer in.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	return nil
}

// MoveSync attempts an atomic rename first; on failure (cross-device,
// unsupported) falls back to non-atomic copy+delete; if the target is a
// non-empty directory, falls back to a recursive directory move
// (S4: atomic-move fallback).
func MoveSync(src, dst string, atomicPreferred bool) error {
	if atomicPreferred {
		if err := os.Rename(src, dst); err == nil {
			return nil
		} else if isCrossDevice(err) {
			slog.Default().Debug("atomic move unsupported, falling back", "src", src, "dst", dst)
		}
		// Rename failed; fall through to the non-atomic path rather than
		// surfacing the error directly.
	}

	if err := copyThenRemove(src, dst); err != nil {
		if isNotEmptyDir(err) {
			return moveDirectory(src, dst)
		}
		return err
	}
	return nil
}

func copyThenRemove(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	if info.IsDir() {
		return moveDirectory(src, dst)
	}
	if err := CopySync(src, dst, true); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	return nil
}

func moveDirectory(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	for _, ent := range entries {
		s := filepath.Join(src, ent.Name())
		d := filepath.Join(dst, ent.Name())
		if ent.IsDir() {
			if err := moveDirectory(s, d); err != nil {
				return err
			}
			continue
		}
		if err := CopySync(s, d, true); err != nil {
			return err
		}
		if err := os.Remove(s); err != nil {
			return errkind.Wrap(errkind.LocationInvalid, err)
		}
	}
	return os.Remove(src)
}

// DeleteSync removes path; if a single-shot removal reports the
// directory is non-empty, it recurses.
func DeleteSync(path string) error {
	err := os.Remove(path)
	if err == nil {
		return nil
	}
	if isNotEmptyDir(err) {
		if err := os.RemoveAll(path); err != nil {
			return errkind.Wrap(errkind.LocationInvalid, err)
		}
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return errkind.Wrap(errkind.LocationInvalid, err)
}

// SerializeSync writes obj to path as JSON, the downward-API transfer
// backend operation.
func SerializeSync(obj any, path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(obj); err != nil {
		return errkind.Wrap(errkind.LocationInvalid, err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func isNotEmptyDir(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
