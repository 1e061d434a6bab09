package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/errkind"
	"github.com/alexbarcelo/compss/internal/resilience"
	"github.com/alexbarcelo/compss/internal/resource"
)

type coalesceKey struct {
	inst   datamodel.DataInstanceId
	target string
}

type coalesceEntry struct {
	done chan struct{}
	loc  datamodel.DataLocation
	err  error
}

// Orchestrator is the Transfer orchestrator.
type Orchestrator struct {
	topo    *resource.Topology
	store   *datamodel.Store
	backend Backend
	log     *slog.Logger

	mu       sync.Mutex
	inflight map[coalesceKey]*coalesceEntry
	breakers map[string]*resilience.CircuitBreaker

	retryAttempts int
	retryBaseDelay time.Duration
}

func New(topo *resource.Topology, store *datamodel.Store, backend Backend, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		topo:           topo,
		store:          store,
		backend:        backend,
		log:            log.With("component", "transfer"),
		inflight:       make(map[coalesceKey]*coalesceEntry),
		breakers:       make(map[string]*resilience.CircuitBreaker),
		retryAttempts:  3,
		retryBaseDelay: 100 * time.Millisecond,
	}
}

func (o *Orchestrator) breakerFor(host string) *resilience.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	cb, ok := o.breakers[host]
	if !ok {
		cb = resilience.NewCircuitBreaker(30*time.Second, 6, 4, 0.6, 5*time.Second, 2)
		o.breakers[host] = cb
	}
	return cb
}

// EnsureLocal resolves inst to a location reachable from targetHost,
// executing the cheapest applicable plan and coalescing concurrent
// requests for the same (instance, target) pair into a single
// on-wire copy.
func (o *Orchestrator) EnsureLocal(ctx context.Context, inst datamodel.DataInstanceId, targetHost string) (datamodel.DataLocation, error) {
	ld, ok := o.store.Get(inst)
	if !ok {
		return datamodel.DataLocation{}, errkind.New(errkind.DataNotFound, "no logical data for instance").WithField("instance", inst.String())
	}

	if loc, ok := o.alreadyReachable(ld, targetHost); ok {
		return loc, nil
	}

	key := coalesceKey{inst: inst, target: targetHost}
	o.mu.Lock()
	if entry, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		<-entry.done
		return entry.loc, entry.err
	}
	entry := &coalesceEntry{done: make(chan struct{})}
	o.inflight[key] = entry
	o.mu.Unlock()

	loc, err := o.executePlan(ctx, ld, targetHost)
	entry.loc, entry.err = loc, err
	close(entry.done)

	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()

	if err == nil {
		o.store.AddLocation(inst, loc)
	}
	return loc, err
}

// alreadyReachable implements plan case 1: a shared disk the target
// already mounts that already holds a replica needs zero bytes moved.
func (o *Orchestrator) alreadyReachable(ld *datamodel.LogicalData, targetHost string) (datamodel.DataLocation, bool) {
	for _, loc := range ld.Locations {
		switch loc.Kind {
		case datamodel.LocShared:
			if o.topo.Mounts(loc.DiskName, targetHost) {
				return loc, true
			}
		case datamodel.LocPrivate:
			if loc.Host == targetHost {
				return loc, true
			}
		case datamodel.LocPersistent:
			return loc, true
		}
	}
	return datamodel.DataLocation{}, false
}

func (o *Orchestrator) executePlan(ctx context.Context, ld *datamodel.LogicalData, targetHost string) (datamodel.DataLocation, error) {
	src, ok := pickSource(ld)
	if !ok {
		return datamodel.DataLocation{}, errkind.New(errkind.TransferFailed, "no source location available").WithField("instance", ld.Instance.String())
	}

	// Case 3: source and target share a mounted disk — scope the copy to
	// that disk rather than an SSH hop.
	if src.Kind == datamodel.LocPrivate {
		if disk, ok := o.topo.SharedDiskBetween(src.Host, targetHost); ok {
			mp, _ := o.topo.MountPoint(disk, targetHost)
			rel := fmt.Sprintf("xfer-%s", ld.Instance.String())
			targetPath := mp + "/" + rel
			if err := o.retryingCopy(ctx, targetHost, func() error {
				return o.backend.CopyLocal(src.Path, targetPath, true, true)
			}); err != nil {
				return datamodel.DataLocation{}, err
			}
			return datamodel.NewShared(disk, rel), nil
		}
	}

	// Case 4: SSH fallback from any source-holding host.
	if src.Kind == datamodel.LocPrivate {
		targetPath := fmt.Sprintf("/tmp/compss-xfer-%s", ld.Instance.String())
		err := o.retryingCopy(ctx, targetHost, func() error {
			return o.backend.CopySSH(ctx, src.Host, src.Path, targetHost, targetPath)
		})
		if err != nil {
			return datamodel.DataLocation{}, err
		}
		return datamodel.NewPrivate(targetHost, targetPath), nil
	}

	return datamodel.DataLocation{}, errkind.New(errkind.TransferFailed, "unsupported source location kind")
}

func pickSource(ld *datamodel.LogicalData) (datamodel.DataLocation, bool) {
	for _, loc := range ld.Locations {
		return loc, true
	}
	return datamodel.DataLocation{}, false
}

func (o *Orchestrator) retryingCopy(ctx context.Context, targetHost string, op func() error) error {
	cb := o.breakerFor(targetHost)
	if !cb.Allow() {
		return errkind.New(errkind.TransferFailed, "circuit open for target host").WithField("host", targetHost)
	}
	_, err := resilience.Retry(ctx, o.retryAttempts, o.retryBaseDelay, func() (struct{}, error) {
		err := op()
		return struct{}{}, err
	})
	cb.RecordResult(err == nil)
	if err != nil {
		o.log.Warn("transfer failed after retries", "host", targetHost, "error", err)
		return errkind.Wrap(errkind.TransferFailed, err).WithField("host", targetHost)
	}
	return nil
}
