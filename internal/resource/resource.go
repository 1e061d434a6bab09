// Package resource models worker descriptors, constraint matching
// against task implementations, and the shared-disk mount topology.
package resource

import (
	"sync"

	"github.com/alexbarcelo/compss/internal/datamodel"
)

type Processor struct {
	Name         string
	Architecture string
	Speed        float64
	Cores        int
	Type         string
}

// Resource is a worker descriptor: host, capacity, and environment.
// freeCores/freeMemoryMB are mutated by the scheduler's dispatch and
// completion handling and by the lifecycle thread on scale events;
// guarded by the resource's own mutex (spec: "per-resource lock").
type Resource struct {
	mu sync.Mutex

	Name        string
	Host        string
	Processors  []Processor
	MemoryPhysicalMB int64
	MemoryVirtualMB  int64
	StorageMB        int64
	OS               string
	Software         map[string]bool
	Queues           []string
	Images           []string

	totalCores      int
	freeCores       int
	freeMemoryMB    int64
	queuedOrRunning int
}

func NewResource(name, host string, procs []Processor, memPhysMB, memVirtMB, storageMB int64, os_ string, software []string, queues, images []string) *Resource {
	total := 0
	for _, p := range procs {
		total += p.Cores
	}
	sw := make(map[string]bool, len(software))
	for _, s := range software {
		sw[s] = true
	}
	return &Resource{
		Name: name, Host: host, Processors: procs,
		MemoryPhysicalMB: memPhysMB, MemoryVirtualMB: memVirtMB, StorageMB: storageMB,
		OS: os_, Software: sw, Queues: queues, Images: images,
		totalCores: total, freeCores: total, freeMemoryMB: memPhysMB,
	}
}

// Matches reports whether r satisfies c pointwise.
func (r *Resource) Matches(c datamodel.Constraints) bool {
	if c.ProcessorArchitecture != "" {
		found := false
		for _, p := range r.Processors {
			if p.Architecture == c.ProcessorArchitecture {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.ProcessorCoreCount > 0 && r.totalCores < c.ProcessorCoreCount {
		return false
	}
	if c.MemoryPhysicalSizeMB > 0 && r.MemoryPhysicalMB < c.MemoryPhysicalSizeMB {
		return false
	}
	if c.MemoryVirtualSizeMB > 0 && r.MemoryVirtualMB < c.MemoryVirtualSizeMB {
		return false
	}
	if c.StorageElemSizeMB > 0 && r.StorageMB < c.StorageElemSizeMB {
		return false
	}
	if c.OperatingSystemType != "" && r.OS != c.OperatingSystemType {
		return false
	}
	for _, sw := range c.AppSoftware {
		if !r.Software[sw] {
			return false
		}
	}
	if c.HostQueue != "" {
		found := false
		for _, q := range r.Queues {
			if q == c.HostQueue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TryReserve attempts to claim cores/memory for a dispatch; returns
// false (no mutation) if free capacity is insufficient.
func (r *Resource) TryReserve(cores int, memMB int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freeCores < cores || r.freeMemoryMB < memMB {
		return false
	}
	r.freeCores -= cores
	r.freeMemoryMB -= memMB
	r.queuedOrRunning++
	return true
}

func (r *Resource) Release(cores int, memMB int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeCores += cores
	r.freeMemoryMB += memMB
	if r.queuedOrRunning > 0 {
		r.queuedOrRunning--
	}
}

func (r *Resource) Load() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queuedOrRunning
}

// Catalog is the registry of known resources, mutated by the lifecycle
// thread on scale-up/scale-down and read by the scheduler.
type Catalog struct {
	mu    sync.RWMutex
	byName map[string]*Resource
}

func NewCatalog() *Catalog {
	return &Catalog{byName: make(map[string]*Resource)}
}

func (c *Catalog) Add(r *Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[r.Name] = r
}

func (c *Catalog) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, name)
}

func (c *Catalog) List() []*Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Resource, 0, len(c.byName))
	for _, r := range c.byName {
		out = append(out, r)
	}
	return out
}

func (c *Catalog) Get(name string) (*Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byName[name]
	return r, ok
}

// SelectImplementation scores every implementation of task whose
// constraints r satisfies and returns the best-scoring one (more cores
// required scores higher: it uses the resource's spare capacity most
// precisely). Returns ok=false if none match, surfaced by the caller as
// ConstraintUnsatisfiable.
func SelectImplementation(task *datamodel.Task, r *Resource) (datamodel.Implementation, bool) {
	best := datamodel.Implementation{}
	bestScore := -1
	found := false
	for _, impl := range task.Implementations {
		c := impl.Constraints
		if impl.PPN > 1 {
			c = c.ScaleUpBy(impl.PPN)
		}
		if !r.Matches(c) {
			continue
		}
		score := c.ProcessorCoreCount
		if score > bestScore {
			bestScore = score
			best = impl
			found = true
		}
	}
	return best, found
}
