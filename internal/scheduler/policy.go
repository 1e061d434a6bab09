// Package scheduler implements the TaskScheduler: pluggable assignment
// policies, resource matching, dispatch, completion handling, and
// replicated/distributed/reduce task semantics.
package scheduler

import (
	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/resource"
)

// Context carries the per-decision inputs a Policy needs beyond the
// (task, resource) pair itself.
type Context struct {
	SubmissionOrder map[datamodel.TaskId]int64
	ResourceIndex   map[string]int
	ResidentBytes   func(r *resource.Resource, t *datamodel.Task) int64
}

// Policy produces a lexicographically-compared score vector for a
// (task, resource) pair; the scheduler picks the resource with the
// greatest vector among those that satisfy the task's constraints.
// Chaining a tie-break policy is expressed by appending its vector.
type Policy interface {
	Name() string
	ScoreVector(t *datamodel.Task, r *resource.Resource, ctx Context) []float64
}

func fifoScore(order int64) float64 { return -float64(order) }
func lifoScore(order int64) float64 { return float64(order) }

// FIFOPolicy scores a (task, resource) pair by the task's submission
// order (earlier scores higher), with ties broken on resource index for
// determinism across equivalent resources. The scheduler compares vectors
// only across the resources for one task, so the order term is the same
// for every candidate and does not decide which ready task is dispatched
// first.
type FIFOPolicy struct{}

func (FIFOPolicy) Name() string { return "FIFO" }
func (FIFOPolicy) ScoreVector(t *datamodel.Task, r *resource.Resource, ctx Context) []float64 {
	return []float64{fifoScore(ctx.SubmissionOrder[t.Id]), -float64(ctx.ResourceIndex[r.Name])}
}

// LIFOPolicy scores a (task, resource) pair by the task's submission
// order (later scores higher), with ties broken on resource index. As with
// FIFOPolicy, the order term does not decide which ready task is
// dispatched first.
type LIFOPolicy struct{}

func (LIFOPolicy) Name() string { return "LIFO" }
func (LIFOPolicy) ScoreVector(t *datamodel.Task, r *resource.Resource, ctx Context) []float64 {
	return []float64{lifoScore(ctx.SubmissionOrder[t.Id]), -float64(ctx.ResourceIndex[r.Name])}
}

// DataLocalityPolicy (selector name FIFODataLocation) favors the
// resource already holding the most input bytes; ties break FIFO.
type DataLocalityPolicy struct{}

func (DataLocalityPolicy) Name() string { return "FIFODataLocation" }
func (DataLocalityPolicy) ScoreVector(t *datamodel.Task, r *resource.Resource, ctx Context) []float64 {
	resident := float64(0)
	if ctx.ResidentBytes != nil {
		resident = float64(ctx.ResidentBytes(r, t))
	}
	return append([]float64{resident}, FIFOPolicy{}.ScoreVector(t, r, ctx)...)
}

// LoadBalancingPolicy is the default: favors the least-loaded resource,
// tie-breaking on data locality then FIFO.
type LoadBalancingPolicy struct{}

func (LoadBalancingPolicy) Name() string { return "LoadBalancing" }
func (LoadBalancingPolicy) ScoreVector(t *datamodel.Task, r *resource.Resource, ctx Context) []float64 {
	loadScore := 1.0 / float64(1+r.Load())
	return append([]float64{loadScore}, DataLocalityPolicy{}.ScoreVector(t, r, ctx)...)
}

// BasePolicy is a minimal policy used when no useful ordering signal is
// available beyond arrival; equivalent to FIFO, exposed under its own
// selector name since the upward API lists "Base" as distinct.
type BasePolicy struct{ FIFOPolicy }

func (BasePolicy) Name() string { return "Base" }

// compareVectors returns >0 if a beats b, <0 if b beats a, 0 if tied
// through every compared element.
func compareVectors(a, b []float64) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] > b[i] {
			return 1
		}
		if a[i] < b[i] {
			return -1
		}
	}
	return 0
}

// registry of named constructors, populated at startup and validated
// against COMPSS_SCHEDULER once rather than loaded as a runtime plugin.
var registry = map[string]func() Policy{
	"FIFO":             func() Policy { return FIFOPolicy{} },
	"LIFO":             func() Policy { return LIFOPolicy{} },
	"FIFOData":         func() Policy { return DataLocalityPolicy{} },
	"FIFODataLocation": func() Policy { return DataLocalityPolicy{} },
	"LoadBalancing":    func() Policy { return LoadBalancingPolicy{} },
	"Base":             func() Policy { return BasePolicy{} },
}

// NewPolicy looks up a policy by its upward-API selector name. Unknown
// names are a startup error, not a runtime surprise.
func NewPolicy(name string) (Policy, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}
