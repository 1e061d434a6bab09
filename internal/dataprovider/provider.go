// Package dataprovider implements the DataInfoProvider: it versions
// every access to a logical datum and hands back the DataAccessId the
// TaskAnalyser consumes. All state here is touched only from the
// AccessProcessor's single dispatch goroutine, so it carries no locks of
// its own.
package dataprovider

import (
	"github.com/alexbarcelo/compss/internal/datamodel"
	"github.com/alexbarcelo/compss/internal/errkind"
)

type dataRecord struct {
	currentVersion datamodel.Version
	readers        map[datamodel.Version]int
	written        bool
}

// Provider is the DataInfoProvider. Not safe for concurrent use; callers
// must serialize through the AccessProcessor dispatch loop.
type Provider struct {
	data map[datamodel.DataId]*dataRecord
	// evictable reports instances whose reader count has dropped to zero
	// and whose version is no longer current; the garbage collector
	// drains this to decide what to reclaim.
	evictable []datamodel.DataInstanceId
	// pendingDelete holds ids whose delete was requested while readers
	// of the current version remained outstanding.
	pendingDelete map[datamodel.DataId]bool
}

func New() *Provider {
	return &Provider{
		data:          make(map[datamodel.DataId]*dataRecord),
		pendingDelete: make(map[datamodel.DataId]bool),
	}
}

// RequestDelete asks the provider to forget id. If the current version
// still has live readers the delete is deferred until ReleaseReader
// drains them to zero; ready reports whether it happened immediately.
func (p *Provider) RequestDelete(id datamodel.DataId) (ready bool) {
	rec, ok := p.data[id]
	if !ok {
		return true
	}
	if rec.readers[rec.currentVersion] > 0 {
		p.pendingDelete[id] = true
		return false
	}
	delete(p.data, id)
	delete(p.pendingDelete, id)
	return true
}

// RegisterData marks a logical id that has never been written as an
// R-compatible version 1 and returns its current instance; an id that is
// already written keeps its current version. No location is recorded here.
func (p *Provider) RegisterData(id datamodel.DataId) datamodel.DataInstanceId {
	rec := p.recordFor(id)
	if !rec.written {
		rec.currentVersion = 1
		rec.written = true
	}
	return datamodel.DataInstanceId{Id: id, Version: rec.currentVersion}
}

func (p *Provider) recordFor(id datamodel.DataId) *dataRecord {
	rec, ok := p.data[id]
	if !ok {
		rec = &dataRecord{readers: make(map[datamodel.Version]int)}
		p.data[id] = rec
	}
	return rec
}

// Access resolves one declared access into a DataAccessId, per spec
// section 4.2. Returns errkind.DataNotFound for an R on an unwritten id.
func (p *Provider) Access(id datamodel.DataId, dir datamodel.AccessDirection) (datamodel.DataAccessId, error) {
	rec := p.recordFor(id)

	switch dir {
	case datamodel.DirR:
		if !rec.written {
			return datamodel.DataAccessId{}, errkind.New(errkind.DataNotFound, "read of unwritten logical id").WithField("id", string(id))
		}
		inst := datamodel.DataInstanceId{Id: id, Version: rec.currentVersion}
		rec.readers[rec.currentVersion]++
		return datamodel.NewRead(inst), nil

	case datamodel.DirW:
		prevVersion := rec.currentVersion
		rec.currentVersion++
		rec.written = true
		newInst := datamodel.DataInstanceId{Id: id, Version: rec.currentVersion}
		p.maybeEvict(id, rec, prevVersion)
		return datamodel.NewWrite(newInst), nil

	case datamodel.DirRW:
		readVersion := rec.currentVersion
		readInst := datamodel.DataInstanceId{Id: id, Version: readVersion}
		preserveSource := rec.readers[readVersion] > 0
		rec.readers[readVersion]++
		rec.currentVersion++
		rec.written = true
		writeInst := datamodel.DataInstanceId{Id: id, Version: rec.currentVersion}
		return datamodel.NewReadWrite(readInst, writeInst, preserveSource), nil

	default:
		return datamodel.DataAccessId{}, errkind.New(errkind.LocationInvalid, "unknown access direction")
	}
}

// ReleaseReader decrements the reader count for inst, called when a task
// holding an R or RW-read access on it completes. It may make inst
// evictable.
func (p *Provider) ReleaseReader(inst datamodel.DataInstanceId) {
	rec, ok := p.data[inst.Id]
	if !ok {
		return
	}
	if n := rec.readers[inst.Version]; n > 0 {
		rec.readers[inst.Version] = n - 1
		if n-1 == 0 && inst.Version != rec.currentVersion {
			p.evictable = append(p.evictable, inst)
		}
	}
	if p.pendingDelete[inst.Id] && rec.readers[rec.currentVersion] == 0 {
		delete(p.data, inst.Id)
		delete(p.pendingDelete, inst.Id)
	}
}

func (p *Provider) maybeEvict(id datamodel.DataId, rec *dataRecord, prevVersion datamodel.Version) {
	if prevVersion == 0 {
		return
	}
	if rec.readers[prevVersion] == 0 {
		p.evictable = append(p.evictable, datamodel.DataInstanceId{Id: id, Version: prevVersion})
	}
}

// DrainEvictable returns and clears the instances that became garbage
// since the last call; the version GC consumes this.
func (p *Provider) DrainEvictable() []datamodel.DataInstanceId {
	out := p.evictable
	p.evictable = nil
	return out
}

// CurrentVersion reports the live version count for id (number of W/RW
// accesses applied, plus one if RegisterData created its first version),
// for invariant testing.
func (p *Provider) CurrentVersion(id datamodel.DataId) datamodel.Version {
	rec, ok := p.data[id]
	if !ok {
		return 0
	}
	return rec.currentVersion
}

// ReaderCount reports live readers on inst, for invariant testing.
func (p *Provider) ReaderCount(inst datamodel.DataInstanceId) int {
	rec, ok := p.data[inst.Id]
	if !ok {
		return 0
	}
	return rec.readers[inst.Version]
}
