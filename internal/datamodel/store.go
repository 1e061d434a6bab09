package datamodel

import "sync"

// Store is the LogicalData store: per-DataInstanceId physical replicas,
// pending transfers, and persistent-object bindings. Mutated from the
// AccessProcessor thread and from transfer-completion callbacks, so
// (unlike dataprovider.Provider) it carries its own lock; reads
// dominate writes.
type Store struct {
	mu   sync.RWMutex
	data map[DataInstanceId]*LogicalData
}

func NewStore() *Store {
	return &Store{data: make(map[DataInstanceId]*LogicalData)}
}

func (s *Store) GetOrCreate(inst DataInstanceId) *LogicalData {
	s.mu.Lock()
	defer s.mu.Unlock()
	ld, ok := s.data[inst]
	if !ok {
		ld = NewLogicalData(inst)
		s.data[inst] = ld
	}
	return ld
}

func (s *Store) Get(inst DataInstanceId) (*LogicalData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ld, ok := s.data[inst]
	return ld, ok
}

func (s *Store) AddLocation(inst DataInstanceId, loc DataLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ld, ok := s.data[inst]
	if !ok {
		ld = NewLogicalData(inst)
		s.data[inst] = ld
	}
	ld.AddLocation(loc)
}

func (s *Store) Delete(inst DataInstanceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, inst)
}

// Evictable reports the DataInstanceIds tracked here that are also in
// the given set of garbage instances, so the GC only touches what both
// the provider says is dead and the store actually holds replicas for.
func (s *Store) Evictable(candidates []DataInstanceId) []DataInstanceId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DataInstanceId, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := s.data[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
