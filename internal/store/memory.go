package store

import (
	"context"
	"sync"
	"time"
)

// MemoryMembership is an in-memory MembershipStorage, safe for
// concurrent use. It is the default store for tests and for running a
// single-node cluster without external dependencies.
type MemoryMembership struct {
	mu        sync.RWMutex
	members   map[string]MemberEntry
	failures  map[string][]time.Time
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{
		members:  make(map[string]MemberEntry),
		failures: make(map[string][]time.Time),
	}
}

func (m *MemoryMembership) Upsert(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[address] = MemberEntry{Address: address, LastSeen: time.Now(), Active: true}
	return nil
}

func (m *MemoryMembership) SetActive(_ context.Context, address string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.members[address]
	if !ok {
		e = MemberEntry{Address: address}
	}
	e.Active = active
	m.members[address] = e
	return nil
}

func (m *MemoryMembership) ListActive(ctx context.Context) ([]MemberEntry, error) {
	all, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MemberEntry, 0, len(all))
	for _, e := range all {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryMembership) ListAll(_ context.Context) ([]MemberEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemberEntry, 0, len(m.members))
	for _, e := range m.members {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryMembership) RecordFailure(_ context.Context, address string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[address] = append(m.failures[address], at)
	return nil
}

func (m *MemoryMembership) CountFailuresSince(_ context.Context, address string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.failures[address] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryMembership) ClearFailures(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, address)
	return nil
}

// MemoryPlacement is an in-memory PlacementStorage, safe for concurrent
// use. CAS semantics are implemented with the store's own mutex, which
// is sufficient because all instances of this type live within a single
// Go process (cross-process deployments use the SQL adapter instead).
type MemoryPlacement struct {
	mu      sync.Mutex
	entries map[placementKey]PlacementEntry
}

type placementKey struct{ typeName, objectID string }

func NewMemoryPlacement() *MemoryPlacement {
	return &MemoryPlacement{entries: make(map[placementKey]PlacementEntry)}
}

func (p *MemoryPlacement) Get(_ context.Context, typeName, objectID string) (PlacementEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[placementKey{typeName, objectID}]
	if !ok {
		return PlacementEntry{}, ErrNotFound
	}
	return e, nil
}

func (p *MemoryPlacement) CASInsertIfAbsent(_ context.Context, typeName, objectID, address string) (PlacementEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := placementKey{typeName, objectID}
	if existing, ok := p.entries[key]; ok {
		return existing, nil
	}
	e := PlacementEntry{TypeName: typeName, ObjectID: objectID, ServerAddress: address}
	p.entries[key] = e
	return e, nil
}

func (p *MemoryPlacement) Remove(_ context.Context, typeName, objectID, expectedAddress string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := placementKey{typeName, objectID}
	e, ok := p.entries[key]
	if !ok {
		return ErrNotFound
	}
	if e.ServerAddress != expectedAddress {
		return ErrConflict
	}
	delete(p.entries, key)
	return nil
}

func (p *MemoryPlacement) RemoveByAddress(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.entries {
		if e.ServerAddress == address {
			delete(p.entries, k)
		}
	}
	return nil
}

func (p *MemoryPlacement) All(_ context.Context) ([]PlacementEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlacementEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out, nil
}

// MemoryState is an in-memory StateStorage, safe for concurrent use.
type MemoryState struct {
	mu   sync.RWMutex
	data map[stateKey][]byte
}

type stateKey struct{ typeName, objectID, stateName string }

func NewMemoryState() *MemoryState {
	return &MemoryState{data: make(map[stateKey][]byte)}
}

func (s *MemoryState) Load(_ context.Context, typeName, objectID, stateName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[stateKey{typeName, objectID, stateName}]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryState) Save(_ context.Context, typeName, objectID, stateName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.data[stateKey{typeName, objectID, stateName}] = cp
	return nil
}

func (s *MemoryState) Delete(_ context.Context, typeName, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if k.typeName == typeName && k.objectID == objectID {
			delete(s.data, k)
		}
	}
	return nil
}
