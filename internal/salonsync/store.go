package salonsync

import (
	"context"
	"sort"
	"sync"
)

// StoredRecord is one value held by a DurableStore.
type StoredRecord struct {
	ID    string
	Value []byte
}

// DurableStore is a set of named record stores that survive restarts.
//
// GetAll returns records in insertion order. Put on an existing id deletes the
// old record and inserts the new one at the tail. Delete of a missing id is not
// an error. Each call is applied atomically.
type DurableStore interface {
	Get(ctx context.Context, store, id string) ([]byte, bool, error)
	Put(ctx context.Context, store, id string, value []byte) error
	Delete(ctx context.Context, store, id string) error
	GetAll(ctx context.Context, store string) ([]StoredRecord, error)
	Close() error
}

// MemoryStore is a DurableStore that lives only as long as the process. It is
// the "memory" queue driver and the store used by most tests.
type MemoryStore struct {
	mu     sync.Mutex
	seq    uint64
	stores map[string]map[string]memRecord
	closed bool
}

type memRecord struct {
	seq   uint64
	value []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stores: map[string]map[string]memRecord{}}
}

func (m *MemoryStore) Get(_ context.Context, store, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	rec, ok := m.stores[store][id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), rec.value...), true, nil
}

func (m *MemoryStore) Put(_ context.Context, store, id string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	s, ok := m.stores[store]
	if !ok {
		s = map[string]memRecord{}
		m.stores[store] = s
	}
	m.seq++
	s[id] = memRecord{seq: m.seq, value: append([]byte(nil), value...)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, store, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.stores[store], id)
	return nil
}

func (m *MemoryStore) GetAll(_ context.Context, store string) ([]StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	type item struct {
		seq uint64
		rec StoredRecord
	}
	items := make([]item, 0, len(m.stores[store]))
	for id, r := range m.stores[store] {
		items = append(items, item{seq: r.seq, rec: StoredRecord{ID: id, Value: append([]byte(nil), r.value...)}})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]StoredRecord, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
