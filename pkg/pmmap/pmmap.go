// Package pmmap implements the LSM engine's volatile in-memory index
// (pm_map): a hashed-key to live-record map consulted by
// select/insert/update/remove and drained by merge.
//
// pm_map has no ordering requirement — select/insert/update/remove only
// ever look a single key up or drain the whole map during merge, so a
// sync.RWMutex-guarded Go map is the right fit here rather than reaching
// for pkg/btree the way the on-disk indices do (see DESIGN.md).
package pmmap

import (
	"sync"

	"github.com/bobboyms/storage-engine/pkg/record"
)

// Map is a thread-safe key(uint64)->*record.Record table.
type Map struct {
	mu   sync.RWMutex
	data map[uint64]*record.Record
}

func New() *Map {
	return &Map{data: make(map[uint64]*record.Record)}
}

func (m *Map) Get(key uint64) (*record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	return rec, ok
}

func (m *Map) Exists(key uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok
}

func (m *Map) Set(key uint64, rec *record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = rec
}

func (m *Map) Delete(key uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Range calls fn for every (key, record) pair. fn must not call back into
// the map; Range holds the read lock for its whole traversal, matching the
// merge protocol's expectation of a stable snapshot of pm_map while it walks
// it.
func (m *Map) Range(fn func(key uint64, rec *record.Record)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.data {
		fn(k, v)
	}
}

// Clear drains the map; called once per table after a merge completes.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[uint64]*record.Record)
}
