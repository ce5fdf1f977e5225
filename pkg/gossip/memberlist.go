package gossip

import (
	"sort"
	"sync"
	"time"
)

// table is a concurrency-safe map exposing only per-key atomic operations
// and a copying snapshot. Callers never iterate the live map.
type table[V any] struct {
	mu sync.RWMutex
	m  map[Id]V
}

func newTable[V any]() *table[V] {
	return &table[V]{m: make(map[Id]V)}
}

func (t *table[V]) Get(id Id) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.m[id]
	return v, ok
}

func (t *table[V]) Put(id Id, v V) {
	t.mu.Lock()
	t.m[id] = v
	t.mu.Unlock()
}

// PutIfAbsent stores v unless id is present. It reports whether v was stored.
func (t *table[V]) PutIfAbsent(id Id, v V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[id]; ok {
		return false
	}
	t.m[id] = v
	return true
}

// Remove deletes id and reports whether it was present.
func (t *table[V]) Remove(id Id) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[id]
	delete(t.m, id)
	return ok
}

func (t *table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

func (t *table[V]) Snapshot() map[Id]V {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Id]V, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// MembershipTable maps every known-live or joining member to its status.
// It never holds StatusFailed; failure is absence.
type MembershipTable struct{ *table[Status] }

func NewMembershipTable() *MembershipTable {
	return &MembershipTable{newTable[Status]()}
}

// Entries returns the table as gossip entries sorted by Id.
func (mt *MembershipTable) Entries() []Entry {
	return entriesOf(mt.Snapshot())
}

// SuspectTable records when each suspected member was first suspected.
type SuspectTable struct{ *table[time.Time] }

func NewSuspectTable() *SuspectTable {
	return &SuspectTable{newTable[time.Time]()}
}

func entriesOf(m map[Id]Status) []Entry {
	out := make([]Entry, 0, len(m))
	for id, st := range m {
		out = append(out, Entry{ID: id, Status: st})
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return lessId(es[i].ID, es[j].ID) })
}

func lessId(a, b Id) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}
