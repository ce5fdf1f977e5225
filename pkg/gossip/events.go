package gossip

import "time"

// Event reports a committed membership change. Status is the member's new
// state; StatusFailed means it was removed from the table.
type Event struct {
	ID     Id
	Status Status
	At     time.Time
}

// Subscribe registers fn for every future event. fn runs on the goroutine
// that made the change, after table locks are released, and must not block.
func (m *Member) Subscribe(fn func(Event)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Member) emit(evs []Event) {
	if len(evs) == 0 {
		return
	}
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, ev := range evs {
		for _, fn := range obs {
			fn(ev)
		}
	}
}

// commit runs fn under the transition lock and publishes what it returns.
func (m *Member) commit(fn func() []Event) {
	m.transition.Lock()
	evs := fn()
	m.transition.Unlock()
	m.emit(evs)
}
