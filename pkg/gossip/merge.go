package gossip

import (
	"time"

	"go.uber.org/zap"
)

// merge routes one gossip entry to the matching merge rule.
func (m *Member) merge(e Entry) {
	switch e.Status {
	case StatusActive:
		m.mergeActive(e.ID)
	case StatusSuspected:
		m.mergeSuspected(e.ID)
	case StatusFailed:
		m.mergeFailed(e.ID)
	case StatusJoin:
		m.mergeJoin(e.ID)
	default:
		m.log.Debug("ignoring entry with unknown status",
			zap.Stringer("member", e.ID), zap.Uint8("status", uint8(e.Status)))
	}
}

// mergeActive clears a suspicion. It never brings back a member that is
// absent; a failed member has to join again.
func (m *Member) mergeActive(id Id) {
	m.commit(func() []Event {
		prev, ok := m.members.Get(id)
		switch {
		case ok && prev == StatusActive:
			return nil
		case ok && prev == StatusSuspected:
			m.log.Info("member is ACTIVE again", zap.Stringer("member", id))
			m.members.Put(id, StatusActive)
			m.changes.Put(id, StatusActive)
			m.suspects.Remove(id)
			return []Event{{ID: id, Status: StatusActive, At: m.now()}}
		case ok:
			m.log.Debug("unexpected transition to ACTIVE",
				zap.Stringer("member", id), zap.Stringer("from", prev))
		default:
			m.log.Debug("unexpected transition to ACTIVE for unknown member", zap.Stringer("member", id))
		}
		return nil
	})
}

// mergeSuspected moves an active peer to SUSPECTED. The first suspicion time
// is kept. A report about ourselves is answered with an ACTIVE change instead.
func (m *Member) mergeSuspected(id Id) {
	m.commit(func() []Event {
		if id == m.self {
			if !m.stopping.Load() {
				m.log.Debug("refuting suspicion of self")
				m.changes.Put(id, StatusActive)
			}
			return nil
		}
		prev, ok := m.members.Get(id)
		switch {
		case ok && prev == StatusActive:
			m.log.Info("member is SUSPECTED", zap.Stringer("member", id))
			m.members.Put(id, StatusSuspected)
			m.changes.Put(id, StatusSuspected)
			now := m.now()
			m.suspects.PutIfAbsent(id, now)
			return []Event{{ID: id, Status: StatusSuspected, At: now}}
		case ok && prev != StatusSuspected:
			m.log.Debug("unexpected transition to SUSPECTED",
				zap.Stringer("member", id), zap.Stringer("from", prev))
		}
		return nil
	})
}

// mergeFailed removes a member and leaves a FAILED tombstone in the change
// table. Reports of our own failure are false positives.
func (m *Member) mergeFailed(id Id) {
	m.commit(func() []Event {
		if id == m.self {
			m.log.Info("false positive failure report for self")
			return nil
		}
		return m.removeLocked(id)
	})
}

// failIfStale fails id only if it is still SUSPECTED and its suspicion is
// older than SuspectTimeout at now. An ACK that cleared the suspicion after
// the sweep looked at the suspect table wins.
func (m *Member) failIfStale(id Id, now time.Time) {
	m.commit(func() []Event {
		if st, ok := m.members.Get(id); !ok || st != StatusSuspected {
			return nil
		}
		since, ok := m.suspects.Get(id)
		if !ok || now.Sub(since) <= m.cfg.SuspectTimeout {
			return nil
		}
		m.log.Debug("suspicion timed out",
			zap.Stringer("member", id), zap.Duration("suspected_for", now.Sub(since)))
		return m.removeLocked(id)
	})
}

// removeLocked must run under the transition lock.
func (m *Member) removeLocked(id Id) []Event {
	if !m.members.Remove(id) {
		return nil
	}
	m.suspects.Remove(id)
	m.changes.Put(id, StatusFailed)
	m.log.Info("member is considered FAILED", zap.Stringer("member", id))
	return []Event{{ID: id, Status: StatusFailed, At: m.now()}}
}

// mergeJoin adds a newly joined member without overwriting what we know.
func (m *Member) mergeJoin(id Id) {
	m.commit(func() []Event {
		if id == m.self && m.stopping.Load() {
			return nil
		}
		if !m.members.PutIfAbsent(id, StatusActive) {
			return nil
		}
		m.log.Info("member joined", zap.Stringer("member", id))
		return []Event{{ID: id, Status: StatusActive, At: m.now()}}
	})
}

// admit records a JOIN received from id and queues the JOIN for gossip.
func (m *Member) admit(id Id) {
	m.commit(func() []Event {
		prev, ok := m.members.Get(id)
		m.members.Put(id, StatusActive)
		m.suspects.Remove(id)
		m.changes.Put(id, StatusJoin)
		m.log.Info("member joins the group", zap.Stringer("member", id))
		if ok && prev == StatusActive {
			return nil
		}
		return []Event{{ID: id, Status: StatusActive, At: m.now()}}
	})
}

// bootstrap overwrites local state with the full table in a JOIN_ACK.
func (m *Member) bootstrap(entries []Entry) {
	m.commit(func() []Event {
		var evs []Event
		now := m.now()
		stopping := m.stopping.Load()
		for _, e := range entries {
			if e.ID == m.self {
				// We are the authority on our own liveness.
				if stopping {
					continue
				}
				e.Status = StatusActive
			}
			prev, known := m.members.Get(e.ID)
			switch e.Status {
			case StatusActive, StatusJoin:
				m.members.Put(e.ID, StatusActive)
				m.suspects.Remove(e.ID)
				if !known || prev != StatusActive {
					evs = append(evs, Event{ID: e.ID, Status: StatusActive, At: now})
				}
			case StatusSuspected:
				m.members.Put(e.ID, StatusSuspected)
				m.suspects.PutIfAbsent(e.ID, now)
				if !known || prev != StatusSuspected {
					evs = append(evs, Event{ID: e.ID, Status: StatusSuspected, At: now})
				}
			case StatusFailed:
				if m.members.Remove(e.ID) {
					m.suspects.Remove(e.ID)
					evs = append(evs, Event{ID: e.ID, Status: StatusFailed, At: now})
				}
			default:
				m.log.Debug("ignoring bootstrap entry with unknown status", zap.Stringer("member", e.ID))
				continue
			}
			if !known || prev != e.Status {
				m.log.Info("bootstrap member status",
					zap.Stringer("member", e.ID), zap.Stringer("status", e.Status))
			}
		}
		if !stopping && m.members.PutIfAbsent(m.self, StatusActive) {
			evs = append(evs, Event{ID: m.self, Status: StatusActive, At: now})
		}
		return evs
	})
}
