package telemetry

import "github.com/ryandielhenn/membership/pkg/gossip"

// Track keeps the transition counter and member gauges current for m.
func Track(m *gossip.Member) {
	refresh := func() {
		active, suspected := m.Counts()
		Members.WithLabelValues(gossip.StatusActive.String()).Set(float64(active))
		Members.WithLabelValues(gossip.StatusSuspected.String()).Set(float64(suspected))
	}
	refresh()
	m.Subscribe(func(ev gossip.Event) {
		Transitions.WithLabelValues(ev.Status.String()).Inc()
		refresh()
	})
}
