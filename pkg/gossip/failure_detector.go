package gossip

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Run drives the prober: each ping period it sweeps the previous round and
// probes a new one. It returns nil once a voluntary leave has been
// disseminated, ErrLeaveTimeout if that takes longer than LeaveTimeout, or
// ctx's error when cancelled.
func (m *Member) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()

	leaving := m.leaving
	var deadline <-chan time.Time
	var leaveTimer *time.Timer
	defer func() {
		if leaveTimer != nil {
			leaveTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return nil
		case <-leaving:
			leaving = nil
			leaveTimer = time.NewTimer(m.cfg.LeaveTimeout)
			deadline = leaveTimer.C
		case <-deadline:
			m.log.Warn("leave deadline passed before dissemination finished",
				zap.Duration("timeout", m.cfg.LeaveTimeout))
			return ErrLeaveTimeout
		case <-ticker.C:
			m.sweep(m.now())
			m.probe(ctx)
		}
	}
}

// sweep suspects every active peer probed last round that did not answer,
// then fails every suspect older than SuspectTimeout.
func (m *Member) sweep(now time.Time) {
	responded := m.drainReceived()
	for _, id := range m.probed {
		if _, ok := responded[id]; ok {
			continue
		}
		if st, ok := m.members.Get(id); ok && st == StatusActive {
			m.log.Debug("no ACK within the probe period", zap.Stringer("member", id))
			m.mergeSuspected(id)
		}
	}
	m.probed = nil

	for id, since := range m.suspects.Snapshot() {
		if now.Sub(since) > m.cfg.SuspectTimeout {
			m.failIfStale(id, now)
		}
	}
}

func (m *Member) drainReceived() map[Id]struct{} {
	out := make(map[Id]struct{})
	for {
		select {
		case id := <-m.received:
			out[id] = struct{}{}
		default:
			return out
		}
	}
}

// probe pings this round's targets concurrently. A failed send is left for
// the next sweep to treat as a missing ACK.
func (m *Member) probe(ctx context.Context) {
	targets := m.pickTargets()
	m.probed = targets
	if len(targets) == 0 {
		return
	}

	ping := NewMessage(m.self, MsgPing, nil)
	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, m.cfg.PingPeriod)
			defer cancel()
			if err := m.tr.Send(ctx, id, ping); err != nil {
				m.log.Debug("ping failed", zap.Stringer("member", id), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// pickTargets draws up to Fanout peers uniformly without replacement from
// the active and suspected members, never self.
func (m *Member) pickTargets() []Id {
	var peers []Id
	for id, st := range m.members.Snapshot() {
		if id == m.self {
			continue
		}
		if st == StatusActive || st == StatusSuspected {
			peers = append(peers, id)
		}
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if m.cfg.Fanout > 0 && len(peers) > m.cfg.Fanout {
		peers = peers[:m.cfg.Fanout]
	}
	return peers
}
