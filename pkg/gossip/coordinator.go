package gossip

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Join sends JOIN to the introducer until a JOIN_ACK has been applied or
// the attempts run out. The transport must already be delivering inbound
// messages to Handle. Introducers return immediately.
func (m *Member) Join(ctx context.Context) error {
	if m.cfg.Introducer == nil {
		return nil
	}
	intro := *m.cfg.Introducer
	join := NewMessage(m.self, MsgJoin, nil)

	for attempt := 1; attempt <= m.cfg.JoinAttempts; attempt++ {
		wait, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
		if err := m.tr.Send(wait, intro, join); err != nil {
			m.log.Warn("sending JOIN failed",
				zap.Stringer("introducer", intro), zap.Int("attempt", attempt), zap.Error(err))
		}
		select {
		case <-m.joined:
			cancel()
			m.log.Info("joined the group", zap.Stringer("introducer", intro), zap.Int("members", m.members.Len()))
			return nil
		case <-wait.Done():
		}
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}
		m.log.Debug("no JOIN_ACK yet", zap.Stringer("introducer", intro), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: no JOIN_ACK from %s after %d attempts", ErrJoinFailed, intro, m.cfg.JoinAttempts)
}

// Leave starts a voluntary leave: self is removed and a FAILED tombstone is
// gossiped. The member keeps probing until LeaveRounds more ACKs arrive,
// or stops at once if it knows no peers. Calling Leave again has no effect.
func (m *Member) Leave() {
	m.leaveOnce.Do(func() {
		m.commit(func() []Event {
			m.stopping.Store(true)
			m.members.Remove(m.self)
			m.suspects.Remove(m.self)
			m.changes.Put(m.self, StatusFailed)
			return []Event{{ID: m.self, Status: StatusFailed, At: m.now()}}
		})
		close(m.leaving)
		if m.members.Len() == 0 {
			m.log.Info("leaving the group with no peers to tell")
			m.finish()
			return
		}
		m.log.Info("leaving the group", zap.Int32("acks_to_wait", m.countdown.Load()))
	})
}

// countAck counts down the leave once stopping.
func (m *Member) countAck() {
	if !m.stopping.Load() {
		return
	}
	left := m.countdown.Add(-1)
	switch {
	case left == 0:
		m.log.Info("leave disseminated, stopping")
		m.finish()
	case left > 0:
		m.log.Debug("leave in progress", zap.Int32("acks_to_wait", left))
	}
}

func (m *Member) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}
