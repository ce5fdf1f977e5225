package gossip

import (
	"context"

	"go.uber.org/zap"
)

// Handle is the single entry point for inbound messages. It never returns
// an error: every per-message failure is logged and absorbed.
func (m *Member) Handle(ctx context.Context, msg Message) {
	switch msg.Type() {
	case MsgTerminate:
		m.log.Info("received TERMINATE, marking self failed until it is disseminated")
		m.Leave()
		return
	case MsgCrash:
		m.log.Info("received CRASH")
		m.cfg.Crash()
		return
	}

	sender := msg.Sender()
	if sender.IsZero() {
		m.log.Debug("dropping message without sender", zap.Stringer("type", msg.Type()))
		return
	}

	switch msg.Type() {
	case MsgPing:
		m.reply(ctx, sender, MsgAck, m.Changes())

	case MsgAck:
		for _, e := range msg.Table() {
			m.merge(e)
		}
		// An ACK is proof that its sender is alive.
		m.mergeActive(sender)
		m.offerReceived(sender)
		m.countAck()

	case MsgJoin:
		if sender == m.self {
			return
		}
		m.admit(sender)
		m.reply(ctx, sender, MsgJoinAck, m.members.Entries())

	case MsgJoinAck:
		m.bootstrap(msg.Table())
		m.offerReceived(sender)
		m.joinOnce.Do(func() { close(m.joined) })

	default:
		m.log.Debug("dropping message of unknown type", zap.Uint8("type", uint8(msg.Type())))
	}
}

func (m *Member) reply(ctx context.Context, to Id, typ MsgType, table []Entry) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PingPeriod)
	defer cancel()
	if err := m.tr.Send(ctx, to, NewMessage(m.self, typ, table)); err != nil {
		m.log.Warn("reply failed", zap.Stringer("member", to), zap.Stringer("type", typ), zap.Error(err))
	}
}

// offerReceived never blocks; a full queue only costs a spurious suspicion.
func (m *Member) offerReceived(id Id) {
	select {
	case m.received <- id:
	default:
		m.log.Debug("received queue full", zap.Stringer("member", id))
	}
}
