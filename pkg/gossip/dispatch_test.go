package gossip

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPingRepliesWithChangeTable(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB, peerC)
	m.mergeSuspected(peerC)

	m.Handle(context.Background(), NewMessage(peerB, MsgPing, nil))

	acks := tr.SentOfType(MsgAck)
	require.Len(t, acks, 1)
	assert.Equal(t, peerB, acks[0].to)
	assert.Equal(t, self, acks[0].msg.Sender())
	assert.Equal(t, []Entry{{ID: peerC, Status: StatusSuspected}}, acks[0].msg.Table())
}

func TestAckMergesTableAndSender(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC, peerD)
	m.mergeSuspected(peerB)

	m.Handle(context.Background(), ack(peerB,
		Entry{ID: peerC, Status: StatusSuspected},
		Entry{ID: peerD, Status: StatusFailed},
		Entry{ID: Id{Host: "10.0.0.9", Port: 7000}, Status: StatusJoin},
	))

	assert.Equal(t, []Entry{
		{ID: Id{Host: "10.0.0.9", Port: 7000}, Status: StatusActive},
		{ID: self, Status: StatusActive},
		{ID: peerB, Status: StatusActive},
		{ID: peerC, Status: StatusSuspected},
	}, m.Members())
	assert.Contains(t, m.drainReceived(), peerB)
	requireBijection(t, m)
}

func TestJoinRepliesWithFullMembershipTable(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk)

	m.Handle(context.Background(), NewMessage(peerB, MsgJoin, nil))

	acks := tr.SentOfType(MsgJoinAck)
	require.Len(t, acks, 1)
	assert.Equal(t, peerB, acks[0].to)
	assert.Equal(t, []Entry{
		{ID: self, Status: StatusActive},
		{ID: peerB, Status: StatusActive},
	}, acks[0].msg.Table())
	assert.Contains(t, m.Changes(), Entry{ID: peerB, Status: StatusJoin})
}

func TestRejoinClearsSuspicion(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB)
	m.mergeSuspected(peerB)

	m.Handle(context.Background(), NewMessage(peerB, MsgJoin, nil))

	st, _ := m.Status(peerB)
	assert.Equal(t, StatusActive, st)
	requireBijection(t, m)
}

func TestJoinAckBootstrapsJoiner(t *testing.T) {
	clk := newTestClock()
	intro := peerB
	tr := &fakeTransport{}
	m, err := New(Config{Self: self, Introducer: &intro, Now: clk.Now}, tr)
	require.NoError(t, err)

	m.Handle(context.Background(), NewMessage(peerB, MsgJoinAck, []Entry{
		{ID: peerB, Status: StatusActive},
		{ID: peerC, Status: StatusActive},
		{ID: self, Status: StatusActive},
	}))

	assert.Equal(t, []Entry{
		{ID: self, Status: StatusActive},
		{ID: peerB, Status: StatusActive},
		{ID: peerC, Status: StatusActive},
	}, m.Members())
	assert.Contains(t, m.drainReceived(), peerB)
	select {
	case <-m.Joined():
	default:
		t.Fatal("Joined not closed after JOIN_ACK")
	}
}

func TestSelfSuspicionIsRefutedInChanges(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB)

	m.Handle(context.Background(), ack(peerB, Entry{ID: self, Status: StatusSuspected}))
	m.Handle(context.Background(), NewMessage(peerB, MsgPing, nil))

	acks := tr.SentOfType(MsgAck)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0].msg.Table(), Entry{ID: self, Status: StatusActive})
	st, _ := m.Status(self)
	assert.Equal(t, StatusActive, st)
}

func TestTerminateCountsDownAcks(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB, peerC)

	// ACKs before the leave do not count.
	m.Handle(context.Background(), ack(peerB))
	m.Handle(context.Background(), NewMessage(Id{}, MsgTerminate, nil))

	_, ok := m.Status(self)
	require.False(t, ok)
	require.True(t, m.Stopping())

	for i := range DefaultLeaveRounds {
		select {
		case <-m.Done():
			t.Fatalf("stopped after %d acks", i)
		default:
		}
		m.Handle(context.Background(), ack(peerB, Entry{ID: self, Status: StatusActive}))
	}
	select {
	case <-m.Done():
	default:
		t.Fatal("not stopped after the leave countdown")
	}

	// Still answering so the tombstone keeps spreading.
	m.Handle(context.Background(), NewMessage(peerC, MsgPing, nil))
	acks := tr.SentOfType(MsgAck)
	require.Len(t, acks, 1)
	assert.Contains(t, acks[0].msg.Table(), Entry{ID: self, Status: StatusFailed})
}

func TestCrashInvokesHook(t *testing.T) {
	crashed := make(chan struct{}, 1)
	m, err := New(Config{Self: self, Crash: func() { crashed <- struct{}{} }}, &fakeTransport{})
	require.NoError(t, err)
	m.members.Put(peerB, StatusActive)

	m.Handle(context.Background(), NewMessage(Id{}, MsgCrash, nil))

	select {
	case <-crashed:
	default:
		t.Fatal("CRASH did not reach the crash hook")
	}
	assert.Empty(t, m.Changes(), "CRASH must not disseminate anything")
}

func TestMessagesWithoutSenderAreDropped(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB)

	m.Handle(context.Background(), NewMessage(Id{}, MsgPing, nil))
	m.Handle(context.Background(), NewMessage(Id{}, MsgJoin, nil))

	assert.Empty(t, tr.Sent())
	assert.Len(t, m.Members(), 2)
}
