package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbePingsEveryPeerWithoutTable(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB, peerC, peerD)

	m.probe(context.Background())

	pings := tr.SentOfType(MsgPing)
	require.Len(t, pings, 3)
	targets := map[Id]bool{}
	for _, s := range pings {
		targets[s.to] = true
		assert.Equal(t, self, s.msg.Sender())
		assert.Zero(t, s.msg.Len(), "PING must not carry a table")
	}
	assert.Equal(t, map[Id]bool{peerB: true, peerC: true, peerD: true}, targets)
}

func TestProbeRespectsFanout(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB, peerC, peerD)
	m.cfg.Fanout = 2

	for range 20 {
		tr.Reset()
		m.probe(context.Background())
		pings := tr.SentOfType(MsgPing)
		require.Len(t, pings, 2)
		assert.NotEqual(t, pings[0].to, pings[1].to, "targets drawn with replacement")
		for _, p := range pings {
			assert.NotEqual(t, self, p.to)
		}
	}
}

func TestProbeIncludesSuspects(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB)
	m.mergeSuspected(peerB)

	m.probe(context.Background())

	require.Len(t, tr.SentOfType(MsgPing), 1)
}

func TestProbeAloneSendsNothing(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk)

	m.probe(context.Background())
	m.sweep(clk.Now())

	assert.Empty(t, tr.Sent())
}

func TestSweepSuspectsSilentPeers(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC)

	m.probe(context.Background())
	m.Handle(context.Background(), ack(peerB))
	clk.Advance(100 * time.Millisecond)
	m.sweep(clk.Now())

	st, _ := m.Status(peerB)
	assert.Equal(t, StatusActive, st)
	st, _ = m.Status(peerC)
	assert.Equal(t, StatusSuspected, st)
	assert.Equal(t, clk.Now(), m.Suspects()[peerC])
	requireBijection(t, m)
}

func TestSweepIgnoresPeersNotProbed(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB)

	m.sweep(clk.Now())

	st, _ := m.Status(peerB)
	assert.Equal(t, StatusActive, st)
}

func TestFailedSendFeedsSuspicion(t *testing.T) {
	clk := newTestClock()
	m, tr := newTestMember(t, clk, peerB)
	tr.onSend = func(Id, Message) error { return errUnreachable }

	m.probe(context.Background())
	m.sweep(clk.Now())

	st, _ := m.Status(peerB)
	assert.Equal(t, StatusSuspected, st)
}

func TestSuspicionTimesOutIntoFailure(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC)
	m.mergeSuspected(peerB)

	clk.Advance(m.cfg.SuspectTimeout)
	m.sweep(clk.Now())
	_, ok := m.Status(peerB)
	require.True(t, ok, "failed at exactly the suspect timeout")

	clk.Advance(time.Millisecond)
	m.sweep(clk.Now())
	_, ok = m.Status(peerB)
	assert.False(t, ok, "suspect older than the timeout survived a sweep")
	assert.Empty(t, m.Suspects())
	assert.Contains(t, m.Changes(), Entry{ID: peerB, Status: StatusFailed})

	st, _ := m.Status(peerC)
	assert.Equal(t, StatusActive, st)
}

func TestSuspectTimeoutIgnoresOtherTraffic(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC)
	m.mergeSuspected(peerB)

	// Gossip keeps reporting B as suspected; the first timestamp still wins.
	for range 5 {
		clk.Advance(300 * time.Millisecond)
		m.Handle(context.Background(), ack(peerC, Entry{ID: peerB, Status: StatusSuspected}))
	}
	m.sweep(clk.Now())

	_, ok := m.Status(peerB)
	assert.False(t, ok)
}

func TestReplyWhileSuspectedRestoresActive(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB)
	m.probe(context.Background())
	m.sweep(clk.Now())
	require.Contains(t, m.Suspects(), peerB)

	m.probe(context.Background())
	m.Handle(context.Background(), ack(peerB))
	clk.Advance(m.cfg.SuspectTimeout + time.Millisecond)
	m.sweep(clk.Now())

	st, ok := m.Status(peerB)
	require.True(t, ok)
	assert.Equal(t, StatusActive, st)
	assert.Empty(t, m.Suspects())
}

func TestSweepSparesSuspectClearedMidSweep(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC)
	m.mergeSuspected(peerB)
	m.mergeSuspected(peerC)
	clk.Advance(2 * time.Second)

	// The first failure stands in for a transport worker delivering an ACK
	// from the other suspect while the sweep is still running.
	var cleared Id
	m.Subscribe(func(ev Event) {
		if ev.Status != StatusFailed || !cleared.IsZero() {
			return
		}
		cleared = peerB
		if ev.ID == peerB {
			cleared = peerC
		}
		m.Handle(context.Background(), ack(cleared))
	})
	m.sweep(clk.Now())

	require.False(t, cleared.IsZero(), "no suspect failed")
	st, ok := m.Status(cleared)
	require.True(t, ok, "%s answered while SUSPECTED but was evicted", cleared)
	assert.Equal(t, StatusActive, st)
	assert.NotContains(t, m.Changes(), Entry{ID: cleared, Status: StatusFailed})
	requireBijection(t, m)
}

func TestFailIfStaleRechecksState(t *testing.T) {
	clk := newTestClock()
	m, _ := newTestMember(t, clk, peerB, peerC)
	m.mergeSuspected(peerB)
	clk.Advance(2 * time.Second)

	m.mergeActive(peerB)
	m.failIfStale(peerB, clk.Now())
	st, ok := m.Status(peerB)
	require.True(t, ok)
	assert.Equal(t, StatusActive, st)

	// Suspected again just now: not stale yet.
	m.mergeSuspected(peerB)
	m.failIfStale(peerB, clk.Now())
	_, ok = m.Status(peerB)
	assert.True(t, ok)

	clk.Advance(m.cfg.SuspectTimeout + time.Millisecond)
	m.failIfStale(peerB, clk.Now())
	_, ok = m.Status(peerB)
	assert.False(t, ok)

	m.failIfStale(peerC, clk.Now())
	st, _ = m.Status(peerC)
	assert.Equal(t, StatusActive, st, "ACTIVE member failed without suspicion")
}

func TestRunReturnsAfterLeaveDisseminated(t *testing.T) {
	tr := &fakeTransport{}
	m, err := New(Config{Self: self, PingPeriod: 10 * time.Millisecond, LeaveTimeout: 5 * time.Second}, tr)
	require.NoError(t, err)
	m.members.Put(peerB, StatusActive)
	// peerB answers every ping.
	tr.onSend = func(to Id, msg Message) error {
		if msg.Type() == MsgPing {
			go m.Handle(context.Background(), ack(to))
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	m.Handle(ctx, NewMessage(Id{}, MsgTerminate, nil))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after the leave countdown")
	}
	_, ok := m.Status(self)
	assert.False(t, ok)
}

func TestRunLeaveTimeout(t *testing.T) {
	tr := &fakeTransport{}
	m, err := New(Config{Self: self, PingPeriod: 10 * time.Millisecond, LeaveTimeout: 50 * time.Millisecond}, tr)
	require.NoError(t, err)
	// peerB never answers.
	m.members.Put(peerB, StatusActive)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Leave()

	assert.ErrorIs(t, m.Run(ctx), ErrLeaveTimeout)
}

func TestLeaveAloneStopsAtOnce(t *testing.T) {
	tr := &fakeTransport{}
	m, err := New(Config{Self: self, PingPeriod: 10 * time.Millisecond}, tr)
	require.NoError(t, err)

	m.Leave()

	select {
	case <-m.Done():
	default:
		t.Fatal("lone member still waiting for ACKs")
	}
	assert.NoError(t, m.Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	m, err := New(Config{Self: self, PingPeriod: 10 * time.Millisecond}, tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
}
