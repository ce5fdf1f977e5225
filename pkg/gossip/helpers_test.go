package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	self  = Id{Host: "127.0.0.1", Port: 7000}
	peerB = Id{Host: "127.0.0.1", Port: 7001}
	peerC = Id{Host: "127.0.0.1", Port: 7002}
	peerD = Id{Host: "127.0.0.1", Port: 7003}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMsg struct {
	to  Id
	msg Message
}

// fakeTransport records sends. onSend, when set, runs after recording and
// its error is returned to the caller.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMsg
	onSend func(to Id, msg Message) error
}

func (f *fakeTransport) Send(_ context.Context, to Id, msg Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{to: to, msg: msg})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		return hook(to, msg)
	}
	return nil
}

func (f *fakeTransport) Sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeTransport) SentOfType(typ MsgType) []sentMsg {
	var out []sentMsg
	for _, s := range f.Sent() {
		if s.msg.Type() == typ {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) Reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

var errUnreachable = errors.New("no route to host")

// newTestMember builds an introducer with the given peers already ACTIVE.
func newTestMember(t *testing.T, clk *testClock, peers ...Id) (*Member, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	m, err := New(Config{
		Self:           self,
		PingPeriod:     100 * time.Millisecond,
		SuspectTimeout: time.Second,
		Now:            clk.Now,
		Crash:          func() { t.Fatal("unexpected crash") },
	}, tr)
	require.NoError(t, err)
	for _, p := range peers {
		m.members.Put(p, StatusActive)
	}
	return m, tr
}

func ack(from Id, table ...Entry) Message {
	return NewMessage(from, MsgAck, table)
}

type state struct {
	members  []Entry
	suspects map[Id]time.Time
	changes  []Entry
}

func snapshot(m *Member) state {
	return state{members: m.Members(), suspects: m.Suspects(), changes: m.Changes()}
}

// requireBijection checks that the suspect table holds exactly the
// SUSPECTED members.
func requireBijection(t *testing.T, m *Member) {
	t.Helper()
	suspects := m.Suspects()
	for _, e := range m.Members() {
		_, inST := suspects[e.ID]
		require.Equal(t, e.Status == StatusSuspected, inST, "member %s status %s", e.ID, e.Status)
	}
	for id := range suspects {
		st, ok := m.Status(id)
		require.True(t, ok, "suspect %s missing from membership table", id)
		require.Equal(t, StatusSuspected, st)
	}
}
