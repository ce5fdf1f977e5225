// Package it runs real members on loopback UDP for integration tests.
package it

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/config"
	"github.com/ryandielhenn/membership/internal/server"
	"github.com/ryandielhenn/membership/pkg/gossip"
	"github.com/ryandielhenn/membership/pkg/transport"
)

// Timing is the protocol timing every node in a Cluster uses.
type Timing struct {
	PingPeriod      time.Duration
	SuspectTimeout  time.Duration
	ChangeRetention time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		PingPeriod:      50 * time.Millisecond,
		SuspectTimeout:  300 * time.Millisecond,
		ChangeRetention: 2 * time.Second,
	}
}

// Cluster is a set of in-process members on 127.0.0.1.
type Cluster struct {
	timing Timing
	log    *zap.Logger

	mu    sync.Mutex
	nodes []*Node
}

// Node is one running member. A CRASH message stops it without leaving.
type Node struct {
	srv     *server.Server
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	crashed atomic.Bool
}

func NewCluster(timing Timing, log *zap.Logger) *Cluster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cluster{timing: timing, log: log}
}

// StartNode launches a member and waits until it has joined through
// introducer. A nil introducer starts a new group.
func (c *Cluster) StartNode(ctx context.Context, introducer *gossip.Id) (*Node, error) {
	n := &Node{done: make(chan struct{})}
	cfg := config.Config{
		Introducer:      introducer,
		Host:            "127.0.0.1",
		PingPeriod:      c.timing.PingPeriod,
		SuspectTimeout:  c.timing.SuspectTimeout,
		ChangeRetention: c.timing.ChangeRetention,
		ChangeCapacity:  gossip.DefaultChangeCapacity,
	}
	srv, err := server.New(ctx, server.Options{
		Config: cfg,
		Logger: c.log,
		Crash:  n.crash,
	})
	if err != nil {
		return nil, err
	}
	n.srv = srv

	nctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go func() {
		defer close(n.done)
		n.err = srv.Run(nctx)
	}()

	if introducer != nil {
		select {
		case <-srv.Member().Joined():
		case <-n.done:
			return nil, fmt.Errorf("node %s stopped before joining: %w", srv.Self(), n.err)
		case <-time.After(5 * time.Second):
			n.Kill()
			return nil, fmt.Errorf("node %s did not join %s", srv.Self(), introducer)
		}
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()
	return n, nil
}

// Stop kills every node that is still running.
func (c *Cluster) Stop() {
	c.mu.Lock()
	nodes := append([]*Node(nil), c.nodes...)
	c.mu.Unlock()
	for _, n := range nodes {
		n.Kill()
	}
}

func (n *Node) ID() gossip.Id          { return n.srv.Self() }
func (n *Node) Member() *gossip.Member { return n.srv.Member() }

func (n *Node) crash() {
	n.crashed.Store(true)
	n.cancel()
}

// Crashed reports whether the node stopped on a CRASH message.
func (n *Node) Crashed() bool { return n.crashed.Load() }

// Kill stops the node without a leave and waits for it.
func (n *Node) Kill() {
	n.cancel()
	<-n.done
}

// Wait blocks until the node stops and returns the process exit status it
// would have had, or false on timeout.
func (n *Node) Wait(timeout time.Duration) (int, bool) {
	select {
	case <-n.done:
		if n.Crashed() {
			return server.ExitCrash, true
		}
		return server.ExitCode(n.err), true
	case <-time.After(timeout):
		return 0, false
	}
}

// Has reports whether n's membership table lists id.
func (n *Node) Has(id gossip.Id) bool {
	_, ok := n.Member().Status(id)
	return ok
}

// ActiveView is the ACTIVE ids in n's membership table, sorted.
func (n *Node) ActiveView() []gossip.Id {
	var ids []gossip.Id
	for _, e := range n.Member().Members() {
		if e.Status == gossip.StatusActive {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Send delivers a control message the way the terminator does.
func Send(ctx context.Context, to gossip.Id, typ gossip.MsgType) error {
	return transport.SendOnce(ctx, to, gossip.NewMessage(gossip.Id{}, typ, nil))
}
