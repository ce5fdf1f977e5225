// Package node serves the admin HTTP surface of one group member.
package node

import (
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/membership/internal/telemetry"
	"github.com/ryandielhenn/membership/pkg/gossip"
)

type Node struct {
	member *gossip.Member
	runID  string
	hub    *Hub
	log    *zap.Logger

	mu          sync.RWMutex
	introducers []gossip.Id
}

func NewNode(m *gossip.Member, runID string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{member: m, runID: runID, hub: NewHub(log), log: log}
}

// Hub is the live event stream served on /ws.
func (n *Node) Hub() *Hub { return n.hub }

// SetIntroducers replaces the known introducer set shown by /info.
func (n *Node) SetIntroducers(ids []gossip.Id) {
	n.mu.Lock()
	n.introducers = append([]gossip.Id(nil), ids...)
	n.mu.Unlock()
}

func (n *Node) Introducers() []gossip.Id {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]gossip.Id(nil), n.introducers...)
}

// Routes returns the admin mux. The caller runs the hub.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("/changes", telemetry.Instrument("changes", http.HandlerFunc(n.Changes)))
	mux.Handle("/ws", telemetry.Instrument("ws", http.HandlerFunc(n.hub.ServeWS)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
