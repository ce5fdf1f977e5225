package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/ryandielhenn/membership/internal/telemetry"
	"github.com/ryandielhenn/membership/pkg/gossip"
)

// MemberView is one row of /members and /changes.
type MemberView struct {
	Member         string     `json:"member"`
	Status         string     `json:"status"`
	SuspectedSince *time.Time `json:"suspected_since,omitempty"`
}

// Healthz returns 200 while this process is a member and 503 once it has
// started leaving.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.member.Stopping() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("leaving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this process and its view size.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID         int       `json:"pid"`
		RunID       string    `json:"run_id"`
		Self        string    `json:"self"`
		Introducer  bool      `json:"introducer"`
		Introducers []string  `json:"introducers"`
		Stopping    bool      `json:"stopping"`
		Active      int       `json:"active"`
		Suspected   int       `json:"suspected"`
		Changes     int       `json:"changes"`
		WSClients   int       `json:"ws_clients"`
		Uptime      string    `json:"uptime"`
		Now         time.Time `json:"now"`
	}
	active, suspected := n.member.Counts()
	intros := []string{}
	for _, id := range n.Introducers() {
		intros = append(intros, id.String())
	}
	writeJSON(w, resp{
		PID:         os.Getpid(),
		RunID:       n.runID,
		Self:        n.member.Self().String(),
		Introducer:  n.member.IsIntroducer(),
		Introducers: intros,
		Stopping:    n.member.Stopping(),
		Active:      active,
		Suspected:   suspected,
		Changes:     n.member.PendingChanges(),
		WSClients:   n.hub.Clients(),
		Uptime:      telemetry.Uptime().Round(time.Second).String(),
		Now:         time.Now(),
	})
}

// Members lists the membership table with suspicion start times.
func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	suspects := n.member.Suspects()
	out := []MemberView{}
	for _, e := range n.member.Members() {
		v := MemberView{Member: e.ID.String(), Status: e.Status.String()}
		if since, ok := suspects[e.ID]; ok {
			v.SuspectedSince = &since
		}
		out = append(out, v)
	}
	writeJSON(w, out)
}

// Changes lists what this member currently piggybacks on its ACKs.
func (n *Node) Changes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, views(n.member.Changes()))
}

func views(entries []gossip.Entry) []MemberView {
	out := make([]MemberView, 0, len(entries))
	for _, e := range entries {
		out = append(out, MemberView{Member: e.ID.String(), Status: e.Status.String()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
