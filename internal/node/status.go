package node

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/soren/packsync/internal/model"
	"github.com/soren/packsync/internal/transport"
)

// Status is the JSON shape served at /status and rendered by the CLI.
type Status struct {
	Identity      model.DeviceIdentity `json:"identity"`
	Peers         []PeerStatus         `json:"peers"`
	PendingScopes []string             `json:"pending_scopes,omitempty"`
	Conflicts     []model.Conflict     `json:"conflicts,omitempty"`
}

// PeerStatus is one roster entry with the transport's view attached.
type PeerStatus struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Address    string          `json:"address"`
	LastSeenAt time.Time       `json:"last_seen_at"`
	State      model.ConnState `json:"state"`
	Transport  transport.State `json:"transport"`
}

// CurrentStatus snapshots the node for reporting.
func (n *Node) CurrentStatus() Status {
	roster := n.disc.Roster()
	peers := make([]PeerStatus, 0, len(roster))
	for _, p := range roster {
		peers = append(peers, PeerStatus{
			ID:         p.Identity.ID,
			Name:       p.Identity.Name,
			Address:    p.Identity.Address,
			LastSeenAt: p.LastSeenAt,
			State:      p.State,
			Transport:  n.mgr.PeerState(p.Identity.ID),
		})
	}

	conflicts, err := n.st.ListConflicts(20)
	if err != nil {
		n.logger.Warn("list conflicts for status", "err", err)
	}

	return Status{
		Identity:      n.self,
		Peers:         peers,
		PendingScopes: n.queue.PendingScopes(),
		Conflicts:     conflicts,
	}
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(n.CurrentStatus()); err != nil {
		n.logger.Warn("write status", "err", err)
	}
}
