// Package replication keeps the two sites eventually consistent: it
// forwards local operations to the peer, queues what could not be
// delivered, and tracks peer liveness through heartbeats.
package replication

import (
	"errors"
	"sync"
	"time"
)

// ErrPeerUnreachable wraps every failed delivery to the peer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Mode is the liveness state of a site's view of its peer.
type Mode int

const (
	ModeHealthy Mode = iota
	ModeIsolated
)

func (m Mode) String() string {
	switch m {
	case ModeHealthy:
		return "Primary-Healthy"
	case ModeIsolated:
		return "Primary-Isolated"
	default:
		return "UNKNOWN"
	}
}

// State is a snapshot of a site's replication state.
type State struct {
	PeerAlive         bool      `json:"peer_alive"`
	LastPeerHeartbeat time.Time `json:"last_peer_heartbeat"`
	IsPrimary         bool      `json:"is_primary"`
}

// Mode derives the state machine position from the snapshot.
func (s State) Mode() Mode {
	if s.PeerAlive {
		return ModeHealthy
	}
	return ModeIsolated
}

// Status is what a site reports on its status endpoint.
type Status struct {
	Site              string    `json:"sede"`
	Mode              string    `json:"modo"`
	PeerAlive         bool      `json:"peer_alive"`
	IsPrimary         bool      `json:"is_primary"`
	LastPeerHeartbeat time.Time `json:"last_peer_heartbeat"`
	Pending           int       `json:"pending"`
}

// Status combines the state with the pending backlog.
func (s State) Status(site string, pending int) Status {
	return Status{
		Site:              site,
		Mode:              s.Mode().String(),
		PeerAlive:         s.PeerAlive,
		IsPrimary:         s.IsPrimary,
		LastPeerHeartbeat: s.LastPeerHeartbeat,
		Pending:           pending,
	}
}

// Tracker owns the replication state of one site. Heartbeats and the
// timeout rule drive it; a failed replication may only mark the peer down.
type Tracker struct {
	mu    sync.RWMutex
	state State
	// silent is set once the heartbeat timeout has fired and cleared by the
	// next heartbeat, so the timeout transition happens once per outage.
	silent bool
	now    func() time.Time
}

// NewTracker starts Healthy with the heartbeat clock set to now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		state: State{PeerAlive: true, LastPeerHeartbeat: now(), IsPrimary: true},
		now:   now,
	}
}

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tracker) PeerAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.PeerAlive
}

// ObserveHeartbeat records a peer heartbeat and reports whether the peer
// was considered down until now.
func (t *Tracker) ObserveHeartbeat() (recovered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.LastPeerHeartbeat = t.now()
	t.silent = false
	if !t.state.PeerAlive {
		t.state.PeerAlive = true
		return true
	}
	return false
}

// CheckTimeout applies the timeout rule and reports whether this call
// performed the transition to Isolated.
func (t *Tracker) CheckTimeout(timeout time.Duration) (isolated bool, silence time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	silence = t.now().Sub(t.state.LastPeerHeartbeat)
	if silence <= timeout || t.silent {
		return false, silence
	}
	t.silent = true
	t.state.PeerAlive = false
	return true, silence
}

// MarkPeerDown records a failed delivery. It reports whether the peer was
// alive before.
func (t *Tracker) MarkPeerDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.state.PeerAlive
	t.state.PeerAlive = false
	return was
}
