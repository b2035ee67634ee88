// Package remote connects a core.System to actors on other nodes. The wire
// itself is pluggable through Link; this package owns peer bookkeeping,
// protocol-version compatibility and per-peer outbound queues.
package remote

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/najoast/troupe/core"
)

var (
	// ErrIncompatiblePeer is returned when a peer's protocol version does not
	// satisfy the local constraint.
	ErrIncompatiblePeer = errors.New("incompatible peer protocol")

	// ErrUnknownPeer is returned for nodes that never connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrBridgeStopped is returned after Stop.
	ErrBridgeStopped = errors.New("bridge stopped")
)

// PeerState represents the state of a remote node
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerRejected
)

// String returns the string representation of PeerState
func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PeerInfo describes a remote node as announced in its handshake.
type PeerInfo struct {
	Node    core.NodeNo `json:"node"`
	Name    string      `json:"name,omitempty"`
	Version string      `json:"version"`
	State   PeerState   `json:"state"`

	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// PeerError represents an error that occurred talking to a peer
type PeerError struct {
	Operation string
	Node      core.NodeNo
	Err       error
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("remote %s failed for node %d: %v", e.Operation, e.Node, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

// Registry maps node numbers to peers and enforces protocol compatibility.
type Registry struct {
	local  core.NodeNo
	accept *semver.Constraints

	mu    sync.RWMutex
	peers map[core.NodeNo]*PeerInfo
}

// NewRegistry creates a registry accepting peers whose version satisfies
// accept. An empty constraint accepts any valid version.
func NewRegistry(local core.NodeNo, accept string) (*Registry, error) {
	if accept == "" {
		accept = ">=0.0.0"
	}
	c, err := semver.NewConstraint(accept)
	if err != nil {
		return nil, fmt.Errorf("accept constraint %q: %w", accept, err)
	}
	return &Registry{
		local:  local,
		accept: c,
		peers:  make(map[core.NodeNo]*PeerInfo),
	}, nil
}

// Compatible reports whether version satisfies the accept constraint.
func (r *Registry) Compatible(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrIncompatiblePeer, version, err)
	}
	if ok, errs := r.accept.Validate(v); !ok {
		return fmt.Errorf("%w: %s: %v", ErrIncompatiblePeer, version, errors.Join(errs...))
	}
	return nil
}

// Connect records a handshake. Incompatible peers are kept as rejected so
// later sends fail fast.
func (r *Registry) Connect(info PeerInfo) error {
	if info.Node == r.local {
		return &PeerError{Operation: "connect", Node: info.Node, Err: errors.New("peer has the local node number")}
	}

	now := time.Now()
	info.ConnectedAt, info.LastSeen = now, now
	info.State = PeerConnected

	err := r.Compatible(info.Version)
	if err != nil {
		info.State = PeerRejected
	}

	r.mu.Lock()
	r.peers[info.Node] = &info
	r.mu.Unlock()

	if err != nil {
		return &PeerError{Operation: "connect", Node: info.Node, Err: err}
	}
	return nil
}

// Disconnect marks a peer as gone. Its entry stays for inspection.
func (r *Registry) Disconnect(node core.NodeNo) {
	r.mu.Lock()
	if p, ok := r.peers[node]; ok && p.State == PeerConnected {
		p.State = PeerDisconnected
	}
	r.mu.Unlock()
}

// Touch updates the last-seen time of a peer.
func (r *Registry) Touch(node core.NodeNo) {
	r.mu.Lock()
	if p, ok := r.peers[node]; ok {
		p.LastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Check returns nil if node is a connected, compatible peer.
func (r *Registry) Check(node core.NodeNo) error {
	r.mu.RLock()
	p, ok := r.peers[node]
	var state PeerState
	if ok {
		state = p.State
	}
	r.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, ErrUnknownPeer)
	case state == PeerRejected:
		return fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, ErrIncompatiblePeer)
	case state != PeerConnected:
		return fmt.Errorf("%w: peer %s", core.ErrRemoteUnavailable, state)
	}
	return nil
}

// Get returns a copy of the peer entry.
func (r *Registry) Get(node core.NodeNo) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[node]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Peers returns every known peer ordered by node number.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}
