package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/najoast/troupe/core"
)

// Network is an in-process Link connecting bridges of several systems. It
// is used by tests and single-process demos; envelopes are handed over
// without serialization.
type Network struct {
	mu      sync.RWMutex
	bridges map[core.NodeNo]*Bridge
	cut     map[[2]core.NodeNo]bool
}

// NewNetwork creates an empty loopback network.
func NewNetwork() *Network {
	return &Network{
		bridges: make(map[core.NodeNo]*Bridge),
		cut:     make(map[[2]core.NodeNo]bool),
	}
}

// Endpoint returns the Link the bridge of node should use.
func (n *Network) Endpoint(node core.NodeNo) Link {
	return endpoint{net: n, node: node}
}

// Join attaches b and exchanges handshakes with every bridge already on the
// network. Incompatible pairs stay attached but refuse each other's traffic;
// their errors are returned joined.
func (n *Network) Join(b *Bridge) error {
	hello := b.Hello()

	n.mu.Lock()
	if _, ok := n.bridges[hello.Node]; ok {
		n.mu.Unlock()
		return fmt.Errorf("remote: node %d already joined", hello.Node)
	}
	others := make([]*Bridge, 0, len(n.bridges))
	for _, other := range n.bridges {
		others = append(others, other)
	}
	n.bridges[hello.Node] = b
	n.mu.Unlock()

	var errs []error
	for _, other := range others {
		if err := other.Connect(hello); err != nil {
			errs = append(errs, err)
		}
		if err := b.Connect(other.Hello()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Leave detaches node and disconnects it from every other bridge.
func (n *Network) Leave(node core.NodeNo) {
	n.mu.Lock()
	b, ok := n.bridges[node]
	delete(n.bridges, node)
	others := make([]*Bridge, 0, len(n.bridges))
	for _, other := range n.bridges {
		others = append(others, other)
	}
	n.mu.Unlock()

	if !ok {
		return
	}
	for _, other := range others {
		other.Disconnect(node)
		b.Disconnect(other.Hello().Node)
	}
}

// Partition drops traffic between a and b in both directions until Heal.
func (n *Network) Partition(a, b core.NodeNo) {
	n.mu.Lock()
	n.cut[pair(a, b)] = true
	n.mu.Unlock()
}

// Heal restores traffic between a and b.
func (n *Network) Heal(a, b core.NodeNo) {
	n.mu.Lock()
	delete(n.cut, pair(a, b))
	n.mu.Unlock()
}

func pair(a, b core.NodeNo) [2]core.NodeNo {
	if a > b {
		a, b = b, a
	}
	return [2]core.NodeNo{a, b}
}

type endpoint struct {
	net  *Network
	node core.NodeNo
}

// Transmit implements Link.
func (e endpoint) Transmit(ctx context.Context, to core.NodeNo, env core.Envelope) error {
	e.net.mu.RLock()
	target, ok := e.net.bridges[to]
	cut := e.net.cut[pair(e.node, to)]
	e.net.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, ErrUnknownPeer)
	case cut:
		return fmt.Errorf("%w: partitioned from node %d", core.ErrRemoteUnavailable, to)
	}
	return target.Receive(ctx, e.node, env)
}
