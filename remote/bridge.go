package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/najoast/troupe/core"
	"go.uber.org/atomic"
)

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = time.Second
)

// Link carries envelopes to other nodes. Implementations must be safe for
// concurrent use; Transmit is called from one goroutine per peer.
type Link interface {
	Transmit(ctx context.Context, to core.NodeNo, env core.Envelope) error
}

// Receiver accepts envelopes arriving from other nodes. *core.System
// implements it.
type Receiver interface {
	Deliver(ctx context.Context, env core.Envelope) error
}

// Options configures a Bridge.
type Options struct {
	// Node is the local node number
	Node core.NodeNo

	// Name is announced to peers
	Name string

	// ProtocolVersion is the semver announced to peers
	ProtocolVersion string

	// Accept is the constraint peer versions must satisfy
	Accept string

	// QueueSize bounds the outbound queue of each peer
	QueueSize int

	// SendTimeout bounds how long Send waits on a full queue
	SendTimeout time.Duration

	Logger *slog.Logger
}

// Stats contains bridge statistics
type Stats struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
	Peers    int    `json:"peers"`
	Queued   int    `json:"queued"`
}

// Bridge implements core.RemoteTransport. Outbound envelopes are queued per
// peer and handed to the Link by one goroutine per peer; inbound envelopes
// from compatible peers are delivered to the local Receiver.
type Bridge struct {
	opts     Options
	registry *Registry
	link     Link
	local    Receiver
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[core.NodeNo]*outbound

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
	errs     atomic.Uint64
}

// outbound is the send side of one peer
type outbound struct {
	node core.NodeNo
	ch   chan core.Envelope
	done chan struct{}
}

// NewBridge creates a bridge delivering inbound envelopes to local and
// sending outbound ones over link.
func NewBridge(local Receiver, link Link, opts Options) (*Bridge, error) {
	if local == nil || link == nil {
		return nil, errors.New("remote: receiver and link are required")
	}
	if _, err := semver.NewVersion(opts.ProtocolVersion); err != nil {
		return nil, fmt.Errorf("remote: protocol version %q: %w", opts.ProtocolVersion, err)
	}
	registry, err := NewRegistry(opts.Node, opts.Accept)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Bridge{
		opts:     opts,
		registry: registry,
		link:     link,
		local:    local,
		logger:   opts.Logger.With("component", "remote", "node", opts.Node),
		queues:   make(map[core.NodeNo]*outbound),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Attach creates a bridge for sys and installs it as the system's remote
// transport.
func Attach(sys *core.System, link Link, opts Options) (*Bridge, error) {
	opts.Node = sys.Node()
	if opts.Logger == nil {
		opts.Logger = sys.Logger()
	}
	b, err := NewBridge(sys, link, opts)
	if err != nil {
		return nil, err
	}
	sys.SetRemote(b)
	return b, nil
}

// Hello returns the handshake this bridge announces to peers.
func (b *Bridge) Hello() PeerInfo {
	return PeerInfo{Node: b.opts.Node, Name: b.opts.Name, Version: b.opts.ProtocolVersion}
}

// Registry returns the peer registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Connect accepts a peer handshake and starts its outbound queue. An
// incompatible peer is recorded as rejected and an error is returned.
func (b *Bridge) Connect(info PeerInfo) error {
	if b.stopped.Load() {
		return ErrBridgeStopped
	}
	if err := b.registry.Connect(info); err != nil {
		b.logger.Warn("peer rejected", "peer", info.Node, "version", info.Version, "error", err)
		return err
	}

	b.mu.Lock()
	if _, ok := b.queues[info.Node]; !ok {
		out := &outbound{
			node: info.Node,
			ch:   make(chan core.Envelope, b.opts.QueueSize),
			done: make(chan struct{}),
		}
		b.queues[info.Node] = out
		b.wg.Add(1)
		go b.sendLoop(out)
	}
	b.mu.Unlock()

	b.logger.Info("peer connected", "peer", info.Node, "name", info.Name, "version", info.Version)
	return nil
}

// Disconnect stops sending to node. Queued envelopes are dropped.
func (b *Bridge) Disconnect(node core.NodeNo) {
	b.registry.Disconnect(node)

	b.mu.Lock()
	out, ok := b.queues[node]
	delete(b.queues, node)
	b.mu.Unlock()

	if ok {
		close(out.done)
		b.logger.Info("peer disconnected", "peer", node)
	}
}

// Send implements core.RemoteTransport.
func (b *Bridge) Send(ctx context.Context, env core.Envelope) error {
	node := env.Recipient().Node()
	if b.stopped.Load() {
		return &PeerError{Operation: "send", Node: node, Err: fmt.Errorf("%w: %w", core.ErrRemoteUnavailable, ErrBridgeStopped)}
	}
	if err := b.registry.Check(node); err != nil {
		return &PeerError{Operation: "send", Node: node, Err: err}
	}

	b.mu.Lock()
	out, ok := b.queues[node]
	b.mu.Unlock()
	if !ok {
		return &PeerError{Operation: "send", Node: node, Err: core.ErrRemoteUnavailable}
	}

	select {
	case out.ch <- env:
		return nil
	default:
	}

	timer := time.NewTimer(b.opts.SendTimeout)
	defer timer.Stop()

	select {
	case out.ch <- env:
		return nil
	case <-out.done:
		return &PeerError{Operation: "send", Node: node, Err: core.ErrRemoteUnavailable}
	case <-ctx.Done():
		b.dropped.Inc()
		return &PeerError{Operation: "send", Node: node, Err: ctx.Err()}
	case <-timer.C:
		b.dropped.Inc()
		return &PeerError{Operation: "send", Node: node, Err: core.ErrMailboxFull}
	}
}

// Receive hands an envelope that arrived from node to the local system.
// Envelopes from unknown or rejected peers are refused.
func (b *Bridge) Receive(ctx context.Context, from core.NodeNo, env core.Envelope) error {
	if b.stopped.Load() {
		return &PeerError{Operation: "receive", Node: from, Err: ErrBridgeStopped}
	}
	if err := b.registry.Check(from); err != nil {
		b.errs.Inc()
		return &PeerError{Operation: "receive", Node: from, Err: err}
	}
	b.registry.Touch(from)
	b.received.Inc()

	if err := b.local.Deliver(ctx, env); err != nil {
		b.errs.Inc()
		return &PeerError{Operation: "receive", Node: from, Err: err}
	}
	return nil
}

func (b *Bridge) sendLoop(out *outbound) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			b.dropQueued(out)
			return
		case <-out.done:
			b.dropQueued(out)
			return
		case env := <-out.ch:
			if err := b.link.Transmit(b.ctx, out.node, env); err != nil {
				b.errs.Inc()
				b.logger.Warn("transmit failed", "peer", out.node, "kind", env.Kind(), "message", env.Payload().Name(), "error", err)
				continue
			}
			b.sent.Inc()
		}
	}
}

func (b *Bridge) dropQueued(out *outbound) {
	for {
		select {
		case <-out.ch:
			b.dropped.Inc()
		default:
			return
		}
	}
}

// Stop stops every send loop and refuses further traffic. Queued envelopes
// are dropped.
func (b *Bridge) Stop(ctx context.Context) error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bridge stopped", "sent", b.sent.Load(), "received", b.received.Load(), "dropped", b.dropped.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns bridge statistics.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	queued := 0
	for _, out := range b.queues {
		queued += len(out.ch)
	}
	peers := len(b.queues)
	b.mu.Unlock()

	return Stats{
		Sent:     b.sent.Load(),
		Received: b.received.Load(),
		Dropped:  b.dropped.Load(),
		Errors:   b.errs.Load(),
		Peers:    peers,
		Queued:   queued,
	}
}
