package remote

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/najoast/troupe/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newSystem(t *testing.T, node core.NodeNo) *core.System {
	t.Helper()
	sys := core.NewSystem(core.Options{
		Node:     node,
		Logger:   discardLogger(),
		Workers:  2,
		Watchdog: core.WatchdogOptions{Disabled: true},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

func attach(t *testing.T, net *Network, sys *core.System, version string) *Bridge {
	t.Helper()
	b, err := Attach(sys, net.Endpoint(sys.Node()), Options{
		Name:            "node",
		ProtocolVersion: version,
		Accept:          "^1.0",
		QueueSize:       16,
		SendTimeout:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func spawnEcho(t *testing.T, sys *core.System) *core.GroupHandle {
	t.Helper()
	h, err := sys.SpawnGroup(core.GroupSpec{Name: "echo", MailboxCapacity: 8}, nil, core.DefaultRestartPolicy(),
		func(string) (core.Actor, error) {
			return core.ActorFunc(func(ctx *core.Context, env core.Envelope) error {
				if !env.IsRequest() {
					return nil
				}
				n, _ := env.Payload().Int()
				return ctx.Respond(core.Int(n * 2))
			}), nil
		})
	require.NoError(t, err)
	return h
}

func TestRegistryCompatibility(t *testing.T) {
	r, err := NewRegistry(1, "^1.2")
	require.NoError(t, err)

	assert.NoError(t, r.Compatible("1.2.0"))
	assert.NoError(t, r.Compatible("1.9.3"))
	assert.ErrorIs(t, r.Compatible("1.1.0"), ErrIncompatiblePeer)
	assert.ErrorIs(t, r.Compatible("2.0.0"), ErrIncompatiblePeer)
	assert.ErrorIs(t, r.Compatible("not-a-version"), ErrIncompatiblePeer)

	_, err = NewRegistry(1, "~>!")
	assert.Error(t, err)
}

func TestRegistryPeers(t *testing.T) {
	r, err := NewRegistry(1, "")
	require.NoError(t, err)

	assert.Error(t, r.Connect(PeerInfo{Node: 1, Version: "1.0.0"}), "own node number")
	require.NoError(t, r.Connect(PeerInfo{Node: 3, Version: "1.0.0"}))
	require.NoError(t, r.Connect(PeerInfo{Node: 2, Version: "0.1.0"}))

	peers := r.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, core.NodeNo(2), peers[0].Node)
	assert.Equal(t, PeerConnected, peers[1].State)

	assert.NoError(t, r.Check(3))
	assert.ErrorIs(t, r.Check(9), core.ErrRemoteUnavailable)
	assert.ErrorIs(t, r.Check(9), ErrUnknownPeer)

	r.Disconnect(3)
	p, ok := r.Get(3)
	require.True(t, ok)
	assert.Equal(t, PeerDisconnected, p.State)
	assert.ErrorIs(t, r.Check(3), core.ErrRemoteUnavailable)
}

func TestNewBridgeValidation(t *testing.T) {
	sys := newSystem(t, 1)
	net := NewNetwork()

	_, err := NewBridge(sys, net.Endpoint(1), Options{Node: 1, ProtocolVersion: "one"})
	assert.Error(t, err)
	_, err = NewBridge(sys, net.Endpoint(1), Options{Node: 1, ProtocolVersion: "1.0.0", Accept: "><"})
	assert.Error(t, err)
	_, err = NewBridge(nil, net.Endpoint(1), Options{Node: 1, ProtocolVersion: "1.0.0"})
	assert.Error(t, err)
}

func TestAskAcrossNodes(t *testing.T) {
	net := NewNetwork()
	sys1, sys2 := newSystem(t, 1), newSystem(t, 2)
	b1, b2 := attach(t, net, sys1, "1.0.0"), attach(t, net, sys2, "1.3.1")
	require.NoError(t, net.Join(b1))
	require.NoError(t, net.Join(b2))

	echo := spawnEcho(t, sys2)
	target := echo.Addrs()[0]

	resp, err := sys1.Ask(context.Background(), target, core.Int(21), time.Second)
	require.NoError(t, err)
	n, ok := resp.Payload().Int()
	require.True(t, ok)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, target, resp.Sender())

	assert.Equal(t, uint64(1), b2.Stats().Received)
	assert.Equal(t, uint64(1), b1.Stats().Received, "the response travels back")
	require.Eventually(t, func() bool { return b1.Stats().Sent == 1 && b2.Stats().Sent == 1 }, waitFor, tick)
}

func TestActorAsksRemoteActor(t *testing.T) {
	net := NewNetwork()
	sys1, sys2 := newSystem(t, 1), newSystem(t, 2)
	require.NoError(t, net.Join(attach(t, net, sys1, "1.0.0")))
	require.NoError(t, net.Join(attach(t, net, sys2, "1.0.0")))

	target := spawnEcho(t, sys2).Addrs()[0]

	var mu sync.Mutex
	var got []int64
	_, err := sys1.SpawnGroup(core.GroupSpec{Name: "caller"}, nil, core.DefaultRestartPolicy(),
		func(string) (core.Actor, error) {
			return core.ActorFunc(func(ctx *core.Context, env core.Envelope) error {
				n, _ := env.Payload().Int()
				resp, err := ctx.Ask(target, core.Int(n), time.Second)
				if err != nil {
					return err
				}
				v, _ := resp.Payload().Int()
				mu.Lock()
				got = append(got, v)
				mu.Unlock()
				return nil
			}), nil
		})
	require.NoError(t, err)

	caller, ok := sys1.Group("caller")
	require.True(t, ok)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, sys1.Send(context.Background(), core.To(caller.Addrs()[0]), core.Int(i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)
	assert.Equal(t, []int64{2, 4, 6}, got)
}

func TestIncompatiblePeerIsRefused(t *testing.T) {
	net := NewNetwork()
	sys1, sys3 := newSystem(t, 1), newSystem(t, 3)
	b1 := attach(t, net, sys1, "1.0.0")
	b3 := attach(t, net, sys3, "2.0.0")
	require.NoError(t, net.Join(b1))

	err := net.Join(b3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompatiblePeer)

	p, ok := b1.Registry().Get(3)
	require.True(t, ok)
	assert.Equal(t, PeerRejected, p.State)

	target := spawnEcho(t, sys3).Addrs()[0]
	err = sys1.Send(context.Background(), core.To(target), core.Int(1))
	assert.ErrorIs(t, err, core.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, ErrIncompatiblePeer)
}

func TestUnknownNode(t *testing.T) {
	net := NewNetwork()
	sys1 := newSystem(t, 1)
	require.NoError(t, net.Join(attach(t, net, sys1, "1.0.0")))

	err := sys1.Send(context.Background(), core.To(core.NewRemoteAddr(9, 1, 1)), core.Int(1))
	assert.ErrorIs(t, err, core.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPartitionAndLeave(t *testing.T) {
	net := NewNetwork()
	sys1, sys2 := newSystem(t, 1), newSystem(t, 2)
	b1 := attach(t, net, sys1, "1.0.0")
	require.NoError(t, net.Join(b1))
	require.NoError(t, net.Join(attach(t, net, sys2, "1.0.0")))
	target := spawnEcho(t, sys2).Addrs()[0]

	net.Partition(2, 1)
	_, err := sys1.Ask(context.Background(), target, core.Int(1), 50*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrTimeout)
	require.Eventually(t, func() bool { return b1.Stats().Errors == 1 }, waitFor, tick)

	net.Heal(1, 2)
	_, err = sys1.Ask(context.Background(), target, core.Int(1), time.Second)
	require.NoError(t, err)

	net.Leave(2)
	err = sys1.Send(context.Background(), core.To(target), core.Int(1))
	assert.ErrorIs(t, err, core.ErrRemoteUnavailable)
	assert.Zero(t, b1.Stats().Peers)
}

// blockingLink holds every transmit until released.
type blockingLink struct {
	release chan struct{}
}

func (l *blockingLink) Transmit(ctx context.Context, _ core.NodeNo, _ core.Envelope) error {
	select {
	case <-l.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSendOnFullQueue(t *testing.T) {
	sys := newSystem(t, 1)
	link := &blockingLink{release: make(chan struct{})}
	b, err := Attach(sys, link, Options{ProtocolVersion: "1.0.0", QueueSize: 1, SendTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, b.Connect(PeerInfo{Node: 2, Version: "1.0.0"}))

	to := core.To(core.NewRemoteAddr(2, 1, 1))
	ctx := context.Background()

	// One envelope is held by the send loop, one fills the queue.
	require.NoError(t, sys.Send(ctx, to, core.Int(1)))
	require.Eventually(t, func() bool { return b.Stats().Queued == 0 }, waitFor, tick)
	require.NoError(t, sys.Send(ctx, to, core.Int(2)))

	err = sys.Send(ctx, to, core.Int(3))
	assert.ErrorIs(t, err, core.ErrMailboxFull)
	assert.Equal(t, uint64(1), b.Stats().Dropped)

	close(link.release)
	require.Eventually(t, func() bool { return b.Stats().Sent == 2 }, waitFor, tick)

	require.NoError(t, b.Stop(ctx))
	err = sys.Send(ctx, to, core.Int(4))
	assert.ErrorIs(t, err, core.ErrRemoteUnavailable)
	assert.ErrorIs(t, err, ErrBridgeStopped)
}

func TestReceiveFromUnknownPeer(t *testing.T) {
	sys := newSystem(t, 1)
	b, err := Attach(sys, NewNetwork().Endpoint(1), Options{ProtocolVersion: "1.0.0"})
	require.NoError(t, err)

	env := core.NewEnvelope(core.NullAddr, core.NewRemoteAddr(1, 1, 1), core.Int(1), 1)
	err = b.Receive(context.Background(), 5, env)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, uint64(1), b.Stats().Errors)
}
