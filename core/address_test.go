package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressSpaceAllocateBindResolve(t *testing.T) {
	as := NewAddressSpace(1, 8, 2)

	addr, err := as.Allocate()
	require.NoError(t, err)
	assert.False(t, addr.IsNull())
	assert.Equal(t, NodeNo(1), addr.Node())
	assert.True(t, as.IsLocal(addr))

	_, ok := as.Resolve(addr)
	assert.False(t, ok, "reserved but unbound address must not resolve")

	inst := &ActorInstance{addr: addr}
	require.NoError(t, as.Bind(addr, inst))

	got, ok := as.Resolve(addr)
	require.True(t, ok)
	assert.Same(t, inst, got)
	assert.Equal(t, 1, as.Len())
}

func TestAddressSpaceReleaseNeverResolvesToPreviousOccupant(t *testing.T) {
	as := NewAddressSpace(0, 1, 1)

	old, err := as.Allocate()
	require.NoError(t, err)
	require.NoError(t, as.Bind(old, &ActorInstance{addr: old}))
	require.NoError(t, as.Release(old))

	fresh, err := as.Allocate()
	require.NoError(t, err)
	assert.Equal(t, old.Slot(), fresh.Slot(), "the only slot is recycled")
	assert.Greater(t, fresh.Generation(), old.Generation())
	assert.NotEqual(t, old, fresh)

	next := &ActorInstance{addr: fresh}
	require.NoError(t, as.Bind(fresh, next))

	_, ok := as.Resolve(old)
	assert.False(t, ok)
	got, ok := as.Resolve(fresh)
	require.True(t, ok)
	assert.Same(t, next, got)

	assert.ErrorIs(t, as.Release(old), ErrInvalidAddress)
	assert.ErrorIs(t, as.Bind(old, next), ErrInvalidAddress)
}

func TestAddressSpaceExhaustion(t *testing.T) {
	as := NewAddressSpace(0, 3, 2)

	var addrs []Addr
	for i := 0; i < 3; i++ {
		addr, err := as.Allocate()
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	_, err := as.Allocate()
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 3, as.Len())

	require.NoError(t, as.Release(addrs[1]))
	_, err = as.Allocate()
	assert.NoError(t, err, "exhaustion is recoverable")
}

func TestAddressSpaceForeignAddresses(t *testing.T) {
	as := NewAddressSpace(1, 8, 2)

	remote := NewRemoteAddr(2, 0, 1)
	assert.False(t, as.IsLocal(remote))
	_, ok := as.Resolve(remote)
	assert.False(t, ok)
	assert.ErrorIs(t, as.Release(remote), ErrInvalidAddress)

	_, ok = as.Resolve(NullAddr)
	assert.False(t, ok)
}

func TestAddressSpaceConcurrentAllocate(t *testing.T) {
	as := NewAddressSpace(0, 1024, 8)

	var mu sync.Mutex
	seen := make(map[Addr]bool)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 64; j++ {
				addr, err := as.Allocate()
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[addr], "duplicate address %s", addr)
				seen[addr] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1024)
	assert.Equal(t, 1024, as.Len())
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "null", NullAddr.String())
	assert.Equal(t, "3:2a#7", NewRemoteAddr(3, 0x2a, 7).String())
	assert.True(t, Addr{}.IsNull())
}
