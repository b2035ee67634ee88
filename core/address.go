package core

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// NodeNo identifies the node an address belongs to.
type NodeNo uint16

// Addr is the address of an actor instance: a slot in the address space and
// the generation that slot had when the instance was allocated. The zero value
// is the null address.
type Addr struct {
	node NodeNo
	slot uint32
	gen  uint32
}

// NullAddr is the address of nobody. Envelopes originated by the system carry
// it as sender.
var NullAddr = Addr{}

// NewRemoteAddr builds an address that belongs to another node. It is used by
// transports when decoding envelopes.
func NewRemoteAddr(node NodeNo, slot, gen uint32) Addr {
	return Addr{node: node, slot: slot, gen: gen}
}

// nodeAddr is the null address of a node. The system itself uses it as the
// sender of requests so responses can find their way back across nodes.
func nodeAddr(node NodeNo) Addr {
	return Addr{node: node}
}

// IsNull reports whether a is the null address.
func (a Addr) IsNull() bool {
	return a.gen == 0
}

// Node returns the node number encoded in the address.
func (a Addr) Node() NodeNo {
	return a.node
}

// Slot returns the slot index.
func (a Addr) Slot() uint32 {
	return a.slot
}

// Generation returns the slot generation.
func (a Addr) Generation() uint32 {
	return a.gen
}

// String returns a compact representation, e.g. "1:2a#3".
func (a Addr) String() string {
	if a.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d:%x#%d", a.node, a.slot, a.gen)
}

const (
	defaultAddressShards   = 16
	defaultAddressCapacity = 1 << 20
)

// AddressSpace allocates and recycles actor addresses. Slots are spread over
// independently locked shards so unrelated spawns do not contend.
type AddressSpace struct {
	node     NodeNo
	shards   []*addrShard
	capacity int

	next atomic.Uint32
	used atomic.Int64
}

type addrShard struct {
	mu    sync.RWMutex
	slots []addrSlot
	free  []uint32
	limit int
}

type addrSlot struct {
	gen      uint32
	reserved bool
	inst     *ActorInstance
}

// NewAddressSpace creates an address space for the given node. capacity is
// the hard cap on live addresses; shards controls lock striping.
func NewAddressSpace(node NodeNo, capacity, shards int) *AddressSpace {
	if capacity <= 0 {
		capacity = defaultAddressCapacity
	}
	if shards <= 0 {
		shards = defaultAddressShards
	}
	if shards > capacity {
		shards = capacity
	}

	as := &AddressSpace{
		node:     node,
		shards:   make([]*addrShard, shards),
		capacity: capacity,
	}

	per := capacity / shards
	rest := capacity % shards
	for i := range as.shards {
		limit := per
		if i < rest {
			limit++
		}
		as.shards[i] = &addrShard{limit: limit}
	}

	return as
}

// Node returns the local node number.
func (as *AddressSpace) Node() NodeNo {
	return as.node
}

// IsLocal reports whether addr was allocated by this node.
func (as *AddressSpace) IsLocal(addr Addr) bool {
	return addr.node == as.node
}

// Allocate reserves a free slot and bumps its generation. It fails with
// ErrResourceExhausted when every shard is at its limit.
func (as *AddressSpace) Allocate() (Addr, error) {
	n := uint32(len(as.shards))
	start := as.next.Inc() % n

	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		if addr, ok := as.shards[idx].allocate(as.node, idx, n); ok {
			as.used.Inc()
			return addr, nil
		}
	}

	return NullAddr, fmt.Errorf("%w: %d addresses in use", ErrResourceExhausted, as.capacity)
}

func (s *addrShard) allocate(node NodeNo, shardIdx, shardCount uint32) (Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var local uint32
	switch {
	case len(s.free) > 0:
		local = s.free[0]
		s.free = s.free[1:]
	case len(s.slots) < s.limit:
		local = uint32(len(s.slots))
		s.slots = append(s.slots, addrSlot{})
	default:
		return NullAddr, false
	}

	slot := &s.slots[local]
	slot.gen++
	if slot.gen == 0 {
		// Zero is reserved for the null address.
		slot.gen = 1
	}
	slot.reserved = true
	slot.inst = nil

	return Addr{node: node, slot: local*shardCount + shardIdx, gen: slot.gen}, true
}

func (as *AddressSpace) locate(addr Addr) (*addrShard, uint32, bool) {
	if addr.IsNull() || addr.node != as.node {
		return nil, 0, false
	}
	n := uint32(len(as.shards))
	return as.shards[addr.slot%n], addr.slot / n, true
}

// Bind attaches an instance to a previously allocated address.
func (as *AddressSpace) Bind(addr Addr, inst *ActorInstance) error {
	shard, local, ok := as.locate(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if int(local) >= len(shard.slots) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	slot := &shard.slots[local]
	if !slot.reserved || slot.gen != addr.gen {
		return fmt.Errorf("%w: stale address %s", ErrInvalidAddress, addr)
	}
	slot.inst = inst
	return nil
}

// Release frees the slot of addr. Callers must only release once the owning
// task has fully terminated.
func (as *AddressSpace) Release(addr Addr) error {
	shard, local, ok := as.locate(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if int(local) >= len(shard.slots) {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	slot := &shard.slots[local]
	if !slot.reserved || slot.gen != addr.gen {
		return fmt.Errorf("%w: stale address %s", ErrInvalidAddress, addr)
	}

	slot.reserved = false
	slot.inst = nil
	shard.free = append(shard.free, local)
	as.used.Dec()
	return nil
}

// Resolve returns the instance living at addr. It returns false for stale
// addresses whose slot has been recycled.
func (as *AddressSpace) Resolve(addr Addr) (*ActorInstance, bool) {
	shard, local, ok := as.locate(addr)
	if !ok {
		return nil, false
	}

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	if int(local) >= len(shard.slots) {
		return nil, false
	}
	slot := shard.slots[local]
	if !slot.reserved || slot.gen != addr.gen || slot.inst == nil {
		return nil, false
	}
	return slot.inst, true
}

// Len returns the number of live addresses.
func (as *AddressSpace) Len() int {
	return int(as.used.Load())
}

// Cap returns the hard cap on live addresses.
func (as *AddressSpace) Cap() int {
	return as.capacity
}
