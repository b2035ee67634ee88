package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
)

// Strategy selects how a message sent to a topic is spread over its members.
type Strategy uint8

const (
	// StrategyDefault uses the strategy configured for the topic
	StrategyDefault Strategy = iota

	// StrategyUnicast delivers to exactly one member chosen by key hash
	StrategyUnicast

	// StrategyBroadcast delivers to every member
	StrategyBroadcast

	// StrategyAnycast delivers to the first member that accepts, skipping
	// full or closed mailboxes
	StrategyAnycast
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "default"
	case StrategyUnicast:
		return "unicast"
	case StrategyBroadcast:
		return "broadcast"
	case StrategyAnycast:
		return "anycast"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name as used in configuration files.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return StrategyDefault, nil
	case "unicast":
		return StrategyUnicast, nil
	case "broadcast":
		return StrategyBroadcast, nil
	case "anycast":
		return StrategyAnycast, nil
	default:
		return StrategyDefault, fmt.Errorf("unknown routing strategy %q", s)
	}
}

// AnycastPolicy decides which member an anycast delivery tries first.
type AnycastPolicy uint8

const (
	// AnycastRoundRobin rotates the starting member on every routing decision
	AnycastRoundRobin AnycastPolicy = iota

	// AnycastFirst always starts at the first member in table order
	AnycastFirst
)

// String returns the string representation of AnycastPolicy.
func (p AnycastPolicy) String() string {
	switch p {
	case AnycastRoundRobin:
		return "round-robin"
	case AnycastFirst:
		return "first"
	default:
		return "unknown"
	}
}

// ParseAnycastPolicy parses an anycast tie-break name.
func ParseAnycastPolicy(s string) (AnycastPolicy, error) {
	switch strings.ToLower(s) {
	case "", "round-robin", "roundrobin":
		return AnycastRoundRobin, nil
	case "first":
		return AnycastFirst, nil
	default:
		return AnycastRoundRobin, fmt.Errorf("unknown anycast policy %q", s)
	}
}

// RoutingPolicy is the routing configuration of a topic.
type RoutingPolicy struct {
	// Strategy used when the sender does not choose one
	Strategy Strategy

	// Anycast tie-break
	Anycast AnycastPolicy
}

// Destination names the target of a send: either a concrete address or a
// topic resolved through the routing table.
type Destination struct {
	addr     Addr
	topic    string
	key      string
	hasKey   bool
	strategy Strategy
}

// To targets a single address.
func To(addr Addr) Destination {
	return Destination{addr: addr}
}

// Topic targets the members of a routing table entry. Every group is
// registered under its name.
func Topic(name string) Destination {
	return Destination{topic: name}
}

// WithKey sets the key a unicast decision is hashed on.
func (d Destination) WithKey(key string) Destination {
	d.key = key
	d.hasKey = true
	return d
}

// WithStrategy overrides the topic's configured strategy.
func (d Destination) WithStrategy(s Strategy) Destination {
	d.strategy = s
	return d
}

// IsTopic reports whether d names a topic.
func (d Destination) IsTopic() bool {
	return d.topic != ""
}

// Addr returns the target address of an address destination.
func (d Destination) Addr() Addr {
	return d.addr
}

// TopicName returns the topic of a topic destination.
func (d Destination) TopicName() string {
	return d.topic
}

// Key returns the unicast key and whether one was set.
func (d Destination) Key() (string, bool) {
	return d.key, d.hasKey
}

// String returns a short description used in errors and logs.
func (d Destination) String() string {
	if !d.IsTopic() {
		return d.addr.String()
	}
	s := "topic:" + d.topic
	if d.hasKey {
		s += "[" + d.key + "]"
	}
	if d.strategy != StrategyDefault {
		s += "/" + d.strategy.String()
	}
	return s
}

const defaultRouteShards = 16

// RoutingTable maps topics to ordered member addresses. Writers copy the
// shard map and publish it through an atomic pointer, so readers never lock.
// Every mutation of an entry bumps its version.
type RoutingTable struct {
	shards []*routeShard
}

type routeShard struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]*routeEntry]
}

type routeEntry struct {
	version uint64
	members []Addr
	policy  RoutingPolicy

	// rr is shared between versions of the same topic
	rr *atomic.Uint64
}

// Route is a consistent view of one topic.
type Route struct {
	Topic   string
	Version uint64
	Members []Addr
	Policy  RoutingPolicy
}

// NewRoutingTable creates an empty table striped over the given number of
// shards.
func NewRoutingTable(shards int) *RoutingTable {
	if shards <= 0 {
		shards = defaultRouteShards
	}
	rt := &RoutingTable{shards: make([]*routeShard, shards)}
	for i := range rt.shards {
		s := &routeShard{}
		empty := make(map[string]*routeEntry)
		s.snap.Store(&empty)
		rt.shards[i] = s
	}
	return rt
}

func (rt *RoutingTable) shard(topic string) *routeShard {
	return rt.shards[xxh3.HashString(topic)%uint64(len(rt.shards))]
}

func (rt *RoutingTable) lookup(topic string) (*routeEntry, bool) {
	m := *rt.shard(topic).snap.Load()
	e, ok := m[topic]
	return e, ok
}

// update applies fn to a copy of the entry for topic and publishes it.
// Returning nil from fn removes the topic.
func (rt *RoutingTable) update(topic string, fn func(old *routeEntry) *routeEntry) {
	s := rt.shard(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.snap.Load()
	next := make(map[string]*routeEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}

	prev := old[topic]
	e := fn(prev)
	if e == nil {
		delete(next, topic)
	} else {
		if prev != nil {
			e.version = prev.version + 1
			e.rr = prev.rr
		} else {
			e.version = 1
			e.rr = atomic.NewUint64(0)
		}
		next[topic] = e
	}
	s.snap.Store(&next)
}

// Declare creates topic with the given policy, or replaces the policy of an
// existing topic.
func (rt *RoutingTable) Declare(topic string, policy RoutingPolicy) {
	rt.update(topic, func(old *routeEntry) *routeEntry {
		e := &routeEntry{policy: policy}
		if old != nil {
			e.members = old.members
		}
		return e
	})
}

// Join appends addr to the members of topic. Joining twice is a no-op apart
// from the version bump.
func (rt *RoutingTable) Join(topic string, addr Addr) {
	rt.update(topic, func(old *routeEntry) *routeEntry {
		e := &routeEntry{}
		if old != nil {
			e.policy = old.policy
			e.members = make([]Addr, 0, len(old.members)+1)
			for _, m := range old.members {
				if m != addr {
					e.members = append(e.members, m)
				}
			}
		}
		e.members = append(e.members, addr)
		return e
	})
}

// Leave removes addr from topic.
func (rt *RoutingTable) Leave(topic string, addr Addr) {
	rt.update(topic, func(old *routeEntry) *routeEntry {
		if old == nil {
			return nil
		}
		e := &routeEntry{policy: old.policy, members: make([]Addr, 0, len(old.members))}
		for _, m := range old.members {
			if m != addr {
				e.members = append(e.members, m)
			}
		}
		return e
	})
}

// Remove deletes topic.
func (rt *RoutingTable) Remove(topic string) {
	rt.update(topic, func(*routeEntry) *routeEntry { return nil })
}

// Lookup returns the current view of topic.
func (rt *RoutingTable) Lookup(topic string) (Route, bool) {
	e, ok := rt.lookup(topic)
	if !ok {
		return Route{}, false
	}
	return Route{
		Topic:   topic,
		Version: e.version,
		Members: append([]Addr(nil), e.members...),
		Policy:  e.policy,
	}, true
}

// Version returns the current version of topic, zero if it does not exist.
func (rt *RoutingTable) Version(topic string) uint64 {
	if e, ok := rt.lookup(topic); ok {
		return e.version
	}
	return 0
}

// DeliveryPlan is the outcome of one routing decision.
type DeliveryPlan struct {
	// Strategy actually applied
	Strategy Strategy

	// Targets in the order delivery is attempted
	Targets []Addr

	// Version of the table entry the plan was computed from
	Version uint64
}

// Plan computes the delivery plan for dest. Address destinations always yield
// a single target. trace seeds the unicast hash when dest carries no key.
func (rt *RoutingTable) Plan(dest Destination, trace TraceID) (DeliveryPlan, error) {
	if !dest.IsTopic() {
		if dest.addr.IsNull() {
			return DeliveryPlan{}, ErrNoRecipient
		}
		return DeliveryPlan{Strategy: StrategyUnicast, Targets: []Addr{dest.addr}}, nil
	}

	e, ok := rt.lookup(dest.topic)
	if !ok || len(e.members) == 0 {
		var version uint64
		if ok {
			version = e.version
		}
		return DeliveryPlan{Version: version}, ErrNoRecipient
	}

	strategy := dest.strategy
	if strategy == StrategyDefault {
		strategy = e.policy.Strategy
	}
	if strategy == StrategyDefault {
		strategy = StrategyUnicast
	}

	plan := DeliveryPlan{Strategy: strategy, Version: e.version}
	n := uint64(len(e.members))

	switch strategy {
	case StrategyBroadcast:
		plan.Targets = append([]Addr(nil), e.members...)
	case StrategyAnycast:
		var start uint64
		if e.policy.Anycast == AnycastRoundRobin {
			start = (e.rr.Inc() - 1) % n
		}
		plan.Targets = make([]Addr, 0, n)
		for i := uint64(0); i < n; i++ {
			plan.Targets = append(plan.Targets, e.members[(start+i)%n])
		}
	default:
		var h uint64
		if dest.hasKey {
			h = xxh3.HashString(dest.key)
		} else {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(trace))
			h = xxh3.Hash(buf[:])
		}
		plan.Targets = []Addr{e.members[h%n]}
	}

	return plan, nil
}

// RemoteTransport carries envelopes addressed to other nodes. Send must not
// block for long; implementations queue and report ErrRemoteUnavailable when
// the peer is unknown.
type RemoteTransport interface {
	Send(ctx context.Context, env Envelope) error
}

// maxRouteAttempts bounds retries caused by concurrent membership changes.
const maxRouteAttempts = 4

// router executes delivery plans against local mailboxes and the remote
// transport.
type router struct {
	table  *RoutingTable
	space  *AddressSpace
	remote RemoteTransport
}

// delivery controls how a single route call waits.
type delivery struct {
	// block waits for mailbox space instead of failing with ErrMailboxFull
	block bool

	// park is called before a blocking wait; the returned func resumes.
	park func() func()
}

// route delivers env to dest. It retries when the plan's topic version moved
// on and no member accepted, and never drops a message silently: the caller
// either gets nil or the reason delivery failed.
func (r *router) route(ctx context.Context, dest Destination, env Envelope, d delivery) error {
	var lastErr error
	for attempt := 0; attempt < maxRouteAttempts; attempt++ {
		plan, err := r.table.Plan(dest, env.TraceID())
		if err != nil {
			return &RouteError{Dest: dest, Err: err}
		}

		accepted, err := r.execute(ctx, plan, env, d)
		if accepted > 0 {
			return nil
		}
		lastErr = err

		if !dest.IsTopic() || r.table.Version(dest.topic) == plan.Version {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &RouteError{Dest: dest, Err: lastErr}
}

func (r *router) execute(ctx context.Context, plan DeliveryPlan, env Envelope, d delivery) (int, error) {
	switch plan.Strategy {
	case StrategyBroadcast:
		accepted := 0
		var firstErr error
		for _, addr := range plan.Targets {
			if err := r.deliver(ctx, addr, env, d); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			accepted++
		}
		return accepted, firstErr

	case StrategyAnycast:
		var full []Addr
		var lastErr error
		for _, addr := range plan.Targets {
			err := r.deliver(ctx, addr, env, delivery{})
			if err == nil {
				return 1, nil
			}
			if errors.Is(err, ErrMailboxFull) {
				full = append(full, addr)
			}
			lastErr = err
		}
		// Every member is full or closed: a blocking send waits on the
		// preferred full member.
		if d.block && len(full) > 0 {
			if err := r.deliver(ctx, full[0], env, d); err != nil {
				return 0, err
			}
			return 1, nil
		}
		return 0, lastErr

	default:
		if err := r.deliver(ctx, plan.Targets[0], env, d); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

func (r *router) deliver(ctx context.Context, addr Addr, env Envelope, d delivery) error {
	env = env.withRecipient(addr)

	if !r.space.IsLocal(addr) {
		if r.remote == nil {
			return ErrRemoteUnavailable
		}
		return r.remote.Send(ctx, env)
	}

	inst, ok := r.space.Resolve(addr)
	if !ok {
		return ErrNoRecipient
	}

	err := inst.mailbox.TrySend(env)
	if err == nil || !d.block || !errors.Is(err, ErrMailboxFull) {
		return err
	}

	if d.park != nil {
		resume := d.park()
		defer resume()
	}
	return inst.mailbox.Send(ctx, env)
}
