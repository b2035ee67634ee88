package core

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// GroupState is the supervisor state of a group.
type GroupState uint8

const (
	// GroupStarting means instances are being created
	GroupStarting GroupState = iota

	// GroupRunning means every instance is running
	GroupRunning

	// GroupDegraded means at least one instance waits for a restart
	GroupDegraded

	// GroupTerminating means the group is draining before shutdown
	GroupTerminating

	// GroupTerminated means every instance stopped and addresses are released
	GroupTerminated

	// GroupFailed means the restart budget was exceeded
	GroupFailed
)

// String returns the string representation of GroupState.
func (s GroupState) String() string {
	switch s {
	case GroupStarting:
		return "starting"
	case GroupRunning:
		return "running"
	case GroupDegraded:
		return "degraded"
	case GroupTerminating:
		return "terminating"
	case GroupTerminated:
		return "terminated"
	case GroupFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsHalted reports whether the group no longer processes envelopes.
func (s GroupState) IsHalted() bool {
	return s == GroupTerminating || s == GroupTerminated || s == GroupFailed
}

// GroupSpec describes a group of actors.
type GroupSpec struct {
	// Name of the group; also the routing topic of its members
	Name string

	// Instances is the number of members keyed "0".."n-1". Ignored when Keys
	// is set.
	Instances int

	// Keys names the members explicitly
	Keys []string

	// MailboxCapacity of each member; zero means direct hand-off
	MailboxCapacity int

	// Routing policy of the group topic
	Routing RoutingPolicy

	// Validate rejects configuration snapshots before they are installed
	Validate func(cfg any) error
}

func (spec GroupSpec) keys() []string {
	if len(spec.Keys) > 0 {
		return append([]string(nil), spec.Keys...)
	}
	n := spec.Instances
	if n <= 0 {
		n = 1
	}
	keys := make([]string, n)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}

type configSnapshot struct {
	value   any
	version uint64
}

// group supervises the instances of one GroupSpec.
type group struct {
	sys     *System
	name    string
	spec    GroupSpec
	factory Factory
	logger  *slog.Logger
	config  atomic.Pointer[configSnapshot]

	mu        sync.Mutex
	state     GroupState
	ledger    *RestartLedger
	policy    RestartPolicy
	instances map[string]*ActorInstance
	order     []string
	failure   error

	// unready counts members whose start hook has not succeeded yet;
	// restarting counts members waiting for a granted restart
	unready    int
	restarting int

	// settled is closed when the group leaves GroupStarting
	settled chan struct{}

	// terminated is closed when the group reaches GroupTerminated
	terminated chan struct{}
}

func newGroup(sys *System, spec GroupSpec, cfg any, policy RestartPolicy, factory Factory) *group {
	g := &group{
		sys:        sys,
		name:       spec.Name,
		spec:       spec,
		factory:    factory,
		logger:     sys.logger.With("group", spec.Name),
		state:      GroupStarting,
		ledger:     NewRestartLedger(policy),
		policy:     policy,
		instances:  make(map[string]*ActorInstance),
		settled:    make(chan struct{}),
		terminated: make(chan struct{}),
	}
	g.config.Store(&configSnapshot{value: cfg, version: 1})
	return g
}

// Config returns the current configuration snapshot.
func (g *group) Config() any {
	return g.config.Load().value
}

func (g *group) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *group) halted() bool {
	return g.State().IsHalted()
}

// finalStatus is the status an instance ends in when its mailbox closes.
func (g *group) finalStatus() ActorStatus {
	if g.State() == GroupFailed {
		return StatusFailed
	}
	return StatusTerminated
}

// setStateLocked changes the state and returns the event to emit once the
// lock is released.
func (g *group) setStateLocked(s GroupState) *Event {
	if g.state == s {
		return nil
	}
	switch {
	case s == GroupStarting:
		g.settled = make(chan struct{})
	case g.state == GroupStarting:
		close(g.settled)
	}
	g.state = s
	if s == GroupTerminated {
		close(g.terminated)
	}
	return &Event{Kind: EventGroupState, Group: g.name, State: s, Err: g.failure}
}

func (g *group) emitState(ev *Event) {
	if ev == nil {
		return
	}
	g.logger.Info("group state changed", "state", ev.State)
	g.sys.emit(*ev)
}

// settleLocked moves a Starting or Degraded group to Running once every
// member has started and none waits for a restart.
func (g *group) settleLocked() *Event {
	if g.state != GroupStarting && g.state != GroupDegraded {
		return nil
	}
	if g.unready > 0 || g.restarting > 0 {
		return nil
	}
	return g.setStateLocked(GroupRunning)
}

func (g *group) releaseGuard() {
	g.mu.Lock()
	g.unready--
	ev := g.settleLocked()
	g.mu.Unlock()
	g.emitState(ev)
}

func (g *group) settle() {
	g.mu.Lock()
	ev := g.settleLocked()
	g.mu.Unlock()
	g.emitState(ev)
}

// memberSettled is called when a member's start hook succeeded or the member
// stopped for good. first is set the first time a member gets there.
func (g *group) memberSettled(inst *ActorInstance, first bool) {
	g.mu.Lock()
	if first {
		g.unready--
	}
	if inst.awaitingRestart {
		inst.awaitingRestart = false
		g.restarting--
	}
	ev := g.settleLocked()
	g.mu.Unlock()
	g.emitState(ev)
}

// create calls the factory and recovers from panics in it.
func (g *group) create(key string) (actor Actor, panicked bool, err error) {
	panicked, err = invoke(func() error {
		var ferr error
		actor, ferr = g.factory(key)
		return ferr
	})
	if err == nil && actor == nil {
		err = fmt.Errorf("factory returned no actor for key %q", key)
	}
	return actor, panicked, err
}

func (g *group) newInstance(key string) (*ActorInstance, error) {
	actor, _, err := g.create(key)
	if err != nil {
		return nil, fmt.Errorf("create %s.%s: %w", g.name, key, err)
	}

	addr, err := g.sys.space.Allocate()
	if err != nil {
		return nil, err
	}

	inst := newActorInstance(g, addr, key, actor)
	if err := g.sys.space.Bind(addr, inst); err != nil {
		_ = g.sys.space.Release(addr)
		return nil, err
	}
	return inst, nil
}

// populate creates instances for keys concurrently and joins them to the
// group topic in key order.
func (g *group) populate(keys []string) error {
	insts := make([]*ActorInstance, len(keys))

	var eg errgroup.Group
	for i, key := range keys {
		i, key := i, key
		eg.Go(func() error {
			inst, err := g.newInstance(key)
			insts[i] = inst
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		for _, inst := range insts {
			if inst != nil {
				_ = g.sys.space.Release(inst.addr)
			}
		}
		return err
	}

	g.mu.Lock()
	for _, inst := range insts {
		g.instances[inst.key] = inst
		g.order = append(g.order, inst.key)
	}
	g.unready += len(insts)
	g.mu.Unlock()

	for _, inst := range insts {
		g.sys.table.Join(g.name, inst.addr)
		g.sys.sched.schedule(inst)
	}
	return nil
}

// onCrash consults the ledger. When the budget is exhausted the group fails,
// every other mailbox is closed and the failure is escalated.
func (g *group) onCrash(inst *ActorInstance, failure *ActorFailure) (Decision, GroupState) {
	g.mu.Lock()
	if g.state.IsHalted() {
		state := g.state
		g.mu.Unlock()
		return Decision{}, state
	}

	d := g.ledger.Record(g.sys.now())
	if !d.Restart {
		g.failure = fmt.Errorf("%w: %d restarts within %s: %v", ErrRestartBudgetExceeded, d.Attempt, g.policy.Window, failure)
		ev := g.setStateLocked(GroupFailed)
		others := g.snapshotLocked()
		g.mu.Unlock()

		g.emitState(ev)
		for _, other := range others {
			if other != inst {
				other.mailbox.Close()
				other.wake()
			}
		}
		g.sys.escalate(Escalation{Group: g.name, Addr: inst.addr, Err: g.Failure()})
		return d, GroupFailed
	}

	if !inst.awaitingRestart {
		inst.awaitingRestart = true
		g.restarting++
	}
	var ev *Event
	if g.state == GroupRunning || g.state == GroupStarting {
		ev = g.setStateLocked(GroupDegraded)
	}
	g.mu.Unlock()

	g.emitState(ev)
	return d, GroupDegraded
}

// finished is called by an instance that stopped for good.
func (g *group) finished(inst *ActorInstance, final ActorStatus) {
	if final != StatusTerminated {
		return
	}

	g.mu.Lock()
	if cur, ok := g.instances[inst.key]; ok && cur == inst {
		delete(g.instances, inst.key)
		for i, k := range g.order {
			if k == inst.key {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	g.sys.table.Leave(g.name, inst.addr)
	g.release(inst)
}

func (g *group) release(inst *ActorInstance) {
	inst.mu.Lock()
	if inst.released {
		inst.mu.Unlock()
		return
	}
	inst.released = true
	inst.mu.Unlock()

	if err := g.sys.space.Release(inst.addr); err != nil {
		g.logger.Warn("release address", "addr", inst.addr, "error", err)
	}
}

func (g *group) snapshotLocked() []*ActorInstance {
	out := make([]*ActorInstance, 0, len(g.order))
	for _, k := range g.order {
		if inst, ok := g.instances[k]; ok {
			out = append(out, inst)
		}
	}
	return out
}

func (g *group) snapshot() []*ActorInstance {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Failure returns the reason the group failed, if it did.
func (g *group) Failure() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failure
}

// shutdown closes every mailbox, lets instances drain until grace elapses,
// then forces the remaining ones to stop and releases all addresses.
func (g *group) shutdown(ctx context.Context, grace time.Duration) error {
	g.mu.Lock()
	switch g.state {
	case GroupTerminated:
		g.mu.Unlock()
		return nil
	case GroupTerminating:
		g.mu.Unlock()
		select {
		case <-g.terminated:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ev := g.setStateLocked(GroupTerminating)
	insts := g.snapshotLocked()
	g.mu.Unlock()
	g.emitState(ev)

	for _, inst := range insts {
		inst.mailbox.Close()
		inst.wake()
	}

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	drained := waitDone(graceCtx, insts)
	cancel()

	if !drained {
		g.logger.Warn("grace period elapsed, forcing stop", "grace", grace)
		for _, inst := range insts {
			inst.requestStop()
		}
		if !waitDone(ctx, insts) {
			return fmt.Errorf("shutdown %s: %w", g.name, ctx.Err())
		}
	}

	for _, inst := range insts {
		g.release(inst)
	}
	g.sys.table.Remove(g.name)

	g.mu.Lock()
	g.instances = make(map[string]*ActorInstance)
	g.order = nil
	ev = g.setStateLocked(GroupTerminated)
	g.mu.Unlock()
	g.emitState(ev)

	g.sys.removeGroup(g)
	return nil
}

func waitDone(ctx context.Context, insts []*ActorInstance) bool {
	for _, inst := range insts {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// GroupHandle controls a spawned group.
type GroupHandle struct {
	g *group
}

// Name returns the group name.
func (h *GroupHandle) Name() string {
	return h.g.name
}

// State returns the supervisor state.
func (h *GroupHandle) State() GroupState {
	return h.g.State()
}

// Failure returns why the group failed, or nil.
func (h *GroupHandle) Failure() error {
	return h.g.Failure()
}

// Config returns the current configuration snapshot.
func (h *GroupHandle) Config() any {
	return h.g.Config()
}

// ConfigVersion returns the number of installed snapshots.
func (h *GroupHandle) ConfigVersion() uint64 {
	return h.g.config.Load().version
}

// Addrs returns member addresses in key order.
func (h *GroupHandle) Addrs() []Addr {
	insts := h.g.snapshot()
	out := make([]Addr, len(insts))
	for i, inst := range insts {
		out[i] = inst.addr
	}
	return out
}

// Addr returns the address of member key.
func (h *GroupHandle) Addr(key string) (Addr, bool) {
	h.g.mu.Lock()
	defer h.g.mu.Unlock()
	inst, ok := h.g.instances[key]
	if !ok {
		return NullAddr, false
	}
	return inst.addr, true
}

// UpdateConfig validates cfg and installs it atomically. Handlers observe it
// from their next message cycle. A rejected snapshot leaves the current one
// in place.
func (h *GroupHandle) UpdateConfig(cfg any) error {
	g := h.g
	if g.spec.Validate != nil {
		if err := g.spec.Validate(cfg); err != nil {
			g.logger.Warn("config rejected", "error", err)
			g.sys.emit(Event{Kind: EventConfigRejected, Group: g.name, Err: err})
			return fmt.Errorf("%w: %v", ErrConfigRejected, err)
		}
	}

	for {
		cur := g.config.Load()
		next := &configSnapshot{value: cfg, version: cur.version + 1}
		if g.config.CompareAndSwap(cur, next) {
			g.logger.Info("config updated", "version", next.version)
			g.sys.emit(Event{Kind: EventConfigUpdated, Group: g.name})
			return nil
		}
	}
}

// UpdatePolicy replaces the restart policy. Restarts already in the window
// stay counted.
func (h *GroupHandle) UpdatePolicy(policy RestartPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	g := h.g
	g.mu.Lock()
	g.policy = policy
	g.ledger.SetPolicy(policy)
	g.mu.Unlock()
	return nil
}

// UpdateRouting replaces the routing policy of the group topic.
func (h *GroupHandle) UpdateRouting(policy RoutingPolicy) {
	h.g.sys.table.Declare(h.g.name, policy)
}

// Spawn adds a member. Spawning an existing key returns its address.
func (h *GroupHandle) Spawn(key string) (Addr, error) {
	g := h.g
	if err := g.usable(); err != nil {
		return NullAddr, err
	}
	if addr, ok := h.Addr(key); ok {
		return addr, nil
	}

	inst, err := g.newInstance(key)
	if err != nil {
		return NullAddr, err
	}

	g.mu.Lock()
	if existing, ok := g.instances[key]; ok || g.state.IsHalted() {
		g.mu.Unlock()
		_ = g.sys.space.Release(inst.addr)
		if ok {
			return existing.addr, nil
		}
		return NullAddr, g.usable()
	}
	g.instances[key] = inst
	g.order = append(g.order, key)
	g.unready++
	g.mu.Unlock()

	g.sys.table.Join(g.name, inst.addr)
	g.sys.sched.schedule(inst)
	return inst.addr, nil
}

// Stop removes member key. It leaves the topic immediately, drains its
// mailbox and then terminates.
func (h *GroupHandle) Stop(key string) error {
	g := h.g
	g.mu.Lock()
	inst, ok := g.instances[key]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoRecipient, g.name, key)
	}

	g.sys.table.Leave(g.name, inst.addr)
	inst.mailbox.Close()
	inst.wake()
	return nil
}

// Ready blocks until the group has left GroupStarting. It returns an error
// if the group failed or terminated instead of running.
func (h *GroupHandle) Ready(ctx context.Context) error {
	g := h.g
	g.mu.Lock()
	settled := g.settled
	g.mu.Unlock()

	select {
	case <-settled:
		return g.usable()
	case <-ctx.Done():
		return fmt.Errorf("group %s not ready: %w", g.name, ctx.Err())
	}
}

// Restart brings a failed group back with fresh instances and an empty
// restart ledger.
func (h *GroupHandle) Restart(ctx context.Context) error {
	g := h.g
	g.mu.Lock()
	if g.state != GroupFailed {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("group %s is %s, not failed", g.name, state)
	}
	old := g.snapshotLocked()
	keys := append([]string(nil), g.order...)
	g.instances = make(map[string]*ActorInstance)
	g.order = nil
	g.failure = nil
	g.ledger.Reset()
	// held until the new population is in place
	g.unready++
	ev := g.setStateLocked(GroupStarting)
	g.mu.Unlock()
	g.emitState(ev)

	if !waitDone(ctx, old) {
		g.releaseGuard()
		return fmt.Errorf("restart %s: %w", g.name, ctx.Err())
	}
	for _, inst := range old {
		g.sys.table.Leave(g.name, inst.addr)
		g.release(inst)
	}

	if len(keys) == 0 {
		keys = g.spec.keys()
	}
	if err := g.populate(keys); err != nil {
		g.mu.Lock()
		g.unready--
		g.failure = err
		ev := g.setStateLocked(GroupFailed)
		g.mu.Unlock()
		g.emitState(ev)
		return err
	}

	g.releaseGuard()
	return nil
}

// Shutdown stops the group: mailboxes close, queued envelopes are processed
// until grace elapses, remaining instances are stopped and every address is
// released.
func (h *GroupHandle) Shutdown(ctx context.Context, grace time.Duration) error {
	return h.g.shutdown(ctx, grace)
}

// Done is closed once the group is terminated.
func (h *GroupHandle) Done() <-chan struct{} {
	return h.g.terminated
}

// Stats returns a snapshot of the group and its members.
func (h *GroupHandle) Stats() GroupStats {
	g := h.g
	insts := g.snapshot()

	g.mu.Lock()
	stats := GroupStats{
		Name:          g.name,
		State:         g.state,
		Restarts:      g.ledger.Total(),
		RestartWindow: g.ledger.InWindow(g.sys.now()),
		ConfigVersion: g.config.Load().version,
	}
	g.mu.Unlock()

	stats.Actors = make([]ActorStats, len(insts))
	for i, inst := range insts {
		stats.Actors[i] = inst.Stats()
	}
	return stats
}

func (g *group) usable() error {
	switch g.State() {
	case GroupFailed:
		return fmt.Errorf("%w: %s", ErrGroupFailed, g.name)
	case GroupTerminating, GroupTerminated:
		return fmt.Errorf("%w: %s", ErrGroupTerminated, g.name)
	}
	return nil
}
