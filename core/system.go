package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Options configures a System.
type Options struct {
	// Node is the number of this node in a distributed deployment
	Node NodeNo

	// Logger receives runtime logs; defaults to slog.Default()
	Logger *slog.Logger

	// Sink receives runtime events; defaults to NopSink
	Sink Sink

	// Dumper captures envelopes sent and received by actors
	Dumper Dumper

	// Remote carries envelopes addressed to other nodes
	Remote RemoteTransport

	// OnEscalation is called for failures groups cannot absorb
	OnEscalation func(Escalation)

	// Workers is the size of the worker pool; defaults to GOMAXPROCS
	Workers int

	// Throughput is the number of envelopes an actor processes before it
	// yields its worker
	Throughput int

	// MaxActors is the hard cap on live addresses
	MaxActors int

	// AddressShards and RouteShards control lock striping
	AddressShards int
	RouteShards   int

	// ShutdownGrace is the drain period per group on System.Shutdown
	ShutdownGrace time.Duration

	Watchdog WatchdogOptions

	// Clock overrides time.Now for restart accounting
	Clock func() time.Time
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		Workers:       runtime.GOMAXPROCS(0),
		Throughput:    64,
		MaxActors:     defaultAddressCapacity,
		AddressShards: defaultAddressShards,
		RouteShards:   defaultRouteShards,
		ShutdownGrace: 5 * time.Second,
		Watchdog:      WatchdogOptions{Threshold: time.Second},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Sink == nil {
		o.Sink = NopSink{}
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.Throughput <= 0 {
		o.Throughput = def.Throughput
	}
	if o.MaxActors <= 0 {
		o.MaxActors = def.MaxActors
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// System is the actor runtime of one node: address space, routing table,
// scheduler, watchdog and the supervised groups.
type System struct {
	id     uuid.UUID
	opts   Options
	logger *slog.Logger
	sink   Sink
	dumper Dumper

	space    *AddressSpace
	table    *RoutingTable
	router   *router
	sched    *Scheduler
	watchdog *Watchdog
	requests requestTable
	trace    traceGen

	mu     sync.RWMutex
	groups map[string]*group

	stopped atomic.Bool

	// ctx is canceled once shutdown completes
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystem creates a System and starts its watchdog.
func NewSystem(opts Options) *System {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &System{
		id:     uuid.New(),
		opts:   opts,
		sink:   opts.Sink,
		dumper: opts.Dumper,
		space:  NewAddressSpace(opts.Node, opts.MaxActors, opts.AddressShards),
		table:  NewRoutingTable(opts.RouteShards),
		groups: make(map[string]*group),
		ctx:    ctx,
		cancel: cancel,
	}
	s.logger = opts.Logger.With("node", opts.Node, "system", s.id.String())
	s.trace.node = opts.Node

	if !opts.Watchdog.Disabled {
		s.watchdog = NewWatchdog(opts.Workers, opts.Watchdog, s.onWatchdog)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchdog.Run(ctx)
		}()
	}

	s.sched = NewScheduler(opts.Workers, opts.Throughput, s.watchdog)
	s.router = &router{table: s.table, space: s.space, remote: opts.Remote}

	s.logger.Info("actor system started", "workers", opts.Workers, "throughput", opts.Throughput)
	return s
}

// ID returns the launch id of the system.
func (s *System) ID() uuid.UUID {
	return s.id
}

// Node returns the local node number.
func (s *System) Node() NodeNo {
	return s.opts.Node
}

// Logger returns the system logger.
func (s *System) Logger() *slog.Logger {
	return s.logger
}

// Routes returns the routing table.
func (s *System) Routes() *RoutingTable {
	return s.table
}

// Addresses returns the address space.
func (s *System) Addresses() *AddressSpace {
	return s.space
}

// Watchdog returns the watchdog, or nil when it is disabled.
func (s *System) Watchdog() *Watchdog {
	return s.watchdog
}

// SetRemote installs the transport for envelopes addressed to other nodes.
// It must be called before traffic to remote addresses starts.
func (s *System) SetRemote(t RemoteTransport) {
	s.router.remote = t
}

func (s *System) now() time.Time {
	return s.opts.Clock()
}

func (s *System) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.sink.Emit(ev)
}

func (s *System) escalate(e Escalation) {
	s.logger.Error("failure escalated", "group", e.Group, "addr", e.Addr, "error", e.Err)
	s.emit(Event{Kind: EventEscalated, Group: e.Group, Addr: e.Addr, Err: e.Err})
	if s.opts.OnEscalation != nil {
		s.opts.OnEscalation(e)
	}
}

func (s *System) onWatchdog(r WatchdogReport) {
	s.logger.Warn("actor is not yielding", "group", r.Group, "key", r.Key, "addr", r.Addr, "elapsed", r.Elapsed, "worker", r.Worker)
	s.emit(Event{Kind: EventWatchdogTriggered, Group: r.Group, Key: r.Key, Addr: r.Addr, Elapsed: r.Elapsed})
	s.escalate(Escalation{
		Group: r.Group,
		Addr:  r.Addr,
		Err:   fmt.Errorf("%w: running for %s", ErrActorStuck, r.Elapsed),
	})
}

// SpawnGroup validates the initial configuration, creates the group's
// instances and starts supervising them.
func (s *System) SpawnGroup(spec GroupSpec, cfg any, policy RestartPolicy, factory Factory) (*GroupHandle, error) {
	if s.stopped.Load() {
		return nil, ErrSystemStopped
	}
	if spec.Name == "" {
		return nil, errors.New("group name is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("group %s: factory is required", spec.Name)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("group %s: %w", spec.Name, err)
	}
	if spec.Validate != nil {
		if err := spec.Validate(cfg); err != nil {
			return nil, fmt.Errorf("group %s: %w: %v", spec.Name, ErrConfigRejected, err)
		}
	}

	g := newGroup(s, spec, cfg, policy, factory)

	s.mu.Lock()
	if _, ok := s.groups[spec.Name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, spec.Name)
	}
	s.groups[spec.Name] = g
	s.mu.Unlock()

	s.table.Declare(spec.Name, spec.Routing)
	g.emitState(&Event{Kind: EventGroupState, Group: g.name, State: GroupStarting})

	if err := g.populate(spec.keys()); err != nil {
		s.table.Remove(spec.Name)
		s.mu.Lock()
		delete(s.groups, spec.Name)
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn group %s: %w", spec.Name, err)
	}

	g.settle()
	return &GroupHandle{g: g}, nil
}

// Group returns the handle of a running group.
func (s *System) Group(name string) (*GroupHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return nil, false
	}
	return &GroupHandle{g: g}, true
}

// Groups returns handles of every group, sorted by name.
func (s *System) Groups() []*GroupHandle {
	s.mu.RLock()
	out := make([]*GroupHandle, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, &GroupHandle{g: g})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (s *System) removeGroup(g *group) {
	s.mu.Lock()
	if cur, ok := s.groups[g.name]; ok && cur == g {
		delete(s.groups, g.name)
	}
	s.mu.Unlock()
}

// Send delivers payload to dest with the system as sender. It waits for
// mailbox space; ctx bounds the wait.
func (s *System) Send(ctx context.Context, dest Destination, payload Payload) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	env := NewEnvelope(NullAddr, NullAddr, payload, s.trace.next())
	return s.router.route(ctx, dest, env, delivery{block: true})
}

// TrySend is like Send but fails with ErrMailboxFull instead of waiting.
func (s *System) TrySend(dest Destination, payload Payload) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	env := NewEnvelope(NullAddr, NullAddr, payload, s.trace.next())
	return s.router.route(s.ctx, dest, env, delivery{})
}

// Ask sends a request to addr and waits for its response. A zero timeout
// relies on ctx alone.
func (s *System) Ask(ctx context.Context, addr Addr, payload Payload, timeout time.Duration) (Envelope, error) {
	if s.stopped.Load() {
		return Envelope{}, &AskError{Addr: addr, Err: ErrSystemStopped}
	}
	return s.ask(ctx, nodeAddr(s.Node()), addr, payload, s.trace.next(), timeout, nil)
}

func (s *System) ask(ctx context.Context, from, addr Addr, payload Payload, trace TraceID, timeout time.Duration, park func() func()) (Envelope, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	id, ch := s.requests.register()
	env := NewRequestEnvelope(from, addr, payload, trace, id)

	if err := s.router.route(ctx, To(addr), env, delivery{block: true, park: park}); err != nil {
		s.requests.cancel(id)
		return Envelope{}, &AskError{Addr: addr, Err: err}
	}

	var resume func()
	if park != nil {
		resume = park()
	}

	var resp Envelope
	var err error
	select {
	case resp = <-ch:
	case <-ctx.Done():
		s.requests.cancel(id)
		err = waitError(ctx)
	}

	if resume != nil {
		resume()
	}

	if err != nil {
		return Envelope{}, &AskError{Addr: addr, Err: err}
	}
	if resp.Err() != nil {
		return resp, &AskError{Addr: addr, Err: resp.Err()}
	}
	return resp, nil
}

// respond routes a response to its asker: the local request table, or the
// remote transport when the asker lives on another node.
func (s *System) respond(resp Envelope) {
	to := resp.Recipient()
	if !s.space.IsLocal(to) {
		if err := s.router.deliver(s.ctx, to, resp, delivery{}); err != nil {
			s.logger.Warn("remote response dropped", "to", to, "request", resp.RequestID(), "error", err)
		}
		return
	}
	if !s.requests.complete(resp) {
		s.logger.Debug("late response dropped", "request", resp.RequestID())
	}
}

// Deliver injects an envelope received from a remote node. Responses
// complete the matching local ask; everything else is routed to its
// recipient like a local send.
func (s *System) Deliver(ctx context.Context, env Envelope) error {
	if s.stopped.Load() {
		return ErrSystemStopped
	}
	if env.Kind() == KindResponse {
		if !s.requests.complete(env) {
			s.logger.Debug("late response dropped", "request", env.RequestID())
		}
		return nil
	}

	to := env.Recipient()
	if !s.space.IsLocal(to) {
		return &RouteError{Dest: To(to), Err: fmt.Errorf("%w: node %d", ErrInvalidAddress, to.Node())}
	}

	err := s.router.route(ctx, To(to), env, delivery{block: true})
	if err != nil && env.IsRequest() {
		s.respond(failedResponse(env, to, err))
	}
	return err
}

// Stats returns a snapshot of the whole system.
func (s *System) Stats() SystemStats {
	stats := SystemStats{
		ID:         s.id,
		Node:       s.opts.Node,
		Workers:    s.sched.Workers(),
		ReadyQueue: s.sched.Ready(),
		Addresses:  s.space.Len(),
		Pending:    s.requests.len(),
	}
	for _, h := range s.Groups() {
		stats.Groups = append(stats.Groups, h.Stats())
	}
	return stats
}

// Shutdown stops every group concurrently, each with the configured grace
// period, then stops the watchdog.
func (s *System) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("actor system shutting down")

	var eg errgroup.Group
	for _, h := range s.Groups() {
		g := h.g
		eg.Go(func() error {
			return g.shutdown(ctx, s.opts.ShutdownGrace)
		})
	}
	err := eg.Wait()

	s.cancel()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("actor system stopped")
	return nil
}
