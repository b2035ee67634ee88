package core

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Actor processes envelopes one at a time. Returning an error or panicking
// crashes the instance and hands it to the group's restart policy.
type Actor interface {
	Receive(ctx *Context, env Envelope) error
}

// Starter is implemented by actors that need to run code before the first
// envelope. A failing Started counts as a crash.
type Starter interface {
	Started(ctx *Context) error
}

// Stopper is implemented by actors that want to observe a graceful stop.
// It is not called after a crash.
type Stopper interface {
	Stopped(ctx *Context)
}

// ActorFunc adapts a function to Actor.
type ActorFunc func(ctx *Context, env Envelope) error

// Receive calls f(ctx, env).
func (f ActorFunc) Receive(ctx *Context, env Envelope) error {
	return f(ctx, env)
}

// Factory builds the actor for a group member. It is called again on every
// restart of that member.
type Factory func(key string) (Actor, error)

// ActorStatus is the lifecycle state of an actor instance.
type ActorStatus uint8

const (
	// StatusInitializing means the Started hook has not run yet
	StatusInitializing ActorStatus = iota

	// StatusRunning means the instance processes its mailbox
	StatusRunning

	// StatusRestarting means the instance crashed and waits for its backoff
	StatusRestarting

	// StatusTerminated means the instance stopped and its address is released
	StatusTerminated

	// StatusFailed means the instance stopped because its group failed
	StatusFailed
)

// String returns the string representation of ActorStatus.
func (s ActorStatus) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusRestarting:
		return "restarting"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsFinished reports whether the instance will not process envelopes again.
func (s ActorStatus) IsFinished() bool {
	return s == StatusTerminated || s == StatusFailed
}

const saturationReportInterval = time.Second

// timerRetry is how long a timer waits before retrying a full mailbox.
const timerRetry = 10 * time.Millisecond

// ActorInstance is one member of a group: an address, a mailbox that
// survives restarts, and the current actor incarnation.
type ActorInstance struct {
	addr    Addr
	key     string
	group   *group
	mailbox *Mailbox
	logger  *slog.Logger
	created time.Time

	// queued is set while the instance sits in the ready queue or runs
	queued atomic.Bool

	// Owned by the running task.
	actor        Actor
	started      bool
	readied      bool
	incarnation  int
	restartDelay time.Duration

	// awaitingRestart is guarded by the group lock
	awaitingRestart bool

	mu        sync.Mutex
	status    ActorStatus
	restartAt time.Time
	stopReq   bool
	timers    map[uint64]*time.Timer
	released  bool
	lastMsgAt time.Time

	processed     atomic.Uint64
	failures      atomic.Uint64
	restarts      atomic.Uint64
	lastSaturated atomic.Int64
	timerSeq      atomic.Uint64

	done chan struct{}
}

func newActorInstance(g *group, addr Addr, key string, actor Actor) *ActorInstance {
	inst := &ActorInstance{
		addr:    addr,
		key:     key,
		group:   g,
		mailbox: NewMailbox(g.spec.MailboxCapacity),
		logger:  g.logger.With("key", key, "addr", addr.String()),
		created: time.Now(),
		actor:   actor,
		status:  StatusInitializing,
		done:    make(chan struct{}),
	}
	inst.mailbox.setHooks(inst.wake, inst.onSaturated)
	return inst
}

// Addr returns the address of the instance.
func (inst *ActorInstance) Addr() Addr {
	return inst.addr
}

// Key returns the member key within the group.
func (inst *ActorInstance) Key() string {
	return inst.key
}

// Status returns the lifecycle state.
func (inst *ActorInstance) Status() ActorStatus {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status
}

// Done is closed once the instance stopped for good.
func (inst *ActorInstance) Done() <-chan struct{} {
	return inst.done
}

func (inst *ActorInstance) wake() {
	inst.group.sys.sched.schedule(inst)
}

func (inst *ActorInstance) claim() bool {
	return inst.queued.CompareAndSwap(false, true)
}

func (inst *ActorInstance) unclaim() {
	inst.queued.Store(false)
}

func (inst *ActorInstance) pending() bool {
	inst.mu.Lock()
	status, stop, due := inst.status, inst.stopReq, inst.restartAt
	inst.mu.Unlock()

	switch status {
	case StatusTerminated, StatusFailed:
		return false
	case StatusRestarting:
		return stop || inst.group.halted() || !inst.group.sys.now().Before(due)
	case StatusInitializing:
		return true
	default:
		return stop || inst.mailbox.Len() > 0 || inst.mailbox.IsClosed()
	}
}

func (inst *ActorInstance) requestStop() {
	inst.mu.Lock()
	inst.stopReq = true
	inst.mu.Unlock()
	inst.wake()
}

func (inst *ActorInstance) stopRequested() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stopReq
}

func (inst *ActorInstance) setStatus(s ActorStatus) {
	inst.mu.Lock()
	inst.status = s
	inst.mu.Unlock()
}

// run is the actor task body. The scheduler never runs it concurrently for
// the same instance.
func (inst *ActorInstance) run(w *worker, budget int) {
	wd := w.sched.watchdog
	w.inst = inst
	if wd != nil {
		wd.begin(w.id, inst)
	}
	defer func() {
		if wd != nil {
			wd.end(w.id)
		}
		w.inst = nil
	}()

	inst.mu.Lock()
	status, stop, due := inst.status, inst.stopReq, inst.restartAt
	inst.mu.Unlock()

	switch status {
	case StatusTerminated, StatusFailed:
		return
	case StatusRestarting:
		if stop || inst.group.halted() {
			inst.finish(w, inst.group.finalStatus())
			return
		}
		if inst.group.sys.now().Before(due) {
			return
		}
		if !inst.respawn(w) {
			return
		}
	}

	if stop {
		inst.finish(w, StatusTerminated)
		return
	}
	if inst.group.State() == GroupFailed {
		inst.finish(w, StatusFailed)
		return
	}

	if !inst.started && !inst.start(w) {
		return
	}

	for i := 0; i < budget; i++ {
		if inst.stopRequested() {
			inst.finish(w, StatusTerminated)
			return
		}
		// a failed group drops its backlog
		if inst.group.State() == GroupFailed {
			inst.finish(w, StatusFailed)
			return
		}

		env, ok := inst.mailbox.TryRecv()
		if !ok {
			if inst.mailbox.IsClosed() {
				inst.finish(w, inst.group.finalStatus())
				return
			}
			inst.mailbox.Await()
			return
		}

		if !inst.handle(w, env) {
			return
		}
	}
}

func (inst *ActorInstance) respawn(w *worker) bool {
	actor, panicked, err := inst.group.create(inst.key)
	if err != nil {
		inst.crash(w, fmt.Errorf("respawn: %w", err), panicked)
		return false
	}
	inst.actor = actor
	inst.started = false
	inst.incarnation++
	inst.restarts.Inc()
	inst.setStatus(StatusInitializing)
	return true
}

func (inst *ActorInstance) start(w *worker) bool {
	if s, ok := inst.actor.(Starter); ok {
		ctx := inst.newContext(w, Envelope{})
		panicked, err := invoke(func() error { return s.Started(ctx) })
		if err != nil {
			inst.crash(w, err, panicked)
			return false
		}
	}

	inst.started = true
	inst.setStatus(StatusRunning)

	g := inst.group
	g.memberSettled(inst, !inst.readied)
	inst.readied = true
	if inst.incarnation > 0 {
		inst.logger.Info("actor restarted", "incarnation", inst.incarnation)
		g.sys.emit(Event{Kind: EventActorRestarted, Group: g.name, Key: inst.key, Addr: inst.addr, Attempt: inst.incarnation, Delay: inst.restartDelay})
	} else {
		inst.logger.Debug("actor started")
		g.sys.emit(Event{Kind: EventActorStarted, Group: g.name, Key: inst.key, Addr: inst.addr})
	}
	return true
}

// handle processes one envelope. It returns false if the actor crashed.
func (inst *ActorInstance) handle(w *worker, env Envelope) bool {
	g := inst.group
	if g.sys.dumper != nil {
		g.sys.dumper.Dump(g.name, DumpIn, env)
	}

	ctx := inst.newContext(w, env)
	panicked, err := invoke(func() error { return inst.actor.Receive(ctx, env) })

	inst.processed.Inc()
	inst.mu.Lock()
	inst.lastMsgAt = time.Now()
	inst.mu.Unlock()

	if env.IsRequest() && !ctx.responded {
		reason := ErrRequestIgnored
		if err != nil {
			reason = fmt.Errorf("%w: %v", ErrRequestIgnored, err)
		}
		g.sys.respond(failedResponse(env, inst.addr, reason))
	}

	if err != nil {
		inst.crash(w, err, panicked)
		return false
	}
	return true
}

func (inst *ActorInstance) crash(w *worker, reason error, panicked bool) {
	g := inst.group
	failure := &ActorFailure{Group: g.name, Key: inst.key, Addr: inst.addr, Reason: reason, Panic: panicked}

	inst.failures.Inc()
	inst.actor = nil
	inst.started = false
	inst.stopTimers()

	inst.logger.Error("actor crashed", "error", reason, "panic", panicked)
	g.sys.emit(Event{Kind: EventActorFailed, Group: g.name, Key: inst.key, Addr: inst.addr, Err: failure})

	decision, state := g.onCrash(inst, failure)
	if !decision.Restart {
		if state == GroupFailed {
			inst.finish(w, StatusFailed)
		} else {
			inst.finish(w, StatusTerminated)
		}
		return
	}

	inst.restartDelay = decision.Delay
	inst.mu.Lock()
	inst.status = StatusRestarting
	inst.restartAt = g.sys.now().Add(decision.Delay)
	inst.mu.Unlock()

	inst.logger.Info("restart scheduled", "attempt", decision.Attempt, "delay", decision.Delay)
	time.AfterFunc(decision.Delay, inst.wake)
}

// finish stops the instance for good. Queued requests are answered with
// ErrRequestIgnored.
func (inst *ActorInstance) finish(w *worker, final ActorStatus) {
	inst.mu.Lock()
	if inst.status.IsFinished() {
		inst.mu.Unlock()
		return
	}
	inst.status = final
	inst.mu.Unlock()

	if s, ok := inst.actor.(Stopper); ok && inst.started {
		ctx := inst.newContext(w, Envelope{})
		if _, err := invoke(func() error { s.Stopped(ctx); return nil }); err != nil {
			inst.logger.Warn("stop hook failed", "error", err)
		}
	}
	inst.actor = nil
	inst.started = false
	inst.stopTimers()

	g := inst.group
	inst.mailbox.Close()
	for _, env := range inst.mailbox.Drain() {
		if env.IsRequest() {
			g.sys.respond(failedResponse(env, inst.addr, ErrRequestIgnored))
		}
	}

	inst.logger.Debug("actor stopped", "status", final)
	g.sys.emit(Event{Kind: EventActorStopped, Group: g.name, Key: inst.key, Addr: inst.addr})

	g.memberSettled(inst, !inst.readied)
	inst.readied = true

	close(inst.done)
	g.finished(inst, final)
}

func (inst *ActorInstance) onSaturated() {
	now := time.Now().UnixNano()
	last := inst.lastSaturated.Load()
	if now-last < int64(saturationReportInterval) || !inst.lastSaturated.CompareAndSwap(last, now) {
		return
	}
	g := inst.group
	g.sys.emit(Event{Kind: EventMailboxSaturated, Group: g.name, Key: inst.key, Addr: inst.addr})
}

func (inst *ActorInstance) addTimer(id uint64, t *time.Timer) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.status.IsFinished() {
		return false
	}
	if inst.timers == nil {
		inst.timers = make(map[uint64]*time.Timer)
	}
	inst.timers[id] = t
	return true
}

// rearmTimer replaces a pending timer. It fails if the timer was cancelled
// or the instance stopped its timers meanwhile.
func (inst *ActorInstance) rearmTimer(id uint64, t *time.Timer) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, ok := inst.timers[id]; !ok {
		return false
	}
	inst.timers[id] = t
	return true
}

func (inst *ActorInstance) takeTimer(id uint64) *time.Timer {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	t := inst.timers[id]
	delete(inst.timers, id)
	return t
}

func (inst *ActorInstance) stopTimers() {
	inst.mu.Lock()
	timers := inst.timers
	inst.timers = nil
	inst.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// Stats returns a snapshot of the instance counters.
func (inst *ActorInstance) Stats() ActorStats {
	inst.mu.Lock()
	status, last := inst.status, inst.lastMsgAt
	inst.mu.Unlock()

	return ActorStats{
		Addr:              inst.addr,
		Key:               inst.key,
		Status:            status,
		MessagesProcessed: inst.processed.Load(),
		Failures:          inst.failures.Load(),
		Restarts:          inst.restarts.Load(),
		MailboxSize:       inst.mailbox.Len(),
		MailboxCapacity:   inst.mailbox.Cap(),
		CreatedAt:         inst.created,
		LastMessageAt:     last,
	}
}

// invoke runs fn and converts a panic into an error.
func invoke(fn func() error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = panicError(r)
		}
	}()
	return false, fn()
}
