package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Context is handed to an actor for one message cycle. It embeds the
// system's run context, so it can be passed wherever a context.Context is
// expected; it is canceled when the system shuts down.
//
// Blocking operations (Send, Ask) give up the worker while they wait.
// A Context must not be retained after the handler returns.
type Context struct {
	context.Context

	inst      *ActorInstance
	w         *worker
	env       Envelope
	cfg       any
	responded bool
}

func (inst *ActorInstance) newContext(w *worker, env Envelope) *Context {
	g := inst.group
	return &Context{
		Context: g.sys.ctx,
		inst:    inst,
		w:       w,
		env:     env,
		cfg:     g.Config(),
	}
}

// Self returns the address of the running instance.
func (c *Context) Self() Addr {
	return c.inst.addr
}

// Key returns the member key of the running instance.
func (c *Context) Key() string {
	return c.inst.key
}

// Group returns the name of the owning group.
func (c *Context) Group() string {
	return c.inst.group.name
}

// Sender returns the sender of the current envelope.
func (c *Context) Sender() Addr {
	return c.env.sender
}

// TraceID returns the trace of the current envelope.
func (c *Context) TraceID() TraceID {
	return c.env.trace
}

// Config returns the group configuration snapshot taken at the start of this
// message cycle. Updates become visible on the next cycle.
func (c *Context) Config() any {
	return c.cfg
}

// Logger returns the instance logger.
func (c *Context) Logger() *slog.Logger {
	return c.inst.logger
}

func (c *Context) trace() TraceID {
	if c.env.trace != 0 {
		return c.env.trace
	}
	return c.inst.group.sys.trace.next()
}

func (c *Context) delivery(block bool) delivery {
	d := delivery{block: block}
	if block && c.w != nil {
		d.park = c.w.park
	}
	return d
}

// Send delivers payload to dest on behalf of the running actor, waiting for
// mailbox space when necessary. The trace of the current envelope is kept.
func (c *Context) Send(dest Destination, payload Payload) error {
	return c.send(dest, payload, true)
}

// TrySend is like Send but fails with ErrMailboxFull instead of waiting.
func (c *Context) TrySend(dest Destination, payload Payload) error {
	return c.send(dest, payload, false)
}

func (c *Context) send(dest Destination, payload Payload, block bool) error {
	sys := c.inst.group.sys
	env := NewEnvelope(c.inst.addr, NullAddr, payload, c.trace())
	if sys.dumper != nil {
		sys.dumper.Dump(c.inst.group.name, DumpOut, env)
	}
	return sys.router.route(c, dest, env, c.delivery(block))
}

// Ask sends a request to addr and waits for the response. A zero timeout
// waits until the system shuts down.
func (c *Context) Ask(addr Addr, payload Payload, timeout time.Duration) (Envelope, error) {
	sys := c.inst.group.sys
	return sys.ask(c, c.inst.addr, addr, payload, c.trace(), timeout, c.delivery(true).park)
}

// Respond answers the current request. Only the first response counts.
func (c *Context) Respond(payload Payload) error {
	if !c.env.IsRequest() {
		return ErrNotRequest
	}
	if c.responded {
		return nil
	}
	c.responded = true
	c.inst.group.sys.respond(NewResponseEnvelope(c.inst.addr, c.env.sender, payload, c.env.trace, c.env.request))
	return nil
}

// RespondError answers the current request with a failure.
func (c *Context) RespondError(err error) error {
	if !c.env.IsRequest() {
		return ErrNotRequest
	}
	if c.responded {
		return nil
	}
	c.responded = true
	c.inst.group.sys.respond(failedResponse(c.env, c.inst.addr, err))
	return nil
}

// After delivers payload to the running instance once d has elapsed. The
// returned func cancels the timer. Timers die with the incarnation that
// created them.
func (c *Context) After(d time.Duration, payload Payload) (cancel func() bool) {
	inst := c.inst
	env := NewEnvelope(inst.addr, inst.addr, payload, c.trace())

	id := inst.timerSeq.Inc()
	var fire func()
	fire = func() {
		err := inst.mailbox.TrySend(env)
		if errors.Is(err, ErrMailboxFull) {
			if t := time.AfterFunc(timerRetry, fire); !inst.rearmTimer(id, t) {
				t.Stop()
			}
			return
		}
		inst.takeTimer(id)
		if err != nil {
			inst.logger.Warn("timer message dropped", "payload", payload.Name(), "error", err)
		}
	}
	t := time.AfterFunc(d, fire)
	if !inst.addTimer(id, t) {
		t.Stop()
	}
	return func() bool {
		if t := inst.takeTimer(id); t != nil {
			return t.Stop()
		}
		return false
	}
}

// Stop terminates the running instance after the current envelope. Queued
// envelopes are not processed.
func (c *Context) Stop() {
	inst := c.inst
	inst.mu.Lock()
	inst.stopReq = true
	inst.mu.Unlock()
}
