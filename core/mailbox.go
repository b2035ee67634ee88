package core

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

// Mailbox is a bounded multi-producer single-consumer queue of envelopes.
//
// A full mailbox suspends Send until the consumer dequeues; TrySend fails
// with ErrMailboxFull instead. A zero-capacity mailbox hands envelopes over
// directly: a sender is only accepted while the consumer is waiting. Close is
// one-way and idempotent; queued envelopes stay drainable after it.
type Mailbox struct {
	mu       sync.Mutex
	queue    envQueue
	capacity int
	closed   bool
	waiting  bool // consumer is waiting for the next envelope
	senders  []*sendWaiter

	// ready wakes a consumer blocked in Recv.
	ready chan struct{}

	// notify is invoked outside the lock whenever an envelope becomes
	// available or the mailbox is closed.
	notify func()

	// saturated is invoked when a producer finds the mailbox full.
	saturated func()

	enqueued atomic.Uint64
	dequeued atomic.Uint64
}

type sendWaiter struct {
	ch chan struct{}
}

// NewMailbox creates a mailbox with a fixed capacity. Negative capacities are
// treated as zero.
func NewMailbox(capacity int) *Mailbox {
	if capacity < 0 {
		capacity = 0
	}
	return &Mailbox{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Cap returns the capacity the mailbox was created with.
func (m *Mailbox) Cap() int {
	return m.capacity
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// IsClosed reports whether Close has been called.
func (m *Mailbox) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// TrySend enqueues env without blocking.
func (m *Mailbox) TrySend(env Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	if !m.acceptsLocked() {
		m.mu.Unlock()
		m.onSaturated()
		return ErrMailboxFull
	}
	m.pushLocked(env)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Send enqueues env, suspending the caller while the mailbox is full. It
// returns ErrMailboxClosed if the mailbox is or becomes closed, and
// ErrTimeout if ctx expires first; in both cases env was not enqueued.
func (m *Mailbox) Send(ctx context.Context, env Envelope) error {
	saturated := false
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrMailboxClosed
		}
		if m.acceptsLocked() {
			m.pushLocked(env)
			m.mu.Unlock()
			m.signal()
			return nil
		}

		w := &sendWaiter{ch: make(chan struct{}, 1)}
		m.senders = append(m.senders, w)
		m.mu.Unlock()

		if !saturated {
			saturated = true
			m.onSaturated()
		}

		select {
		case <-w.ch:
		case <-ctx.Done():
			m.abandon(w)
			return waitError(ctx)
		}
	}
}

// Recv dequeues the next envelope, suspending while the mailbox is empty. It
// returns ErrMailboxClosed once the mailbox is closed and drained.
func (m *Mailbox) Recv(ctx context.Context) (Envelope, error) {
	for {
		m.mu.Lock()
		if env, ok := m.popLocked(); ok {
			m.mu.Unlock()
			return env, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, ErrMailboxClosed
		}
		m.awaitLocked()
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			m.mu.Lock()
			m.waiting = false
			m.mu.Unlock()
			return Envelope{}, waitError(ctx)
		}
	}
}

// TryRecv dequeues the next envelope if there is one.
func (m *Mailbox) TryRecv() (Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popLocked()
}

// Await marks the consumer as waiting without blocking. Scheduled actors call
// it when they go idle so zero-capacity senders can hand over.
func (m *Mailbox) Await() {
	m.mu.Lock()
	m.awaitLocked()
	m.mu.Unlock()
}

// Close closes the mailbox. It returns true only for the call that actually
// closed it.
func (m *Mailbox) Close() bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.closed = true
	for _, w := range m.senders {
		w.wake()
	}
	m.senders = nil
	m.mu.Unlock()

	m.signal()
	return true
}

// Drain removes and returns every queued envelope.
func (m *Mailbox) Drain() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Envelope, 0, m.queue.len())
	for {
		env, ok := m.queue.pop()
		if !ok {
			break
		}
		m.dequeued.Inc()
		out = append(out, env)
	}
	m.wakeSendersLocked()
	return out
}

// Counters returns the total number of enqueued and dequeued envelopes.
func (m *Mailbox) Counters() (enqueued, dequeued uint64) {
	return m.enqueued.Load(), m.dequeued.Load()
}

func (m *Mailbox) setHooks(notify, saturated func()) {
	m.mu.Lock()
	m.notify = notify
	m.saturated = saturated
	m.mu.Unlock()
}

func (m *Mailbox) acceptsLocked() bool {
	n := m.queue.len()
	if m.capacity == 0 {
		return n == 0 && m.waiting
	}
	return n < m.capacity
}

func (m *Mailbox) pushLocked(env Envelope) {
	m.queue.push(env)
	m.enqueued.Inc()
	if m.capacity == 0 {
		// The waiting consumer has been claimed by this hand-off.
		m.waiting = false
	}
}

func (m *Mailbox) popLocked() (Envelope, bool) {
	env, ok := m.queue.pop()
	if !ok {
		return Envelope{}, false
	}
	m.dequeued.Inc()
	m.waiting = false
	if m.capacity > 0 {
		m.wakeSendersLocked()
	}
	return env, true
}

func (m *Mailbox) awaitLocked() {
	m.waiting = true
	if m.capacity == 0 && m.queue.len() == 0 {
		m.wakeSendersLocked()
	}
}

func (m *Mailbox) wakeSendersLocked() {
	if len(m.senders) == 0 {
		return
	}
	w := m.senders[0]
	m.senders[0] = nil
	m.senders = m.senders[1:]
	w.wake()
}

// abandon removes a sender that gave up. If it was already woken, the wake
// is passed on so that no capacity notification is lost.
func (m *Mailbox) abandon(w *sendWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, other := range m.senders {
		if other == w {
			m.senders = append(m.senders[:i], m.senders[i+1:]...)
			return
		}
	}
	if !m.closed {
		m.wakeSendersLocked()
	}
}

func (m *Mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}

	m.mu.Lock()
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (m *Mailbox) onSaturated() {
	m.mu.Lock()
	saturated := m.saturated
	m.mu.Unlock()
	if saturated != nil {
		saturated()
	}
}

func (w *sendWaiter) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// envQueue is a growable ring buffer of envelopes.
type envQueue struct {
	buf  []Envelope
	head int
	n    int
}

func (q *envQueue) len() int {
	return q.n
}

func (q *envQueue) push(env Envelope) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = env
	q.n++
}

func (q *envQueue) pop() (Envelope, bool) {
	if q.n == 0 {
		return Envelope{}, false
	}
	env := q.buf[q.head]
	q.buf[q.head] = Envelope{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	if q.n == 0 {
		q.head = 0
	}
	return env, true
}

func (q *envQueue) grow() {
	size := len(q.buf) * 2
	if size < 4 {
		size = 4
	}
	buf := make([]Envelope, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
