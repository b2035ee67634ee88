package core

import (
	"sync"
)

// runnable is a unit the scheduler can run. The scheduler guarantees that run
// is never called concurrently for the same runnable.
type runnable interface {
	// run processes at most budget envelopes on the worker described by w.
	run(w *worker, budget int)

	// pending reports whether the runnable has work left after a run.
	pending() bool

	// claim marks the runnable as queued. It returns false if it already is.
	claim() bool

	// unclaim clears the queued mark.
	unclaim()
}

// Scheduler multiplexes ready actors onto a fixed number of workers. Actors
// become ready when their mailbox receives a message; each run is bounded by
// the throughput budget after which the actor goes to the back of the queue.
type Scheduler struct {
	mu    sync.Mutex
	ready []runnable
	head  int

	// tokens holds the ids of idle worker slots
	tokens     chan int
	throughput int
	watchdog   *Watchdog

	wg sync.WaitGroup
}

// worker is the execution context handed to a runnable. Its id changes when
// the runnable parks and resumes on another slot.
type worker struct {
	sched *Scheduler
	id    int
	inst  *ActorInstance
}

// NewScheduler creates a scheduler with the given number of worker slots and
// per-run message budget.
func NewScheduler(workers, throughput int, watchdog *Watchdog) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if throughput <= 0 {
		throughput = 1
	}
	s := &Scheduler{
		tokens:     make(chan int, workers),
		throughput: throughput,
		watchdog:   watchdog,
	}
	for i := 0; i < workers; i++ {
		s.tokens <- i
	}
	return s
}

// Workers returns the number of worker slots.
func (s *Scheduler) Workers() int {
	return cap(s.tokens)
}

// Ready returns the number of queued runnables.
func (s *Scheduler) Ready() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) - s.head
}

// schedule queues r unless it is already queued or running.
func (s *Scheduler) schedule(r runnable) {
	if !r.claim() {
		return
	}
	s.push(r)
	s.kick()
}

func (s *Scheduler) push(r runnable) {
	s.mu.Lock()
	s.ready = append(s.ready, r)
	s.mu.Unlock()
}

func (s *Scheduler) pop() runnable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == len(s.ready) {
		s.ready = s.ready[:0]
		s.head = 0
		return nil
	}
	r := s.ready[s.head]
	s.ready[s.head] = nil
	s.head++
	return r
}

// kick starts a worker if a slot is free.
func (s *Scheduler) kick() {
	select {
	case id := <-s.tokens:
		s.wg.Add(1)
		go s.loop(id)
	default:
	}
}

// release returns slot id and makes sure queued work is not stranded.
func (s *Scheduler) release(id int) {
	s.tokens <- id
	if s.Ready() > 0 {
		s.kick()
	}
}

func (s *Scheduler) loop(id int) {
	defer s.wg.Done()

	w := &worker{sched: s, id: id}
	for {
		r := s.pop()
		if r == nil {
			s.release(w.id)
			return
		}

		r.run(w, s.throughput)

		r.unclaim()
		if r.pending() {
			s.schedule(r)
		}
	}
}

// park gives up the worker slot for a blocking wait inside a handler. The
// returned func reacquires a slot before the handler continues.
func (w *worker) park() func() {
	s := w.sched
	if s.watchdog != nil {
		s.watchdog.end(w.id)
	}
	s.release(w.id)

	return func() {
		w.id = <-s.tokens
		if s.watchdog != nil && w.inst != nil {
			s.watchdog.begin(w.id, w.inst)
		}
	}
}

// Wait blocks until every worker goroutine has exited. Workers exit on their
// own once the ready queue is empty.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
