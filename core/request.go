package core

import (
	"sync"

	"go.uber.org/atomic"
)

// requestTable tracks outstanding asks until their response arrives.
type requestTable struct {
	next    atomic.Uint64
	pending sync.Map // map[RequestID]chan Envelope
}

func (t *requestTable) register() (RequestID, chan Envelope) {
	id := RequestID(t.next.Inc())
	ch := make(chan Envelope, 1)
	t.pending.Store(id, ch)
	return id, ch
}

// complete hands a response to its waiting asker. It returns false for late
// or unknown responses.
func (t *requestTable) complete(env Envelope) bool {
	v, ok := t.pending.LoadAndDelete(env.RequestID())
	if !ok {
		return false
	}
	v.(chan Envelope) <- env
	return true
}

func (t *requestTable) cancel(id RequestID) {
	t.pending.Delete(id)
}

func (t *requestTable) len() int {
	n := 0
	t.pending.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
