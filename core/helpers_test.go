package core

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) states(group string) []GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []GroupState
	for _, ev := range r.events {
		if ev.Kind == EventGroupState && ev.Group == group {
			out = append(out, ev.State)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSystem(t *testing.T, opts Options) (*System, *recorder) {
	t.Helper()

	rec := &recorder{}
	opts.Sink = rec
	opts.Logger = discardLogger()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = time.Second
	}

	sys := NewSystem(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys, rec
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func intEnv(n int64) Envelope {
	return NewEnvelope(NullAddr, NullAddr, Int(n), 0)
}

func intOf(t *testing.T, env Envelope) int64 {
	t.Helper()
	n, ok := env.Payload().Int()
	require.True(t, ok, "payload %s is not an int", env.Payload())
	return n
}

func noRestarts() RestartPolicy {
	return RestartPolicy{MaxRestarts: 0, Window: time.Second}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
