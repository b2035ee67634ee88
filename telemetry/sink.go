// Package telemetry provides core.Sink implementations: structured logging,
// OpenTelemetry metrics, fan-out and an in-memory recorder.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/najoast/troupe/core"
)

// LogSink writes every event to a slog.Logger. Failures and escalations are
// logged at error level, watchdog triggers and saturation at warn, the rest
// at debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

// Emit implements core.Sink.
func (s *LogSink) Emit(ev core.Event) {
	attrs := []slog.Attr{slog.String("event", ev.Kind.String())}
	if ev.Group != "" {
		attrs = append(attrs, slog.String("group", ev.Group))
	}
	if ev.Key != "" {
		attrs = append(attrs, slog.String("key", ev.Key))
	}
	if !ev.Addr.IsNull() {
		attrs = append(attrs, slog.String("addr", ev.Addr.String()))
	}

	switch ev.Kind {
	case core.EventGroupState:
		attrs = append(attrs, slog.String("state", ev.State.String()))
	case core.EventActorRestarted:
		attrs = append(attrs, slog.Int("attempt", ev.Attempt), slog.Duration("delay", ev.Delay))
	case core.EventWatchdogTriggered:
		attrs = append(attrs, slog.Duration("elapsed", ev.Elapsed))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}

	s.logger.LogAttrs(context.Background(), levelOf(ev), "runtime event", attrs...)
}

func levelOf(ev core.Event) slog.Level {
	switch ev.Kind {
	case core.EventActorFailed, core.EventEscalated:
		return slog.LevelError
	case core.EventWatchdogTriggered, core.EventMailboxSaturated, core.EventConfigRejected:
		return slog.LevelWarn
	case core.EventGroupState:
		if ev.State == core.GroupFailed {
			return slog.LevelError
		}
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Multi fans an event out to several sinks in order.
type Multi []core.Sink

// Emit implements core.Sink.
func (m Multi) Emit(ev core.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder keeps every event in memory. It is meant for tests and debugging
// endpoints.
type Recorder struct {
	mu     sync.Mutex
	events []core.Event
}

// Emit implements core.Sink.
func (r *Recorder) Emit(ev core.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind core.EventKind) int {
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

// States returns the state transitions recorded for group.
func (r *Recorder) States(group string) []core.GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.GroupState
	for _, ev := range r.events {
		if ev.Kind == core.EventGroupState && ev.Group == group {
			out = append(out, ev.State)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
