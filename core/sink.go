package core

import (
	"time"
)

// EventKind identifies a runtime event reported to a Sink.
type EventKind uint8

const (
	EventActorStarted EventKind = iota
	EventActorStopped
	EventActorFailed
	EventActorRestarted
	EventGroupState
	EventMailboxSaturated
	EventWatchdogTriggered
	EventEscalated
	EventConfigUpdated
	EventConfigRejected
)

// String returns the string representation of EventKind.
func (k EventKind) String() string {
	switch k {
	case EventActorStarted:
		return "actor_started"
	case EventActorStopped:
		return "actor_stopped"
	case EventActorFailed:
		return "actor_failed"
	case EventActorRestarted:
		return "actor_restarted"
	case EventGroupState:
		return "group_state"
	case EventMailboxSaturated:
		return "mailbox_saturated"
	case EventWatchdogTriggered:
		return "watchdog_triggered"
	case EventEscalated:
		return "escalated"
	case EventConfigUpdated:
		return "config_updated"
	case EventConfigRejected:
		return "config_rejected"
	default:
		return "unknown"
	}
}

// Event is a single observation emitted by the runtime. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Time  time.Time
	Group string
	Key   string
	Addr  Addr

	// State is the new group state for EventGroupState
	State GroupState

	// Err carries the failure or rejection reason
	Err error

	// Attempt and Delay describe a scheduled restart
	Attempt int
	Delay   time.Duration

	// Elapsed is the run time observed by the watchdog
	Elapsed time.Duration
}

// Sink receives runtime events. Emit is called synchronously from runtime
// goroutines and must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// Escalation is a failure the runtime could not absorb on its own.
type Escalation struct {
	Group string
	Addr  Addr
	Err   error
}

// DumpDirection tells whether a dumped envelope was sent or received.
type DumpDirection uint8

const (
	DumpIn DumpDirection = iota
	DumpOut
)

// String returns the string representation of DumpDirection.
func (d DumpDirection) String() string {
	if d == DumpOut {
		return "out"
	}
	return "in"
}

// Dumper captures envelopes flowing through actors. Dump must not block.
type Dumper interface {
	Dump(group string, dir DumpDirection, env Envelope)
}
