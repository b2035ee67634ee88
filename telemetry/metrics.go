package telemetry

import (
	"context"
	"fmt"

	"github.com/najoast/troupe/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationPrefix = "troupe."

// MetricsSink turns runtime events into OpenTelemetry instruments.
type MetricsSink struct {
	actors      metric.Int64UpDownCounter
	started     metric.Int64Counter
	failures    metric.Int64Counter
	restarts    metric.Int64Counter
	backoff     metric.Float64Histogram
	transitions metric.Int64Counter
	saturated   metric.Int64Counter
	stuck       metric.Float64Histogram
	escalations metric.Int64Counter
	configs     metric.Int64Counter
}

// NewMetricsSink creates every instrument on meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	var (
		m   MetricsSink
		err error
	)

	if m.actors, err = meter.Int64UpDownCounter(instrumentationPrefix+"actors.active",
		metric.WithDescription("Number of running actor instances")); err != nil {
		return nil, fmt.Errorf("actors.active: %w", err)
	}
	if m.started, err = meter.Int64Counter(instrumentationPrefix+"actors.started",
		metric.WithDescription("Actor instances started")); err != nil {
		return nil, fmt.Errorf("actors.started: %w", err)
	}
	if m.failures, err = meter.Int64Counter(instrumentationPrefix+"actors.failures",
		metric.WithDescription("Actor crashes, panics included")); err != nil {
		return nil, fmt.Errorf("actors.failures: %w", err)
	}
	if m.restarts, err = meter.Int64Counter(instrumentationPrefix+"actors.restarts",
		metric.WithDescription("Actor restarts performed by supervisors")); err != nil {
		return nil, fmt.Errorf("actors.restarts: %w", err)
	}
	if m.backoff, err = meter.Float64Histogram(instrumentationPrefix+"actors.restart_backoff",
		metric.WithDescription("Backoff applied before a restart"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("actors.restart_backoff: %w", err)
	}
	if m.transitions, err = meter.Int64Counter(instrumentationPrefix+"groups.transitions",
		metric.WithDescription("Group state transitions")); err != nil {
		return nil, fmt.Errorf("groups.transitions: %w", err)
	}
	if m.saturated, err = meter.Int64Counter(instrumentationPrefix+"mailbox.saturated",
		metric.WithDescription("Sends rejected or delayed by a full mailbox")); err != nil {
		return nil, fmt.Errorf("mailbox.saturated: %w", err)
	}
	if m.stuck, err = meter.Float64Histogram(instrumentationPrefix+"watchdog.elapsed",
		metric.WithDescription("Run time of actors flagged by the watchdog"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("watchdog.elapsed: %w", err)
	}
	if m.escalations, err = meter.Int64Counter(instrumentationPrefix+"escalations",
		metric.WithDescription("Failures escalated past their group")); err != nil {
		return nil, fmt.Errorf("escalations: %w", err)
	}
	if m.configs, err = meter.Int64Counter(instrumentationPrefix+"groups.config_updates",
		metric.WithDescription("Configuration snapshots offered to groups")); err != nil {
		return nil, fmt.Errorf("groups.config_updates: %w", err)
	}

	return &m, nil
}

// Emit implements core.Sink.
func (m *MetricsSink) Emit(ev core.Event) {
	ctx := context.Background()
	group := metric.WithAttributes(attribute.String("group", ev.Group))

	switch ev.Kind {
	case core.EventActorStarted:
		m.actors.Add(ctx, 1, group)
		m.started.Add(ctx, 1, group)
	case core.EventActorStopped:
		m.actors.Add(ctx, -1, group)
	case core.EventActorFailed:
		m.failures.Add(ctx, 1, group)
	case core.EventActorRestarted:
		m.restarts.Add(ctx, 1, group)
		m.backoff.Record(ctx, ev.Delay.Seconds(), group)
	case core.EventGroupState:
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", ev.Group),
			attribute.String("state", ev.State.String()),
		))
	case core.EventMailboxSaturated:
		m.saturated.Add(ctx, 1, group)
	case core.EventWatchdogTriggered:
		m.stuck.Record(ctx, ev.Elapsed.Seconds(), group)
	case core.EventEscalated:
		m.escalations.Add(ctx, 1, group)
	case core.EventConfigUpdated, core.EventConfigRejected:
		m.configs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("group", ev.Group),
			attribute.Bool("accepted", ev.Kind == core.EventConfigUpdated),
		))
	}
}

// RegisterSystemMetrics registers observable gauges fed from stats on every
// collection.
func RegisterSystemMetrics(meter metric.Meter, stats func() core.SystemStats) (metric.Registration, error) {
	addresses, err := meter.Int64ObservableGauge(instrumentationPrefix+"system.addresses",
		metric.WithDescription("Live actor addresses"))
	if err != nil {
		return nil, err
	}
	ready, err := meter.Int64ObservableGauge(instrumentationPrefix+"system.ready_queue",
		metric.WithDescription("Actors waiting for a worker"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge(instrumentationPrefix+"system.pending_requests",
		metric.WithDescription("Asks waiting for a response"))
	if err != nil {
		return nil, err
	}
	queued, err := meter.Int64ObservableGauge(instrumentationPrefix+"mailbox.size",
		metric.WithDescription("Envelopes queued per group"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		s := stats()
		node := metric.WithAttributes(attribute.Int("node", int(s.Node)), attribute.String("system", s.ID.String()))
		observer.ObserveInt64(addresses, int64(s.Addresses), node)
		observer.ObserveInt64(ready, int64(s.ReadyQueue), node)
		observer.ObserveInt64(pending, int64(s.Pending), node)
		for _, g := range s.Groups {
			total := 0
			for _, a := range g.Actors {
				total += a.MailboxSize
			}
			observer.ObserveInt64(queued, int64(total), metric.WithAttributes(attribute.String("group", g.Name)))
		}
		return nil
	}, addresses, ready, pending, queued)
}
