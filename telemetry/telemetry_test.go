package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/najoast/troupe/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// fakeMeter records every measurement as name/group -> sum.
type fakeMeter struct {
	noop.Meter

	mu       sync.Mutex
	values   map[string]float64
	callback metric.Callback
}

func newFakeMeter() *fakeMeter {
	return &fakeMeter{values: make(map[string]float64)}
}

func (m *fakeMeter) record(name string, v float64, set attribute.Set) {
	key := name
	if g, ok := set.Value("group"); ok {
		key += "/" + g.AsString()
	}
	if s, ok := set.Value("state"); ok {
		key += "/" + s.AsString()
	}
	m.mu.Lock()
	m.values[key] += v
	m.mu.Unlock()
}

func (m *fakeMeter) value(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

type fakeCounter struct {
	noop.Int64Counter
	m    *fakeMeter
	name string
}

func (c fakeCounter) Add(_ context.Context, v int64, opts ...metric.AddOption) {
	c.m.record(c.name, float64(v), metric.NewAddConfig(opts).Attributes())
}

type fakeUpDown struct {
	noop.Int64UpDownCounter
	m    *fakeMeter
	name string
}

func (c fakeUpDown) Add(_ context.Context, v int64, opts ...metric.AddOption) {
	c.m.record(c.name, float64(v), metric.NewAddConfig(opts).Attributes())
}

type fakeHistogram struct {
	noop.Float64Histogram
	m    *fakeMeter
	name string
}

func (h fakeHistogram) Record(_ context.Context, v float64, opts ...metric.RecordOption) {
	h.m.record(h.name, v, metric.NewRecordConfig(opts).Attributes())
}

type fakeGauge struct {
	noop.Int64ObservableGauge
	name string
}

func (m *fakeMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return fakeCounter{m: m, name: name}, nil
}

func (m *fakeMeter) Int64UpDownCounter(name string, _ ...metric.Int64UpDownCounterOption) (metric.Int64UpDownCounter, error) {
	return fakeUpDown{m: m, name: name}, nil
}

func (m *fakeMeter) Float64Histogram(name string, _ ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	return fakeHistogram{m: m, name: name}, nil
}

func (m *fakeMeter) Int64ObservableGauge(name string, _ ...metric.Int64ObservableGaugeOption) (metric.Int64ObservableGauge, error) {
	return fakeGauge{name: name}, nil
}

func (m *fakeMeter) RegisterCallback(f metric.Callback, _ ...metric.Observable) (metric.Registration, error) {
	m.callback = f
	return noop.Registration{}, nil
}

type fakeObserver struct {
	metric.Observer
	m *fakeMeter
}

func (o fakeObserver) ObserveInt64(obsrv metric.Int64Observable, v int64, opts ...metric.ObserveOption) {
	g := obsrv.(fakeGauge)
	o.m.record(g.name, float64(v), metric.NewObserveConfig(opts).Attributes())
}

func TestMetricsSinkCountsEvents(t *testing.T) {
	meter := newFakeMeter()
	sink, err := NewMetricsSink(meter)
	require.NoError(t, err)

	events := []core.Event{
		{Kind: core.EventActorStarted, Group: "g"},
		{Kind: core.EventActorStarted, Group: "g"},
		{Kind: core.EventActorFailed, Group: "g"},
		{Kind: core.EventActorRestarted, Group: "g", Delay: 250 * time.Millisecond},
		{Kind: core.EventActorStopped, Group: "g"},
		{Kind: core.EventGroupState, Group: "g", State: core.GroupDegraded},
		{Kind: core.EventWatchdogTriggered, Group: "g", Elapsed: 2 * time.Second},
		{Kind: core.EventMailboxSaturated, Group: "g"},
		{Kind: core.EventEscalated, Group: "g"},
		{Kind: core.EventConfigUpdated, Group: "g"},
	}
	for _, ev := range events {
		sink.Emit(ev)
	}

	assert.Equal(t, 1.0, meter.value("troupe.actors.active/g"))
	assert.Equal(t, 2.0, meter.value("troupe.actors.started/g"))
	assert.Equal(t, 1.0, meter.value("troupe.actors.failures/g"))
	assert.Equal(t, 1.0, meter.value("troupe.actors.restarts/g"))
	assert.Equal(t, 0.25, meter.value("troupe.actors.restart_backoff/g"))
	assert.Equal(t, 1.0, meter.value("troupe.groups.transitions/g/degraded"))
	assert.Equal(t, 2.0, meter.value("troupe.watchdog.elapsed/g"))
	assert.Equal(t, 1.0, meter.value("troupe.mailbox.saturated/g"))
	assert.Equal(t, 1.0, meter.value("troupe.escalations/g"))
	assert.Equal(t, 1.0, meter.value("troupe.groups.config_updates/g"))
}

func TestRegisterSystemMetricsObservesStats(t *testing.T) {
	meter := newFakeMeter()
	stats := core.SystemStats{
		ID:         uuid.New(),
		Addresses:  5,
		ReadyQueue: 2,
		Pending:    1,
		Groups: []core.GroupStats{{
			Name:   "ingest",
			Actors: []core.ActorStats{{MailboxSize: 3}, {MailboxSize: 4}},
		}},
	}

	_, err := RegisterSystemMetrics(meter, func() core.SystemStats { return stats })
	require.NoError(t, err)
	require.NotNil(t, meter.callback)

	require.NoError(t, meter.callback(context.Background(), fakeObserver{m: meter}))
	assert.Equal(t, 5.0, meter.value("troupe.system.addresses"))
	assert.Equal(t, 2.0, meter.value("troupe.system.ready_queue"))
	assert.Equal(t, 1.0, meter.value("troupe.system.pending_requests"))
	assert.Equal(t, 7.0, meter.value("troupe.mailbox.size/ingest"))
}

func TestMetricsSinkWithNoopMeter(t *testing.T) {
	sink, err := NewMetricsSink(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	sink.Emit(core.Event{Kind: core.EventActorStarted, Group: "g"})
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewLogSink(logger)

	sink.Emit(core.Event{Kind: core.EventActorStarted, Group: "quiet"})
	assert.Empty(t, buf.String(), "debug events are filtered at info")

	sink.Emit(core.Event{Kind: core.EventActorFailed, Group: "g", Key: "0", Err: errors.New("boom")})
	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "event=actor_failed")
	assert.Contains(t, out, "error=boom")

	buf.Reset()
	sink.Emit(core.Event{Kind: core.EventGroupState, Group: "g", State: core.GroupFailed})
	assert.Contains(t, buf.String(), "state=failed")
	assert.Contains(t, buf.String(), "level=ERROR")
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, b}

	m.Emit(core.Event{Kind: core.EventGroupState, Group: "g", State: core.GroupStarting})
	m.Emit(core.Event{Kind: core.EventGroupState, Group: "g", State: core.GroupRunning})
	m.Emit(core.Event{Kind: core.EventGroupState, Group: "h", State: core.GroupRunning})

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, 3, r.Count(core.EventGroupState))
		assert.Equal(t, []core.GroupState{core.GroupStarting, core.GroupRunning}, r.States("g"))
	}

	a.Reset()
	assert.Empty(t, a.Events())
	assert.Len(t, b.Events(), 3)
}

func TestSinksAgainstLiveSystem(t *testing.T) {
	rec := &Recorder{}
	meter := newFakeMeter()
	metrics, err := NewMetricsSink(meter)
	require.NoError(t, err)

	sys := core.NewSystem(core.Options{
		Logger:   slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Sink:     Multi{rec, metrics},
		Workers:  2,
		Watchdog: core.WatchdogOptions{Disabled: true},
	})

	_, err = sys.SpawnGroup(core.GroupSpec{Name: "live", Instances: 3}, nil, core.DefaultRestartPolicy(),
		func(string) (core.Actor, error) {
			return core.ActorFunc(func(*core.Context, core.Envelope) error { return nil }), nil
		})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.Count(core.EventActorStarted) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3.0, meter.value("troupe.actors.active/live"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))

	assert.Equal(t, 0.0, meter.value("troupe.actors.active/live"))
	assert.Equal(t, []core.GroupState{core.GroupStarting, core.GroupRunning, core.GroupTerminating, core.GroupTerminated}, rec.States("live"))
}
