package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/najoast/troupe/config"
	"github.com/najoast/troupe/core"
	"github.com/najoast/troupe/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// recordingService appends its start and stop calls to a shared log.
type recordingService struct {
	name      string
	mu        *sync.Mutex
	log       *[]string
	startErr  error
	healthErr error
}

func newRecording(name string, mu *sync.Mutex, log *[]string) *recordingService {
	return &recordingService{name: name, mu: mu, log: log}
}

func (s *recordingService) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, op+":"+s.name)
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.record("start")
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	s.record("stop")
	return nil
}

func (s *recordingService) Health(context.Context) (HealthStatus, error) {
	if s.healthErr != nil {
		return HealthStatus{}, s.healthErr
	}
	return HealthStatus{State: HealthHealthy}, nil
}

func TestLifecycleOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	lm := NewLifecycle(discardLogger())

	var events []LifecycleEventType
	lm.AddListener(func(ev LifecycleEvent) { events = append(events, ev.Type) })

	require.NoError(t, lm.Register("c", newRecording("c", &mu, &log), "b"))
	require.NoError(t, lm.Register("a", newRecording("a", &mu, &log)))
	require.NoError(t, lm.Register("b", newRecording("b", &mu, &log), "a"))
	assert.Error(t, lm.Register("a", newRecording("a", &mu, &log)), "duplicate name")
	assert.Equal(t, []string{"a", "b", "c"}, lm.Services())

	ctx := context.Background()
	require.NoError(t, lm.Start(ctx))
	assert.True(t, lm.IsStarted())
	assert.Error(t, lm.Register("d", newRecording("d", &mu, &log)), "registration after start")

	require.NoError(t, lm.Stop(ctx))
	assert.False(t, lm.IsStarted())
	assert.Equal(t, []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}, log)

	assert.Contains(t, events, EventLifecycleStarted)
	assert.Contains(t, events, EventLifecycleStopped)
	assert.Equal(t, EventServiceRegistered, events[0])
}

func TestLifecycleRollsBackOnStartFailure(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	lm := NewLifecycle(discardLogger())
	broken := newRecording("b", &mu, &log)
	broken.startErr = errors.New("boom")

	require.NoError(t, lm.Register("a", newRecording("a", &mu, &log)))
	require.NoError(t, lm.Register("b", broken, "a"))
	require.NoError(t, lm.Register("c", newRecording("c", &mu, &log), "b"))

	err := lm.Start(context.Background())
	require.Error(t, err)

	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "b", appErr.Service)
	assert.False(t, lm.IsStarted())
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

func TestLifecycleDependencyErrors(t *testing.T) {
	var mu sync.Mutex
	var log []string

	lm := NewLifecycle(nil)
	require.NoError(t, lm.Register("a", newRecording("a", &mu, &log), "b"))
	require.NoError(t, lm.Register("b", newRecording("b", &mu, &log), "a"))
	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")

	lm = NewLifecycle(nil)
	require.NoError(t, lm.Register("a", newRecording("a", &mu, &log), "missing"))
	err = lm.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Empty(t, log)
}

func TestLifecycleHealth(t *testing.T) {
	var mu sync.Mutex
	var log []string

	lm := NewLifecycle(discardLogger())
	sick := newRecording("sick", &mu, &log)
	sick.healthErr = errors.New("no pulse")
	require.NoError(t, lm.Register("ok", newRecording("ok", &mu, &log)))
	require.NoError(t, lm.Register("sick", sick))

	health, err := lm.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["ok"].State)
	assert.Equal(t, HealthUnhealthy, health["sick"].State)
	assert.Equal(t, "no pulse", health["sick"].Message)
	assert.False(t, health["ok"].LastCheck.IsZero())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	factory := func(string) (core.Actor, error) { return nil, nil }

	assert.Error(t, r.Register("", Definition{Factory: factory}))
	assert.Error(t, r.Register("x", Definition{}))
	require.NoError(t, r.Register("beta", Definition{Factory: factory}))
	require.NoError(t, r.Register("alpha", Definition{Factory: factory}))
	assert.Error(t, r.Register("alpha", Definition{Factory: factory}))

	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("gamma"))
	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

type scaleSettings struct {
	Factor int64 `yaml:"factor"`
}

func TestSettingsSnapshot(t *testing.T) {
	snap := Settings[scaleSettings]()

	v, err := snap(config.GroupConfig{Settings: map[string]any{"factor": 7}})
	require.NoError(t, err)
	assert.Equal(t, scaleSettings{Factor: 7}, v)

	v, err = snap(config.GroupConfig{})
	require.NoError(t, err)
	assert.Equal(t, scaleSettings{}, v)

	_, err = snap(config.GroupConfig{Settings: map[string]any{"factor": "many"}})
	assert.Error(t, err)

	raw, err := Definition{}.snapshot(config.GroupConfig{Settings: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, raw)
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	level := new(slog.LevelVar)

	logger, closer, err := NewLogger(config.LogConfig{
		Level:  config.LogLevelWarn,
		Format: "json",
		Output: path,
		Fields: map[string]string{"zone": "eu", "build": "42"},
	}, level)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "n", 1)
	level.Set(slog.LevelDebug)
	logger.Debug("now shown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "eu", rec["zone"])
	assert.Equal(t, "42", rec["build"])
	assert.Contains(t, lines[1], "now shown")

	_, _, err = NewLogger(config.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")}, level)
	assert.Error(t, err)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Name = "test"
	cfg.Runtime.Workers = 2
	cfg.Runtime.ShutdownGrace = 200 * time.Millisecond
	cfg.Runtime.Watchdog.Enabled = false
	return cfg
}

// scaleDefinition multiplies requests by the configured factor.
func scaleDefinition() Definition {
	return Definition{
		Snapshot: Settings[scaleSettings](),
		Validate: func(v any) error {
			if v.(scaleSettings).Factor <= 0 {
				return errors.New("factor must be positive")
			}
			return nil
		},
		Factory: func(string) (core.Actor, error) {
			return core.ActorFunc(func(ctx *core.Context, env core.Envelope) error {
				if !env.IsRequest() {
					return nil
				}
				n, _ := env.Payload().Int()
				return ctx.Respond(core.Int(n * ctx.Config().(scaleSettings).Factor))
			}), nil
		},
	}
}

func scaleGroup(instances int, factor int) config.GroupConfig {
	return config.GroupConfig{
		Instances: instances,
		Settings:  map[string]any{"factor": factor},
	}
}

func startApp(t *testing.T, cfg *config.Config, opts ...Option) *Application {
	t.Helper()
	app, err := New(cfg, append([]Option{WithLogger(discardLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, app.Register("scale", scaleDefinition()))
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

func ask(t *testing.T, app *Application, n int64) int64 {
	t.Helper()
	v, err := tryAsk(app, n)
	require.NoError(t, err)
	return v
}

func tryAsk(app *Application, n int64) (int64, error) {
	h, ok := app.Group("scale")
	if !ok {
		return 0, errors.New("scale group is not running")
	}
	resp, err := app.System().Ask(context.Background(), h.Addrs()[0], core.Int(n), time.Second)
	if err != nil {
		return 0, err
	}
	v, _ := resp.Payload().Int()
	return v, nil
}

func TestApplicationRunsGroups(t *testing.T) {
	cfg := testConfig()
	cfg.Groups["scale"] = scaleGroup(2, 3)
	app := startApp(t, cfg)

	require.NotNil(t, app.System())
	h, ok := app.Group("scale")
	require.True(t, ok)
	assert.Len(t, h.Addrs(), 2)
	assert.Equal(t, int64(30), ask(t, app, 10))

	_, ok = app.Group("other")
	assert.False(t, ok)
	assert.Error(t, app.Register("late", scaleDefinition()))
	assert.Error(t, app.Start(context.Background()))
	assert.Nil(t, app.Dumper())
	assert.Nil(t, app.Bridge())

	health, err := app.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["system"].State)
	assert.Equal(t, HealthHealthy, health["group:scale"].State)
	assert.Equal(t, 2, health["group:scale"].Data["members"])
}

func TestApplicationRejectsUnknownGroup(t *testing.T) {
	cfg := testConfig()
	cfg.Groups["ghost"] = config.GroupConfig{Instances: 1}

	app, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	err = app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group:ghost")
	assert.Nil(t, app.System())
}

func TestApplicationRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Log.Level = "loud"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidLogLevel)
}

func TestApplicationReload(t *testing.T) {
	cfg := testConfig()
	cfg.Groups["scale"] = scaleGroup(1, 2)

	var (
		mu     sync.Mutex
		events []LifecycleEvent
	)
	app := startApp(t, cfg)
	app.Lifecycle().AddListener(func(ev LifecycleEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	assert.Equal(t, int64(8), ask(t, app, 4))

	next := testConfig()
	next.Log.Level = config.LogLevelDebug
	next.Groups["scale"] = scaleGroup(3, 5)
	require.NoError(t, app.Reload(next))

	assert.Same(t, next, app.Config())
	assert.Equal(t, slog.LevelDebug, app.level.Level())
	assert.Equal(t, int64(20), ask(t, app, 4))
	h, _ := app.Group("scale")
	assert.Len(t, h.Addrs(), 3)

	shrink := testConfig()
	shrink.Groups["scale"] = scaleGroup(1, 5)
	require.NoError(t, app.Reload(shrink))
	require.Eventually(t, func() bool { return len(h.Addrs()) == 1 }, waitFor, tick)

	bad := testConfig()
	bad.Groups["scale"] = scaleGroup(1, 0)
	bad.Groups["ghost"] = config.GroupConfig{}
	err := app.Reload(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfigRejected)
	assert.Contains(t, err.Error(), "ghost")
	assert.Equal(t, int64(5), ask(t, app, 1), "rejected settings keep the previous snapshot")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventConfigReloaded, events[2].Type)
	assert.Error(t, events[2].Error)
}

func TestApplicationDumpsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dumps.jsonl")
	cfg := testConfig()
	cfg.Dumping.Enabled = true
	cfg.Dumping.Path = path
	cfg.Dumping.Interval = 10 * time.Millisecond
	cfg.Groups["scale"] = scaleGroup(1, 2)
	app := startApp(t, cfg)

	require.NotNil(t, app.Dumper())
	assert.Equal(t, int64(2), ask(t, app, 1))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), `"scale"`)
	}, waitFor, tick)

	health, err := app.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["dumper"].State)
}

func TestApplicationsOverLoopback(t *testing.T) {
	net := remote.NewNetwork()

	serverCfg := testConfig()
	serverCfg.Runtime.Node = 2
	serverCfg.Remote.Enabled = true
	serverCfg.Groups["scale"] = scaleGroup(1, 3)
	server := startApp(t, serverCfg, WithLoopback(net))

	clientCfg := testConfig()
	clientCfg.Runtime.Node = 1
	clientCfg.Remote.Enabled = true
	client := startApp(t, clientCfg, WithLoopback(net))

	require.NotNil(t, client.Bridge())
	assert.Equal(t, 1, client.Bridge().Stats().Peers)

	h, ok := server.Group("scale")
	require.True(t, ok)
	resp, err := client.System().Ask(context.Background(), h.Addrs()[0], core.Int(7), time.Second)
	require.NoError(t, err)
	v, _ := resp.Payload().Int()
	assert.Equal(t, int64(21), v)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["remote"].State)
}

func TestRemoteWithoutLinkFailsStart(t *testing.T) {
	cfg := testConfig()
	cfg.Remote.Enabled = true

	app, err := New(cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	err = app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no link")
}

const watchedConfig = `app:
  name: watched
runtime:
  workers: 2
  shutdown_grace: 200ms
  watchdog:
    enabled: false
groups:
  scale:
    instances: 1
    settings:
      factor: %FACTOR%
`

func writeConfig(t *testing.T, path, factor string) {
	t.Helper()
	data := strings.ReplaceAll(watchedConfig, "%FACTOR%", factor)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestLoadReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "troupe.yaml")
	writeConfig(t, path, "2")

	app, err := Load(path, WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NotNil(t, app.watcher)
	app.watcher.SetDebounce(20 * time.Millisecond)
	require.NoError(t, app.Register("scale", scaleDefinition()))
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	assert.Equal(t, "watched", app.Config().App.Name)
	assert.Equal(t, int64(6), ask(t, app, 3))

	writeConfig(t, path, "4")
	require.Eventually(t, func() bool {
		v, err := tryAsk(app, 3)
		return err == nil && v == 12
	}, waitFor, 50*time.Millisecond)

	health, err := app.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, health["config-watcher"].State)
}
