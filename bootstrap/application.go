package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/troupe/config"
	"github.com/najoast/troupe/core"
	"github.com/najoast/troupe/dumping"
	"github.com/najoast/troupe/remote"
	"github.com/najoast/troupe/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// Option configures an Application.
type Option func(*Application)

// WithLogger replaces the logger built from the log section.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) { a.logger = logger }
}

// WithMeter records runtime metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(a *Application) { a.meter = meter }
}

// WithSink adds a sink that receives every runtime event.
func WithSink(sink core.Sink) Option {
	return func(a *Application) { a.extraSinks = append(a.extraSinks, sink) }
}

// WithRemoteLink sets the wire used by the remote bridge.
func WithRemoteLink(link remote.Link) Option {
	return func(a *Application) { a.link = link }
}

// WithLoopback connects the remote bridge to an in-process network.
func WithLoopback(network *remote.Network) Option {
	return func(a *Application) { a.network = network }
}

// WithEscalation is called for failures that groups escalate.
func WithEscalation(fn func(core.Escalation)) Option {
	return func(a *Application) { a.escalation = fn }
}

// Application runs a troupe runtime configured by a config.Config.
type Application struct {
	mu  sync.RWMutex
	cfg *config.Config

	logger    *slog.Logger
	level     *slog.LevelVar
	logCloser io.Closer

	meter      metric.Meter
	extraSinks []core.Sink
	sink       core.Sink
	escalation func(core.Escalation)

	link    remote.Link
	network *remote.Network

	registry  *Registry
	lifecycle *Lifecycle
	watcher   *config.Watcher

	system *atomic.Pointer[core.System]
	dumper *dumping.Dumper
	groups map[string]*groupService
	files  *dumperService
	bridge *remoteService

	running atomic.Bool
	closed  atomic.Bool
}

// New creates an application from cfg.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}

	a := &Application{
		cfg:      cfg,
		level:    new(slog.LevelVar),
		registry: NewRegistry(),
		system:   atomic.NewPointer[core.System](nil),
		groups:   make(map[string]*groupService),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, closer, err := NewLogger(cfg.Log, a.level)
		if err != nil {
			return nil, &ApplicationError{Operation: "configure", Err: err}
		}
		a.logger, a.logCloser = logger, closer
	}
	a.logger = a.logger.With("app", cfg.App.Name)
	a.lifecycle = NewLifecycle(a.logger)
	return a, nil
}

// Load creates an application from a configuration file and reloads it when
// the file changes. An empty path searches the default locations; if no file
// is found the defaults are used without watching.
func Load(path string, opts ...Option) (*Application, error) {
	loader := config.NewLoader()
	if path == "" {
		cfg, found, err := loader.AutoLoad()
		if err != nil {
			return nil, &ApplicationError{Operation: "load", Err: err}
		}
		if found == "" {
			return New(cfg, opts...)
		}
		path = found
	}

	watcher, err := config.NewWatcher(path, loader, nil)
	if err != nil {
		return nil, &ApplicationError{Operation: "load", Err: err}
	}
	a, err := New(watcher.Config(), opts...)
	if err != nil {
		return nil, err
	}
	a.watcher = watcher
	return a, nil
}

// Register adds a group definition. Groups must be registered before Start.
func (a *Application) Register(name string, def Definition) error {
	if a.running.Load() {
		return fmt.Errorf("cannot register group %s: application is running", name)
	}
	return a.registry.Register(name, def)
}

// Start builds the actor system and starts every service: the system, the
// dumper and remote bridge when enabled, every registered group and the
// configuration watcher.
func (a *Application) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("application is already running")
	}

	if err := a.build(); err != nil {
		a.running.Store(false)
		return err
	}
	if err := a.lifecycle.Start(ctx); err != nil {
		a.running.Store(false)
		return err
	}

	cfg := a.Config()
	a.logger.Info("application started",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"groups", a.registry.Names())
	return nil
}

// build registers the services for the current configuration.
func (a *Application) build() error {
	cfg := a.Config()

	for name := range cfg.Groups {
		if !a.registry.Has(name) {
			return &ApplicationError{Operation: "configure", Service: groupServicePrefix + name, Err: errors.New("no definition registered for configured group")}
		}
	}

	sinks := []core.Sink{telemetry.NewLogSink(a.logger)}
	if a.meter != nil {
		metrics, err := telemetry.NewMetricsSink(a.meter)
		if err != nil {
			return &ApplicationError{Operation: "configure", Service: serviceMetrics, Err: err}
		}
		sinks = append(sinks, metrics)
	}
	a.sink = telemetry.Multi(append(sinks, a.extraSinks...))

	if cfg.Dumping.Enabled {
		a.dumper = dumping.New(core.NodeNo(cfg.Runtime.Node), cfg.Dumping.MaxShardLen)
	}

	lm := a.lifecycle
	if err := lm.Register(serviceSystem, &systemService{app: a}); err != nil {
		return err
	}

	// Groups depend on the dumper and the bridge so both stop after them.
	groupDeps := []string{serviceSystem}
	if a.dumper != nil {
		a.files = &dumperService{app: a}
		if err := lm.Register(serviceDumper, a.files, serviceSystem); err != nil {
			return err
		}
		groupDeps = append(groupDeps, serviceDumper)
	}
	if cfg.Remote.Enabled {
		a.bridge = &remoteService{app: a}
		if err := lm.Register(serviceRemote, a.bridge, serviceSystem); err != nil {
			return err
		}
		groupDeps = append(groupDeps, serviceRemote)
	}
	if a.meter != nil {
		if err := lm.Register(serviceMetrics, &metricsService{app: a, meter: a.meter}, serviceSystem); err != nil {
			return err
		}
	}

	var all []string
	for _, name := range a.registry.Names() {
		def, _ := a.registry.Lookup(name)
		svc := &groupService{app: a, name: name, def: def}
		a.groups[name] = svc

		deps := append([]string(nil), groupDeps...)
		for _, after := range def.After {
			deps = append(deps, groupServicePrefix+after)
		}
		if err := lm.Register(svc.Name(), svc, deps...); err != nil {
			return err
		}
		all = append(all, svc.Name())
	}

	if a.watcher != nil {
		if err := lm.Register(serviceWatcher, &watcherService{app: a, watcher: a.watcher}, append(all, serviceSystem)...); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		a.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context done, shutting down")
	}

	grace := a.Config().Runtime.ShutdownGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*grace+10*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops every service in reverse start order.
func (a *Application) Shutdown(ctx context.Context) error {
	if !a.running.Load() || !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := a.lifecycle.Stop(ctx)
	if a.logCloser != nil {
		if cerr := a.logCloser.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	if err != nil {
		return &ApplicationError{Operation: "shutdown", Err: err}
	}
	return nil
}

// Reload applies a new configuration to the running application. Runtime
// settings that need a restart (node, workers, shards) are ignored; the log
// level, dumping and every group section are applied. The configuration is
// installed even when some groups reject their part.
func (a *Application) Reload(next *config.Config) error {
	if err := next.Validate(); err != nil {
		return &ApplicationError{Operation: "reload", Err: err}
	}

	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	if prev.Runtime.Node != next.Runtime.Node || prev.Runtime.Workers != next.Runtime.Workers {
		a.logger.Warn("runtime changes need a restart", "node", next.Runtime.Node, "workers", next.Runtime.Workers)
	}
	a.level.Set(slogLevel(next.Log.Level))

	var errs []error
	for name := range next.Groups {
		if _, ok := a.groups[name]; !ok {
			errs = append(errs, fmt.Errorf("group %s: no definition registered", name))
		}
	}
	for name, svc := range a.groups {
		if err := svc.apply(next.Group(name)); err != nil {
			errs = append(errs, &ApplicationError{Operation: "reload", Service: svc.Name(), Err: err})
		}
	}
	if a.files != nil {
		if err := a.files.apply(next.Dumping); err != nil {
			errs = append(errs, &ApplicationError{Operation: "reload", Service: serviceDumper, Err: err})
		}
	}

	a.lifecycle.Publish(LifecycleEvent{Type: EventConfigReloaded, Error: errors.Join(errs...)})
	a.logger.Info("configuration applied", "groups", len(a.groups), "errors", len(errs))
	return errors.Join(errs...)
}

func (a *Application) onEscalation(e core.Escalation) {
	a.logger.Error("failure escalated", "group", e.Group, "error", e.Err)
	if a.escalation != nil {
		a.escalation(e)
	}
}

// Config returns the current configuration.
func (a *Application) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Logger returns the application logger.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// System returns the actor system, or nil before Start.
func (a *Application) System() *core.System {
	return a.system.Load()
}

// Group returns the handle of a running group.
func (a *Application) Group(name string) (*core.GroupHandle, bool) {
	svc, ok := a.groups[name]
	if !ok {
		return nil, false
	}
	h := svc.handle.Load()
	return h, h != nil
}

// Dumper returns the message dumper, or nil when dumping is disabled.
func (a *Application) Dumper() *dumping.Dumper {
	return a.dumper
}

// Bridge returns the remote bridge, or nil when remote is disabled or not
// started.
func (a *Application) Bridge() *remote.Bridge {
	if a.bridge == nil {
		return nil
	}
	return a.bridge.bridge.Load()
}

// Health returns the health of every service.
func (a *Application) Health(ctx context.Context) (map[string]HealthStatus, error) {
	return a.lifecycle.Health(ctx)
}

// Lifecycle returns the lifecycle manager.
func (a *Application) Lifecycle() *Lifecycle {
	return a.lifecycle
}
