package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/najoast/troupe/config"
	"github.com/najoast/troupe/core"
	"github.com/najoast/troupe/dumping"
	"github.com/najoast/troupe/remote"
	"github.com/najoast/troupe/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

const (
	serviceSystem  = "system"
	serviceDumper  = "dumper"
	serviceRemote  = "remote"
	serviceMetrics = "metrics"
	serviceWatcher = "config-watcher"

	groupServicePrefix = "group:"
)

// systemService owns the core.System.
type systemService struct {
	app *Application
}

func (s *systemService) Name() string { return serviceSystem }

func (s *systemService) Start(context.Context) error {
	a := s.app
	opts := a.Config().Options()
	opts.Logger = a.logger
	opts.Sink = a.sink
	opts.OnEscalation = a.onEscalation
	if a.dumper != nil {
		opts.Dumper = a.dumper
	}

	sys := core.NewSystem(opts)
	if a.dumper != nil {
		a.dumper.SetSystem(sys.ID())
	}
	a.system.Store(sys)
	a.logger.Info("actor system started", "id", sys.ID(), "node", sys.Node())
	return nil
}

func (s *systemService) Stop(ctx context.Context) error {
	sys := s.app.system.Load()
	if sys == nil {
		return nil
	}
	return sys.Shutdown(ctx)
}

func (s *systemService) Health(context.Context) (HealthStatus, error) {
	sys := s.app.system.Load()
	if sys == nil {
		return HealthStatus{State: HealthStopped, Message: "actor system not started"}, nil
	}
	stats := sys.Stats()
	return HealthStatus{
		State: HealthHealthy,
		Data: map[string]any{
			"addresses":        stats.Addresses,
			"ready_queue":      stats.ReadyQueue,
			"pending_requests": stats.Pending,
			"groups":           len(stats.Groups),
		},
	}, nil
}

// groupService runs one registered group.
type groupService struct {
	app    *Application
	name   string
	def    Definition
	handle atomic.Pointer[core.GroupHandle]
}

func (s *groupService) Name() string { return groupServicePrefix + s.name }

func (s *groupService) Start(ctx context.Context) error {
	a := s.app
	gc := a.Config().Group(s.name)

	snapshot, err := s.def.snapshot(gc)
	if err != nil {
		return fmt.Errorf("group %s settings: %w", s.name, err)
	}
	routing, err := gc.RoutingPolicy()
	if err != nil {
		return fmt.Errorf("group %s routing: %w", s.name, err)
	}

	spec := core.GroupSpec{
		Name:            s.name,
		Instances:       gc.Instances,
		Keys:            gc.Keys,
		MailboxCapacity: gc.Mailbox(a.Config().Runtime.DefaultMailboxSize),
		Routing:         routing,
		Validate:        s.def.Validate,
	}
	h, err := a.System().SpawnGroup(spec, snapshot, gc.Policy(), s.def.Factory)
	if err != nil {
		return err
	}
	if err := awaitReady(ctx, h, a.Config().Runtime.ShutdownGrace); err != nil {
		return err
	}
	s.handle.Store(h)
	return nil
}

// awaitReady waits for every member of h to start and shuts h down if the
// group does not come up.
func awaitReady(ctx context.Context, h *core.GroupHandle, grace time.Duration) error {
	err := h.Ready(ctx)
	if err == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*grace+time.Second)
	defer cancel()
	if serr := h.Shutdown(stopCtx, grace); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

func (s *groupService) Stop(ctx context.Context) error {
	h := s.handle.Load()
	if h == nil {
		return nil
	}
	return h.Shutdown(ctx, s.app.Config().Runtime.ShutdownGrace)
}

func (s *groupService) Health(context.Context) (HealthStatus, error) {
	h := s.handle.Load()
	if h == nil {
		return HealthStatus{State: HealthStopped}, nil
	}

	stats := h.Stats()
	status := HealthStatus{
		State: groupHealth(stats.State),
		Data: map[string]any{
			"members":        len(stats.Actors),
			"restarts":       stats.Restarts,
			"config_version": stats.ConfigVersion,
		},
	}
	if err := h.Failure(); err != nil {
		status.Message = err.Error()
	}
	return status, nil
}

func groupHealth(state core.GroupState) HealthState {
	switch state {
	case core.GroupStarting:
		return HealthStarting
	case core.GroupRunning:
		return HealthHealthy
	case core.GroupDegraded:
		return HealthUnhealthy
	case core.GroupFailed:
		return HealthCritical
	case core.GroupTerminating:
		return HealthStopping
	case core.GroupTerminated:
		return HealthStopped
	default:
		return HealthUnknown
	}
}

// apply installs a reloaded group section: settings, restart policy, routing
// and membership. Every part is attempted; the errors are joined.
func (s *groupService) apply(gc config.GroupConfig) error {
	h := s.handle.Load()
	if h == nil {
		return nil
	}

	var errs []error
	if snapshot, err := s.def.snapshot(gc); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	} else if err := h.UpdateConfig(snapshot); err != nil {
		errs = append(errs, err)
	}
	if err := h.UpdatePolicy(gc.Policy()); err != nil {
		errs = append(errs, fmt.Errorf("restart policy: %w", err))
	}
	if routing, err := gc.RoutingPolicy(); err != nil {
		errs = append(errs, fmt.Errorf("routing: %w", err))
	} else {
		h.UpdateRouting(routing)
	}
	if err := s.reconcile(h, memberKeys(gc)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// reconcile spawns missing members and stops members no longer wanted.
func (s *groupService) reconcile(h *core.GroupHandle, want []string) error {
	var have []string
	for _, a := range h.Stats().Actors {
		have = append(have, a.Key)
	}

	var errs []error
	for _, key := range want {
		if !slices.Contains(have, key) {
			if _, err := h.Spawn(key); err != nil {
				errs = append(errs, fmt.Errorf("spawn %s: %w", key, err))
			}
		}
	}
	for _, key := range have {
		if !slices.Contains(want, key) {
			if err := h.Stop(key); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

// memberKeys mirrors how a group names its members at spawn time.
func memberKeys(gc config.GroupConfig) []string {
	if len(gc.Keys) > 0 {
		return gc.Keys
	}
	n := max(gc.Instances, 1)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	return keys
}

// dumperService runs the dump file group.
type dumperService struct {
	app    *Application
	handle atomic.Pointer[core.GroupHandle]
}

func (s *dumperService) Name() string { return serviceDumper }

func fileConfig(cfg config.DumpingConfig) dumping.FileConfig {
	return dumping.FileConfig{Path: cfg.Path, Interval: cfg.Interval}
}

func (s *dumperService) Start(ctx context.Context) error {
	a := s.app
	cfg := a.Config().Dumping
	a.dumper.Configure(cfg.Disabled)

	h, err := dumping.SpawnFileGroup(a.System(), a.dumper, fileConfig(cfg))
	if err != nil {
		return err
	}
	if err := awaitReady(ctx, h, a.Config().Runtime.ShutdownGrace); err != nil {
		return err
	}
	s.handle.Store(h)
	return nil
}

func (s *dumperService) Stop(ctx context.Context) error {
	h := s.handle.Load()
	if h == nil {
		return nil
	}
	return h.Shutdown(ctx, s.app.Config().Runtime.ShutdownGrace)
}

func (s *dumperService) Health(context.Context) (HealthStatus, error) {
	h := s.handle.Load()
	if h == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State: groupHealth(h.State()),
		Data: map[string]any{
			"buffered": s.app.dumper.Len(),
			"dropped":  s.app.dumper.Dropped(),
		},
	}, nil
}

func (s *dumperService) apply(cfg config.DumpingConfig) error {
	s.app.dumper.Configure(cfg.Disabled)
	if h := s.handle.Load(); h != nil {
		return h.UpdateConfig(fileConfig(cfg))
	}
	return nil
}

// remoteService attaches the bridge and connects configured peers.
type remoteService struct {
	app    *Application
	bridge atomic.Pointer[remote.Bridge]
}

func (s *remoteService) Name() string { return serviceRemote }

func (s *remoteService) Start(context.Context) error {
	a := s.app
	cfg := a.Config()
	sys := a.System()

	link := a.link
	if a.network != nil {
		link = a.network.Endpoint(sys.Node())
	}
	if link == nil {
		return errors.New("remote is enabled but no link is configured")
	}

	b, err := remote.Attach(sys, link, remote.Options{
		Name:            cfg.App.Name,
		ProtocolVersion: cfg.Remote.ProtocolVersion,
		Accept:          cfg.Remote.Accept,
		QueueSize:       cfg.Remote.QueueSize,
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	s.bridge.Store(b)

	for _, p := range cfg.Remote.Peers {
		info := remote.PeerInfo{Node: core.NodeNo(p.Node), Name: p.Name, Version: p.Version}
		if err := b.Connect(info); err != nil {
			a.logger.Warn("configured peer refused", "peer", p.Node, "error", err)
		}
	}
	if a.network != nil {
		if err := a.network.Join(b); err != nil {
			a.logger.Warn("loopback peers refused", "error", err)
		}
	}
	return nil
}

func (s *remoteService) Stop(ctx context.Context) error {
	b := s.bridge.Load()
	if b == nil {
		return nil
	}
	if s.app.network != nil {
		s.app.network.Leave(b.Hello().Node)
	}
	return b.Stop(ctx)
}

func (s *remoteService) Health(context.Context) (HealthStatus, error) {
	b := s.bridge.Load()
	if b == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	stats := b.Stats()
	state := HealthHealthy
	for _, p := range b.Registry().Peers() {
		if p.State != remote.PeerConnected {
			state = HealthUnhealthy
		}
	}
	return HealthStatus{
		State: state,
		Data: map[string]any{
			"peers":    stats.Peers,
			"sent":     stats.Sent,
			"received": stats.Received,
			"dropped":  stats.Dropped,
			"errors":   stats.Errors,
		},
	}, nil
}

// metricsService registers the observable system gauges.
type metricsService struct {
	app          *Application
	meter        metric.Meter
	registration metric.Registration
}

func (s *metricsService) Name() string { return serviceMetrics }

func (s *metricsService) Start(context.Context) error {
	reg, err := telemetry.RegisterSystemMetrics(s.meter, s.app.System().Stats)
	if err != nil {
		return err
	}
	s.registration = reg
	return nil
}

func (s *metricsService) Stop(context.Context) error {
	if s.registration == nil {
		return nil
	}
	return s.registration.Unregister()
}

func (s *metricsService) Health(context.Context) (HealthStatus, error) {
	if s.registration == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy}, nil
}

// watcherService applies configuration file changes.
type watcherService struct {
	app     *Application
	watcher *config.Watcher
	running atomic.Bool
}

func (s *watcherService) Name() string { return serviceWatcher }

func (s *watcherService) Start(context.Context) error {
	s.watcher.OnConfigChange(func(_, next *config.Config) {
		if err := s.app.Reload(next); err != nil {
			s.app.logger.Error("config reload partially applied", "error", err)
		}
	})
	if err := s.watcher.Start(); err != nil {
		return err
	}
	s.running.Store(true)
	return nil
}

func (s *watcherService) Stop(context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	return s.watcher.Stop()
}

func (s *watcherService) Health(context.Context) (HealthStatus, error) {
	if !s.running.Load() {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{State: HealthHealthy, Data: map[string]any{"path": s.watcher.Path()}}, nil
}
