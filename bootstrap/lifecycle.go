package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultServiceTimeout = 30 * time.Second
	healthTimeout         = 5 * time.Second
)

// Lifecycle starts services in dependency order and stops them in reverse.
// It implements LifecycleManager.
type Lifecycle struct {
	logger *slog.Logger

	mu           sync.RWMutex
	services     map[string]Service
	dependencies map[string][]string

	// startOrder tracks the services that started, in order
	startOrder []string

	started  bool
	stopping bool

	listeners []func(LifecycleEvent)

	// timeout for a single Start or Stop call
	timeout time.Duration
}

// NewLifecycle creates a lifecycle manager. A nil logger uses slog.Default().
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		logger:       logger.With("component", "lifecycle"),
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      defaultServiceTimeout,
	}
}

// Register registers a service with the services it depends on.
func (lm *Lifecycle) Register(name string, service Service, deps ...string) error {
	if name == "" {
		return errors.New("service name cannot be empty")
	}
	if service == nil {
		return errors.New("service cannot be nil")
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return fmt.Errorf("cannot register service %s: lifecycle already started", name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps

	lm.publish(LifecycleEvent{
		Type:    EventServiceRegistered,
		Service: name,
		Data:    map[string]any{"dependencies": deps},
	})
	return nil
}

// Start starts all services in dependency order. If one fails, the services
// already started are stopped again in reverse order.
func (lm *Lifecycle) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return errors.New("lifecycle already started")
	}

	order, err := lm.startOrderLocked()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}
	lm.logger.Debug("starting services", "order", order)

	for _, name := range order {
		lm.publish(LifecycleEvent{Type: EventServiceStarting, Service: name})

		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.publish(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.logger.Error("service failed to start", "service", name, "error", err)
			lm.stopStartedLocked(context.WithoutCancel(ctx))
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.publish(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	lm.started = true
	lm.publish(LifecycleEvent{Type: EventLifecycleStarted})
	return nil
}

// Stop stops the started services in reverse start order. Every service is
// asked to stop even if an earlier one fails; the errors are joined.
func (lm *Lifecycle) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.started {
		return nil
	}
	if lm.stopping {
		return errors.New("lifecycle already stopping")
	}
	lm.stopping = true

	err := lm.stopStartedLocked(ctx)

	lm.started = false
	lm.stopping = false
	lm.publish(LifecycleEvent{Type: EventLifecycleStopped})
	return err
}

func (lm *Lifecycle) stopStartedLocked(ctx context.Context) error {
	var errs []error
	for _, name := range slices.Backward(lm.startOrder) {
		lm.publish(LifecycleEvent{Type: EventServiceStopping, Service: name})

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &ApplicationError{Operation: "stop", Service: name, Err: err})
			lm.publish(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			lm.logger.Error("service failed to stop", "service", name, "error", err)
			continue
		}
		lm.publish(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.startOrder = nil
	return errors.Join(errs...)
}

// Health checks every service concurrently. A failing check is reported as
// unhealthy rather than as an error.
func (lm *Lifecycle) Health(ctx context.Context) (map[string]HealthStatus, error) {
	lm.mu.RLock()
	services := make(map[string]Service, len(lm.services))
	for name, s := range lm.services {
		services[name] = s
	}
	lm.mu.RUnlock()

	var (
		mu     sync.Mutex
		health = make(map[string]HealthStatus, len(services))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, s := range services {
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(gctx, healthTimeout)
			defer cancel()

			status, err := s.Health(hctx)
			if err != nil {
				status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
			}
			if status.LastCheck.IsZero() {
				status.LastCheck = time.Now()
			}

			mu.Lock()
			health[name] = status
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return health, nil
}

// Services returns all registered service names, sorted.
func (lm *Lifecycle) Services() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener. Listeners run synchronously
// and must not call back into the lifecycle.
func (lm *Lifecycle) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for a single Start or Stop call.
func (lm *Lifecycle) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle has been started
func (lm *Lifecycle) IsStarted() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.started
}

// Service returns a registered service by name
func (lm *Lifecycle) Service(name string) (Service, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	s, ok := lm.services[name]
	return s, ok
}

// startOrderLocked is a topological sort (Kahn). Ties are broken by name so
// the order is stable between runs.
func (lm *Lifecycle) startOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))

	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, ok := lm.services[dep]; !ok {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, d := range inDegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		var next []string
		for _, d := range dependents[current] {
			inDegree[d]--
			if inDegree[d] == 0 {
				next = append(next, d)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	if len(order) != len(lm.services) {
		return nil, errors.New("circular dependency detected")
	}
	return order, nil
}

// Publish delivers an event that does not come from the lifecycle itself to
// every listener.
func (lm *Lifecycle) Publish(event LifecycleEvent) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	lm.publish(event)
}

// publish delivers an event to every listener; a panicking listener is
// logged.
func (lm *Lifecycle) publish(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "event", event.Type, "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
