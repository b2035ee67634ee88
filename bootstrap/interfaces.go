// Package bootstrap wires a troupe runtime from configuration: it builds the
// actor system, starts groups, the dumper and the remote bridge as managed
// services, and applies configuration reloads.
package bootstrap

import (
	"context"
	"fmt"
	"time"
)

// Service represents a service that can be managed by the lifecycle manager
type Service interface {
	// Start starts the service
	Start(ctx context.Context) error

	// Stop stops the service
	Stop(ctx context.Context) error

	// Health returns the health status of the service
	Health(ctx context.Context) (HealthStatus, error)

	// Name returns the service name
	Name() string
}

// HealthStatus represents the health status of a service
type HealthStatus struct {
	// State indicates whether the service is healthy
	State HealthState `json:"state"`

	// Message provides additional information about the health status
	Message string `json:"message,omitempty"`

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time `json:"last_check,omitempty"`

	// Data contains additional health information
	Data map[string]any `json:"data,omitempty"`
}

// HealthState represents the health state of a service
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthCritical  HealthState = "critical"
	HealthStopping  HealthState = "stopping"
	HealthStopped   HealthState = "stopped"
)

// LifecycleManager manages the lifecycle of services
type LifecycleManager interface {
	// Register registers a service with optional dependencies
	Register(name string, service Service, deps ...string) error

	// Start starts all services in dependency order
	Start(ctx context.Context) error

	// Stop stops all services in reverse start order
	Stop(ctx context.Context) error

	// Health returns the health status of all services
	Health(ctx context.Context) (map[string]HealthStatus, error)

	// Services returns all registered service names
	Services() []string

	// AddListener adds a lifecycle event listener
	AddListener(listener func(LifecycleEvent))
}

// LifecycleEventType names a lifecycle transition
type LifecycleEventType string

const (
	EventServiceRegistered  LifecycleEventType = "service.registered"
	EventServiceStarting    LifecycleEventType = "service.starting"
	EventServiceStarted     LifecycleEventType = "service.started"
	EventServiceStartFailed LifecycleEventType = "service.start_failed"
	EventServiceStopping    LifecycleEventType = "service.stopping"
	EventServiceStopped     LifecycleEventType = "service.stopped"
	EventServiceStopFailed  LifecycleEventType = "service.stop_failed"
	EventLifecycleStarted   LifecycleEventType = "lifecycle.started"
	EventLifecycleStopped   LifecycleEventType = "lifecycle.stopped"
	EventConfigReloaded     LifecycleEventType = "config.reloaded"
)

// LifecycleEvent represents an event in the service lifecycle
type LifecycleEvent struct {
	Type      LifecycleEventType `json:"type"`
	Service   string             `json:"service,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Error     error              `json:"error,omitempty"`
	Data      map[string]any     `json:"data,omitempty"`
}

// ApplicationError represents an error that occurred during application lifecycle
type ApplicationError struct {
	Operation string
	Service   string
	Err       error
}

func (e *ApplicationError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed for service %s: %v", e.Operation, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

func (e *ApplicationError) Unwrap() error {
	return e.Err
}
