// Package config provides configuration management for troupe runtimes
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/najoast/troupe/core"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// Config represents the complete runtime configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Actor runtime configuration
	Runtime RuntimeConfig `yaml:"runtime" json:"runtime"`

	// Remote node configuration
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// Message dumping configuration
	Dumping DumpingConfig `yaml:"dumping" json:"dumping"`

	// Per-group configuration keyed by group name
	Groups map[string]GroupConfig `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`

	// Application description
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Application metadata
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Fields to include in every record
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// RuntimeConfig contains actor runtime configuration
type RuntimeConfig struct {
	// Node number of this process
	Node uint16 `yaml:"node" json:"node"`

	// Worker pool size, zero means GOMAXPROCS
	Workers int `yaml:"workers" json:"workers"`

	// Envelopes processed per actor run
	Throughput int `yaml:"throughput" json:"throughput"`

	// Maximum number of live actors
	MaxActors int `yaml:"max_actors" json:"max_actors"`

	// Default actor mailbox size
	DefaultMailboxSize int `yaml:"default_mailbox_size" json:"default_mailbox_size"`

	// Lock striping of the address space and routing table
	AddressShards int `yaml:"address_shards" json:"address_shards"`
	RouteShards   int `yaml:"route_shards" json:"route_shards"`

	// Drain period per group on shutdown
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`

	// Default timeout for ask
	AskTimeout time.Duration `yaml:"ask_timeout" json:"ask_timeout"`

	// Stuck actor watchdog
	Watchdog WatchdogConfig `yaml:"watchdog" json:"watchdog"`
}

// WatchdogConfig contains stuck actor watchdog settings
type WatchdogConfig struct {
	// Enable the watchdog
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Run duration after which an actor is flagged
	Threshold time.Duration `yaml:"threshold" json:"threshold"`

	// Sampling interval
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// RemoteConfig contains remote node settings
type RemoteConfig struct {
	// Enable the remote bridge
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Protocol version announced to peers
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	// Semver constraint peers must satisfy, e.g. "^1.2"
	Accept string `yaml:"accept" json:"accept"`

	// Outbound queue length per peer
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// Known peers
	Peers []PeerConfig `yaml:"peers,omitempty" json:"peers,omitempty"`
}

// PeerConfig describes a remote node
type PeerConfig struct {
	// Node number of the peer
	Node uint16 `yaml:"node" json:"node"`

	// Human readable name
	Name string `yaml:"name" json:"name"`

	// Protocol version of the peer
	Version string `yaml:"version" json:"version"`
}

// DumpingConfig contains message dumping settings
type DumpingConfig struct {
	// Enable dumping
	Enabled bool `yaml:"enabled" json:"enabled"`

	// JSON lines output file
	Path string `yaml:"path" json:"path"`

	// How often the dump buffer is flushed
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Maximum buffered dumps per shard; extra dumps are dropped
	MaxShardLen int `yaml:"max_shard_len" json:"max_shard_len"`

	// Groups excluded from dumping
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// GroupConfig contains per-group settings
type GroupConfig struct {
	// Number of members, keyed "0".."n-1"
	Instances int `yaml:"instances" json:"instances"`

	// Explicit member keys, overrides Instances
	Keys []string `yaml:"keys,omitempty" json:"keys,omitempty"`

	// Mailbox capacity per member, nil means the runtime default
	MailboxCapacity *int `yaml:"mailbox_capacity,omitempty" json:"mailbox_capacity,omitempty"`

	// Routing of the group topic
	Routing RoutingConfig `yaml:"routing" json:"routing"`

	// Restart policy
	Restart RestartConfig `yaml:"restart" json:"restart"`

	// Group-specific settings, decoded by the group itself
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// RoutingConfig contains the routing policy of a group
type RoutingConfig struct {
	// unicast, broadcast or anycast
	Strategy string `yaml:"strategy" json:"strategy"`

	// round_robin or first
	Anycast string `yaml:"anycast" json:"anycast"`
}

// RestartConfig contains the restart policy of a group
type RestartConfig struct {
	// Restarts allowed within Window, nil means the runtime default
	MaxRestarts *int `yaml:"max_restarts,omitempty" json:"max_restarts,omitempty"`

	// Sliding window for MaxRestarts
	Window time.Duration `yaml:"window" json:"window"`

	// Backoff between a crash and the restart
	Backoff BackoffConfig `yaml:"backoff" json:"backoff"`
}

// BackoffConfig contains the backoff curve
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "troupe-app",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
			Description: "troupe application",
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
		},
		Runtime: RuntimeConfig{
			Throughput:         64,
			MaxActors:          1 << 20,
			DefaultMailboxSize: 1000,
			AddressShards:      16,
			RouteShards:        16,
			ShutdownGrace:      5 * time.Second,
			AskTimeout:         30 * time.Second,
			Watchdog: WatchdogConfig{
				Enabled:   true,
				Threshold: time.Second,
				Interval:  250 * time.Millisecond,
			},
		},
		Remote: RemoteConfig{
			Enabled:         false,
			ProtocolVersion: "1.0.0",
			Accept:          "^1.0",
			QueueSize:       1024,
		},
		Dumping: DumpingConfig{
			Enabled:     false,
			Path:        "dumps.jsonl",
			Interval:    time.Second,
			MaxShardLen: 4096,
		},
		Groups: make(map[string]GroupConfig),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}

	// Validate runtime config
	if c.Runtime.Workers < 0 {
		return ErrInvalidWorkers
	}
	if c.Runtime.MaxActors <= 0 {
		return ErrInvalidMaxActors
	}
	if c.Runtime.DefaultMailboxSize < 0 {
		return ErrInvalidMailboxSize
	}

	if c.Remote.Enabled && c.Remote.ProtocolVersion == "" {
		return fmt.Errorf("%w: protocol_version is required", ErrInvalidRemote)
	}
	if c.Dumping.Enabled && c.Dumping.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidDumping)
	}

	for name, g := range c.Groups {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidGroup, name, err)
		}
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// Group returns the configuration of a group, or the zero GroupConfig.
func (c *Config) Group(name string) GroupConfig {
	return c.Groups[name]
}

// Options converts the runtime section into core options. Logger, sink and
// the other collaborators are left for the caller to fill in.
func (c *Config) Options() core.Options {
	rt := c.Runtime
	return core.Options{
		Node:          core.NodeNo(rt.Node),
		Workers:       rt.Workers,
		Throughput:    rt.Throughput,
		MaxActors:     rt.MaxActors,
		AddressShards: rt.AddressShards,
		RouteShards:   rt.RouteShards,
		ShutdownGrace: rt.ShutdownGrace,
		Watchdog: core.WatchdogOptions{
			Threshold: rt.Watchdog.Threshold,
			Interval:  rt.Watchdog.Interval,
			Disabled:  !rt.Watchdog.Enabled,
		},
	}
}

// Validate checks the group settings that can be checked without the group.
func (g GroupConfig) Validate() error {
	if g.Instances < 0 {
		return fmt.Errorf("negative instances %d", g.Instances)
	}
	if g.MailboxCapacity != nil && *g.MailboxCapacity < 0 {
		return fmt.Errorf("negative mailbox capacity %d", *g.MailboxCapacity)
	}
	if _, err := g.RoutingPolicy(); err != nil {
		return err
	}
	return g.Policy().Validate()
}

// Mailbox returns the configured mailbox capacity or def.
func (g GroupConfig) Mailbox(def int) int {
	if g.MailboxCapacity != nil {
		return *g.MailboxCapacity
	}
	return def
}

// Policy converts the restart section, filling unset fields from
// core.DefaultRestartPolicy.
func (g GroupConfig) Policy() core.RestartPolicy {
	p := core.DefaultRestartPolicy()
	r := g.Restart
	if r.MaxRestarts != nil {
		p.MaxRestarts = *r.MaxRestarts
	}
	if r.Window > 0 {
		p.Window = r.Window
	}
	if r.Backoff.Initial > 0 {
		p.Backoff.Initial = r.Backoff.Initial
	}
	if r.Backoff.Max > 0 {
		p.Backoff.Max = r.Backoff.Max
	}
	if r.Backoff.Multiplier > 0 {
		p.Backoff.Multiplier = r.Backoff.Multiplier
	}
	return p
}

// RoutingPolicy converts the routing section.
func (g GroupConfig) RoutingPolicy() (core.RoutingPolicy, error) {
	strategy, err := core.ParseStrategy(g.Routing.Strategy)
	if err != nil {
		return core.RoutingPolicy{}, err
	}
	anycast, err := core.ParseAnycastPolicy(strings.ReplaceAll(g.Routing.Anycast, "_", "-"))
	if err != nil {
		return core.RoutingPolicy{}, err
	}
	return core.RoutingPolicy{Strategy: strategy, Anycast: anycast}, nil
}

// DecodeSettings decodes the free-form settings into out, which must be a
// pointer to a struct with yaml tags.
func (g GroupConfig) DecodeSettings(out any) error {
	if len(g.Settings) == 0 {
		return nil
	}
	data, err := yaml.Marshal(g.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: settings: %v", ErrConfigParseError, err)
	}
	return nil
}
