// Package config provides configuration types and defaults for ticketd.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid indicates the configuration failed validation.
// Fatal at startup, logged and ignored on reload.
var ErrInvalid = errors.New("invalid configuration")

// PoolConfig holds per-pool sizing and model defaults.
type PoolConfig struct {
	MinWorkers   int    `mapstructure:"min_workers" json:"min_workers"`
	MaxWorkers   int    `mapstructure:"max_workers" json:"max_workers"`
	DefaultModel string `mapstructure:"default_model" json:"default_model"`
}

// RoutingRule matches tickets to a pool and model tier.
// Match fields recognized: labels (any-of), complexity, priority,
// title_pattern (case-insensitive substring or regex), status.
// Rules are tried in list order; first match wins.
type RoutingRule struct {
	Match map[string]any `mapstructure:"match" json:"match"`
	Pool  string         `mapstructure:"pool" json:"pool"`
	Model string         `mapstructure:"model" json:"model"`
}

// AgentConfig configures the agent runtime subprocess.
type AgentConfig struct {
	// Command is the headless agent executable (default "claude").
	Command string `mapstructure:"command" json:"command"`
	// SessionTimeout bounds a single agent session in seconds.
	// Zero means no timeout.
	SessionTimeout int `mapstructure:"session_timeout" json:"session_timeout"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"` // default <project>/.ticketd/journal.db
}

// TracingConfig configures the OpenTelemetry tracing subsystem.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" json:"enabled"`
	Exporter     string  `mapstructure:"exporter" json:"exporter"` // "none", "file", "stdout", "otlp"
	FilePath     string  `mapstructure:"file_path" json:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate" json:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name" json:"service_name"`
}

// DaemonConfig holds all configuration for the dispatch daemon.
type DaemonConfig struct {
	ProjectDir   string `mapstructure:"project_dir" json:"project_dir"`
	ControlPort  int    `mapstructure:"control_port" json:"control_port"`
	PollInterval int    `mapstructure:"poll_interval" json:"poll_interval"` // seconds
	LeaseTTL     int    `mapstructure:"lease_ttl" json:"lease_ttl"`         // seconds

	// DisablePollFallback suppresses the synthetic tracker-check ticket
	// when the webhook queue is empty.
	DisablePollFallback bool `mapstructure:"disable_poll_fallback" json:"disable_poll_fallback"`

	Pools        map[string]PoolConfig `mapstructure:"pools" json:"pools"`
	RoutingRules []RoutingRule         `mapstructure:"routing_rules" json:"routing_rules"`

	Agent   AgentConfig   `mapstructure:"agent" json:"agent"`
	Journal JournalConfig `mapstructure:"journal" json:"journal"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Defaults returns the default daemon configuration:
// coding(1,3,sonnet), review(1,1,haiku), linear(1,1,haiku).
func Defaults() DaemonConfig {
	return DaemonConfig{
		ControlPort:  9100,
		PollInterval: 30,
		LeaseTTL:     600,
		Pools: map[string]PoolConfig{
			"coding": {MinWorkers: 1, MaxWorkers: 3, DefaultModel: "sonnet"},
			"review": {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"},
			"linear": {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"},
		},
		RoutingRules: []RoutingRule{
			{Match: map[string]any{"labels": []any{"review", "pr", "code-review"}}, Pool: "review", Model: "haiku"},
			{Match: map[string]any{"labels": []any{"linear", "triage", "planning"}}, Pool: "linear", Model: "haiku"},
		},
		Agent: AgentConfig{
			Command: "claude",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "ticketd",
		},
	}
}

// Validate checks invariants that would make the daemon misbehave.
func (c DaemonConfig) Validate() error {
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("%w: control_port %d out of range", ErrInvalid, c.ControlPort)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalid)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease_ttl must be positive", ErrInvalid)
	}
	for name, pc := range c.Pools {
		if pc.MinWorkers < 0 {
			return fmt.Errorf("%w: pool %q min_workers must be >= 0", ErrInvalid, name)
		}
		if pc.MinWorkers > pc.MaxWorkers {
			return fmt.Errorf("%w: pool %q min_workers %d exceeds max_workers %d",
				ErrInvalid, name, pc.MinWorkers, pc.MaxWorkers)
		}
	}
	for i, rule := range c.RoutingRules {
		if rule.Pool == "" {
			return fmt.Errorf("%w: routing rule %d has no pool", ErrInvalid, i)
		}
	}
	return nil
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (c DaemonConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// LeaseTTLDuration returns LeaseTTL as a time.Duration.
func (c DaemonConfig) LeaseTTLDuration() time.Duration {
	return time.Duration(c.LeaseTTL) * time.Second
}

// SessionTimeoutDuration returns the agent session timeout as a duration.
func (c DaemonConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.Agent.SessionTimeout) * time.Second
}
