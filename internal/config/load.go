package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/zjrosen/ticketd/internal/log"
)

// Load reads the daemon config file at path, layered over Defaults().
// The file is JSON (ticketd.json). A missing file is not an error - the
// defaults are returned. A malformed or invalid file returns ErrInvalid.
//
// Load uses a fresh viper instance each call so that SIGHUP reload
// re-parses the file from scratch.
func Load(path string) (DaemonConfig, error) {
	defaults := Defaults()

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return defaults, fmt.Errorf("%w: reading %s: %v", ErrInvalid, path, err)
		}
	}

	cfg := defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return defaults, fmt.Errorf("%w: unmarshaling %s: %v", ErrInvalid, path, err)
	}

	// Viper merges maps key-by-key; a pools section in the file fully
	// replaces the default pool set so operators can drop pools.
	if path != "" && v.IsSet("pools") {
		cfg.Pools = make(map[string]PoolConfig)
		if err := v.UnmarshalKey("pools", &cfg.Pools); err != nil {
			return defaults, fmt.Errorf("%w: pools section in %s: %v", ErrInvalid, path, err)
		}
	}
	if path != "" && v.IsSet("routing_rules") {
		cfg.RoutingRules = nil
		if err := v.UnmarshalKey("routing_rules", &cfg.RoutingRules); err != nil {
			return defaults, fmt.Errorf("%w: routing_rules section in %s: %v", ErrInvalid, path, err)
		}
	}

	if cfg.Journal.Path == "" && cfg.ProjectDir != "" {
		cfg.Journal.Path = filepath.Join(cfg.ProjectDir, ".ticketd", "journal.db")
	}

	if err := cfg.Validate(); err != nil {
		return defaults, err
	}

	log.Info(log.CatConfig, "Config loaded",
		"path", path,
		"controlPort", cfg.ControlPort,
		"pollInterval", cfg.PollInterval,
		"leaseTTL", cfg.LeaseTTL,
		"pools", len(cfg.Pools),
		"rules", len(cfg.RoutingRules))

	return cfg, nil
}

func setDefaults(v *viper.Viper, d DaemonConfig) {
	v.SetDefault("control_port", d.ControlPort)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("lease_ttl", d.LeaseTTL)
	v.SetDefault("disable_poll_fallback", d.DisablePollFallback)
	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.session_timeout", d.Agent.SessionTimeout)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}
