package config

import (
	"errors"
	"time"
)

// Config represents the auditor service configuration
type Config struct {
	Auditor     AuditorConfig     `mapstructure:"auditor"`
	Metadata    MetadataConfig    `mapstructure:"metadata"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Speculative SpeculativeConfig `mapstructure:"speculative"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// AuditorConfig holds the audit loop cadences. A zero interval disables
// the loop, except the bookie check where zero means "run once at
// startup".
type AuditorConfig struct {
	ID                          string        `mapstructure:"id"`
	PeriodicCheckInterval       time.Duration `mapstructure:"periodic_check_interval"`
	PeriodicBookieCheckInterval time.Duration `mapstructure:"periodic_bookie_check_interval"`
	URLedgerCheckInterval       time.Duration `mapstructure:"ur_ledger_check_interval"`
}

// MetadataConfig represents the metadata store connection.
type MetadataConfig struct {
	Endpoints    []string      `mapstructure:"endpoints"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	Root         string        `mapstructure:"root"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// GossipConfig represents cluster membership configuration.
type GossipConfig struct {
	BindPort        int           `mapstructure:"bind_port"`
	SeedNodes       []string      `mapstructure:"seed_nodes"`
	GossipInterval  time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
}

// SpeculativeConfig represents the read-path hedging policy.
type SpeculativeConfig struct {
	FirstTimeoutMs    int `mapstructure:"first_timeout_ms"`
	MaxTimeoutMs      int `mapstructure:"max_timeout_ms"`
	BackoffMultiplier int `mapstructure:"backoff_multiplier"`
}

// MetricsConfig represents Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents the health check server.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auditor.ID == "" {
		return errors.New("auditor.id is required")
	}
	if c.Auditor.PeriodicCheckInterval < 0 ||
		c.Auditor.PeriodicBookieCheckInterval < 0 ||
		c.Auditor.URLedgerCheckInterval < 0 {
		return errors.New("auditor intervals must not be negative")
	}
	if len(c.Metadata.Endpoints) == 0 {
		return errors.New("metadata.endpoints is required")
	}
	if c.Metadata.DialTimeout <= 0 {
		return errors.New("metadata.dial_timeout must be positive")
	}
	if c.Gossip.BindPort <= 0 || c.Gossip.BindPort > 65535 {
		return errors.New("gossip.bind_port must be between 1 and 65535")
	}
	if c.Gossip.StalenessWindow <= 0 {
		return errors.New("gossip.staleness_window must be positive")
	}
	if c.Speculative.BackoffMultiplier < 1 {
		return errors.New("speculative.backoff_multiplier must be at least 1")
	}
	if c.Speculative.FirstTimeoutMs <= 0 || c.Speculative.MaxTimeoutMs < c.Speculative.FirstTimeoutMs {
		return errors.New("speculative timeouts must satisfy 0 < first_timeout_ms <= max_timeout_ms")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Auditor: AuditorConfig{
			ID:                          "auditor-1",
			PeriodicCheckInterval:       7 * 24 * time.Hour,
			PeriodicBookieCheckInterval: 24 * time.Hour,
			URLedgerCheckInterval:       10 * time.Minute,
		},
		Metadata: MetadataConfig{
			Endpoints:    []string{"localhost:2379"},
			DialTimeout:  10 * time.Second,
			Root:         "/ledgerstore",
			ProbeTimeout: 5 * time.Second,
		},
		Gossip: GossipConfig{
			BindPort:        7946,
			SeedNodes:       nil,
			GossipInterval:  200 * time.Millisecond,
			ProbeInterval:   time.Second,
			ProbeTimeout:    500 * time.Millisecond,
			StalenessWindow: 30 * time.Second,
		},
		Speculative: SpeculativeConfig{
			FirstTimeoutMs:    400,
			MaxTimeoutMs:      2000,
			BackoffMultiplier: 2,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
