package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	cfg := DefaultConfig()

	// Set up viper
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Read config file (optional - if file doesn't exist, continue with defaults)
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if id := os.Getenv("AUDITOR_ID"); id != "" {
		cfg.Auditor.ID = id
	}
	if endpoints := os.Getenv("METADATA_ENDPOINTS"); endpoints != "" {
		cfg.Metadata.Endpoints = strings.Split(endpoints, ",")
	}
	if root := os.Getenv("METADATA_ROOT"); root != "" {
		cfg.Metadata.Root = root
	}
	if port := os.Getenv("GOSSIP_BIND_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Gossip.BindPort = p
		}
	}
	if seeds := os.Getenv("GOSSIP_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
