// Package config provides configuration loading and management for the
// experiment agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Store    StoreConfig    `yaml:"store"`
	Sync     SyncConfig     `yaml:"sync"`
	Pool     PoolConfig     `yaml:"pool"`
	Approval ApprovalConfig `yaml:"approval"`
	Ticker   TickerConfig   `yaml:"ticker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Risk     RiskConfig     `yaml:"risk"`
	Policy   PolicyConfig   `yaml:"policy"`
	Logs     LogsConfig     `yaml:"logs"`
}

// AgentConfig configures the agent's own NATS endpoint
type AgentConfig struct {
	// NATSURL is an external NATS server URL (empty = use embedded server)
	NATSURL string `yaml:"nats_url"`
	// Port is the listen port for the embedded NATS server
	Port int `yaml:"port"`
}

// StoreConfig configures the remote store connection
type StoreConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CAFile is the root CA PEM used to authenticate the store (empty = no TLS)
	CAFile string `yaml:"ca_file"`
}

// SyncConfig configures state replication
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PoolConfig configures the task worker pool
type PoolConfig struct {
	Workers int `yaml:"workers"`
}

// ApprovalConfig configures the approval workflow
type ApprovalConfig struct {
	// ExpiryHours is how long a request stays actionable
	ExpiryHours float64 `yaml:"expiry_hours"`
	// HousekeepingInterval paces the expiry sweeps
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
}

// TickerConfig configures the per-experiment metrics ticker
type TickerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the Prometheus listener
type MetricsConfig struct {
	// Listen is the /metrics listen address (empty = disabled)
	Listen string `yaml:"listen"`
}

// RiskConfig configures the risk assessor
type RiskConfig struct {
	// Profile is the active tolerance profile name
	Profile string `yaml:"profile"`
}

// PolicyConfig configures the governance policy override file
type PolicyConfig struct {
	// File is a YAML policy file watched for hot reload (empty = defaults only)
	File string `yaml:"file"`
}

// LogsConfig configures the log stream buffer
type LogsConfig struct {
	Capacity int    `yaml:"capacity"`
	Level    string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			NATSURL: "", // Embedded
			Port:    50051,
		},
		Store: StoreConfig{
			Host: "localhost",
			Port: 50052,
		},
		Sync: SyncConfig{
			Enabled: true,
		},
		Pool: PoolConfig{
			Workers: 5,
		},
		Approval: ApprovalConfig{
			ExpiryHours:          24,
			HousekeepingInterval: time.Minute,
		},
		Ticker: TickerConfig{
			Interval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
		Risk: RiskConfig{
			Profile: "balanced",
		},
		Policy: PolicyConfig{
			File: "",
		},
		Logs: LogsConfig{
			Capacity: 1000,
			Level:    "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Agent.NATSURL == "" && (c.Agent.Port <= 0 || c.Agent.Port > 65535) {
		return fmt.Errorf("agent.port must be a valid port when no nats_url is set")
	}
	if c.Sync.Enabled {
		if c.Store.Host == "" {
			return fmt.Errorf("store.host is required when sync is enabled")
		}
		if c.Store.Port <= 0 || c.Store.Port > 65535 {
			return fmt.Errorf("store.port must be a valid port")
		}
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be positive")
	}
	if c.Approval.ExpiryHours < 0 {
		return fmt.Errorf("approval.expiry_hours must not be negative")
	}
	if c.Ticker.Interval <= 0 {
		return fmt.Errorf("ticker.interval must be positive")
	}
	if c.Logs.Capacity <= 0 {
		return fmt.Errorf("logs.capacity must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Agent.NATSURL != "" {
		c.Agent.NATSURL = other.Agent.NATSURL
	}
	if other.Agent.Port != 0 {
		c.Agent.Port = other.Agent.Port
	}

	if other.Store.Host != "" {
		c.Store.Host = other.Store.Host
	}
	if other.Store.Port != 0 {
		c.Store.Port = other.Store.Port
	}
	if other.Store.CAFile != "" {
		c.Store.CAFile = other.Store.CAFile
	}

	c.Sync.Enabled = other.Sync.Enabled

	if other.Pool.Workers != 0 {
		c.Pool.Workers = other.Pool.Workers
	}

	if other.Approval.ExpiryHours != 0 {
		c.Approval.ExpiryHours = other.Approval.ExpiryHours
	}
	if other.Approval.HousekeepingInterval != 0 {
		c.Approval.HousekeepingInterval = other.Approval.HousekeepingInterval
	}

	if other.Ticker.Interval != 0 {
		c.Ticker.Interval = other.Ticker.Interval
	}

	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}

	if other.Risk.Profile != "" {
		c.Risk.Profile = other.Risk.Profile
	}

	if other.Policy.File != "" {
		c.Policy.File = other.Policy.File
	}

	if other.Logs.Capacity != 0 {
		c.Logs.Capacity = other.Logs.Capacity
	}
	if other.Logs.Level != "" {
		c.Logs.Level = other.Logs.Level
	}
}
