package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the node configuration. Every field has a working default
// so a node can run with no config file at all.
type Config struct {
	Port      int            `yaml:"port"`
	Peers     []string       `yaml:"peers"`
	PeerPorts map[string]int `yaml:"peer_ports"`

	Signals  SignalsConfig  `yaml:"signals"`
	Buffer   BufferConfig   `yaml:"buffer_config"`
	Stats    StatsConfig    `yaml:"stats"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`

	// StatsAggregationIntervalMs is the legacy flat key; it wins over
	// stats.interval_ms when both are set.
	StatsAggregationIntervalMs int64 `yaml:"stats_aggregation_interval_ms"`

	HeartbeatIntervalMs int64  `yaml:"heartbeat_interval_ms"`
	RetentionHours      int    `yaml:"retention_hours"`
	SocketPath          string `yaml:"socket_path"`
	WebAddr             string `yaml:"web_addr"` // "0" disables the web facade
}

type SignalsConfig struct {
	Incoming []string `yaml:"incoming"`
	Outgoing []string `yaml:"outgoing"`
}

type BufferConfig struct {
	MaxSize          int     `yaml:"max_size"`
	TTLHours         float64 `yaml:"ttl_hours"`
	RetryIntervalsMs []int64 `yaml:"retry_intervals_ms"`
	MaxRetries       int     `yaml:"max_retries"`
	TickMs           int64   `yaml:"tick_ms"`
}

type StatsConfig struct {
	IntervalMs int64 `yaml:"interval_ms"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port: 3025,
		Buffer: BufferConfig{
			MaxSize:          1000,
			TTLHours:         24,
			RetryIntervalsMs: []int64{1000, 5000, 15000},
			MaxRetries:       3,
			TickMs:           5000,
		},
		Stats:               StatsConfig{IntervalMs: 3_600_000},
		HeartbeatIntervalMs: 30_000,
		RetentionHours:      168,
		Database:            DatabaseConfig{Path: "synapse.db"},
		Logging:             LoggingConfig{Level: "info"},
		SocketPath:          "synapse.sock",
		WebAddr:             ":3026",
	}
}

// Load reads configuration from a file, filling gaps with defaults.
// A missing file is not an error: the defaults run as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults restores zero-valued fields a sparse file left out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = d.Buffer.MaxSize
	}
	if c.Buffer.TTLHours == 0 {
		c.Buffer.TTLHours = d.Buffer.TTLHours
	}
	if len(c.Buffer.RetryIntervalsMs) == 0 {
		c.Buffer.RetryIntervalsMs = d.Buffer.RetryIntervalsMs
	}
	if c.Buffer.MaxRetries == 0 {
		c.Buffer.MaxRetries = d.Buffer.MaxRetries
	}
	if c.Buffer.TickMs == 0 {
		c.Buffer.TickMs = d.Buffer.TickMs
	}
	if c.StatsAggregationIntervalMs != 0 {
		c.Stats.IntervalMs = c.StatsAggregationIntervalMs
	}
	if c.Stats.IntervalMs == 0 {
		c.Stats.IntervalMs = d.Stats.IntervalMs
	}
	if c.HeartbeatIntervalMs == 0 {
		c.HeartbeatIntervalMs = d.HeartbeatIntervalMs
	}
	if c.RetentionHours == 0 {
		c.RetentionHours = d.RetentionHours
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.SocketPath == "" {
		c.SocketPath = d.SocketPath
	}
	if c.WebAddr == "" {
		c.WebAddr = d.WebAddr
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	for name, port := range c.PeerPorts {
		if port < 1 || port > 65535 {
			return fmt.Errorf("peer_ports.%s: port %d out of range", name, port)
		}
	}
	for _, iv := range c.Buffer.RetryIntervalsMs {
		if iv <= 0 {
			return fmt.Errorf("buffer_config.retry_intervals_ms must be positive")
		}
	}
	if c.Buffer.MaxRetries < 1 {
		return fmt.Errorf("buffer_config.max_retries must be at least 1")
	}
	return nil
}
