package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Backends    BackendsConfig    `yaml:"backends"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	ConfigStore ConfigStoreConfig `yaml:"config_store"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ReputationConfig struct {
	// Map is the non-decreasing tier threshold table. Index = server
	// level, value = minimum reputation for that level.
	Map []int `yaml:"map"`
}

type BackendsConfig struct {
	// RealServers off means every provisioning call is simulated; no
	// network traffic leaves the process.
	RealServers bool          `yaml:"real_servers"`
	Timeout     time.Duration `yaml:"timeout"`

	// GTFWeight is the percentage routed to gtf when gtf and central are
	// the only active types. Ignored otherwise.
	GTFWeight int `yaml:"gtf_weight"`

	// RevokeRate caps backend delete calls per second during sweeps.
	RevokeRate   int `yaml:"revoke_rate"`
	BacklogLimit int `yaml:"backlog_limit"`
}

type LifecycleConfig struct {
	// InactivityWindowDays without observed usage marks a key inactive;
	// GraceDays later the inactive key is actually removed.
	InactivityWindowDays int `yaml:"inactivity_window_days"`
	GraceDays            int `yaml:"grace_days"`

	// ProfileDeleteDelayDays between an account deletion request and the
	// hard purge of the user row.
	ProfileDeleteDelayDays int `yaml:"profile_delete_delay_days"`
}

type ConfigStoreConfig struct {
	Type   string                 `yaml:"type"`
	Params map[string]interface{} `yaml:"params"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	if len(cfg.Reputation.Map) == 0 {
		cfg.Reputation.Map = []int{0, 1, 2, 3}
	}
	if cfg.Backends.GTFWeight < 0 || cfg.Backends.GTFWeight > 100 {
		return nil, fmt.Errorf("gtf_weight must be within [0,100], got %d", cfg.Backends.GTFWeight)
	}

	return cfg, nil
}

// Default returns the configuration used when config.yaml omits a value.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "keygate.db"},
		Reputation: ReputationConfig{
			Map: []int{0, 1, 2, 3},
		},
		Backends: BackendsConfig{
			RealServers:  false,
			Timeout:      15 * time.Second,
			GTFWeight:    50,
			RevokeRate:   5,
			BacklogLimit: 100,
		},
		Lifecycle: LifecycleConfig{
			InactivityWindowDays:   60,
			GraceDays:              7,
			ProfileDeleteDelayDays: 7,
		},
		ConfigStore: ConfigStoreConfig{
			Type: "fs",
			Params: map[string]interface{}{
				"dir": "ssconfig",
			},
		},
	}
}
