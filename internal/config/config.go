// Package config provides YAML configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stanxii/ferrous-socks/internal/policy"
)

// MetricsConfig controls the optional Prometheus/stats HTTP listener. An
// empty ListenAddr disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	Path       string `yaml:"path"`
}

// Config holds ferrous-socks runtime configuration.
type Config struct {
	ListenAddr     string        `yaml:"listenAddr"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
	Policy         policy.Spec   `yaml:"policy"`
	Metrics        MetricsConfig `yaml:"metrics"`
	OTelEndpoint   string        `yaml:"otelEndpoint"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:     ":1080",
		ConnectTimeout: 3 * time.Second,
		SessionTimeout: time.Hour,
		Policy:         policy.Spec{DefaultAction: "deny"},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
	}
}

// Load reads a YAML config file and merges with defaults.
func Load(path string) (*Config, error) {
	c := Defaults()
	b, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return c, nil
}

// Validate checks that the config values are sane. It also compiles the
// policy rules through policy.NewEngine, so a bad rule or defaultAction is
// rejected at load time with that function's per-rule error.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connectTimeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("sessionTimeout must be positive, got %s", c.SessionTimeout)
	}
	if _, err := policy.NewEngine(c.Policy); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}
