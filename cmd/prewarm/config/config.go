// Package config provides configuration structures for the warmup client.
package config

import (
	"fmt"
	"time"
)

// Config represents the client configuration.
type Config struct {
	// Backend settings
	BackendURL  string        `yaml:"backend_url" json:"backend_url"`
	AccessToken string        `yaml:"access_token" json:"access_token"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	LogLevel    string        `yaml:"log_level" json:"log_level"`

	// Warmup configuration
	Warmup WarmupConfig `yaml:"warmup" json:"warmup"`

	// Proxy configuration
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// WarmupConfig represents warmup run configuration.
type WarmupConfig struct {
	// WorkloadFile is the YAML workload; empty means the built-in
	// autocompletion workload.
	WorkloadFile           string `yaml:"workload_file" json:"workload_file"`
	SendLimit              int    `yaml:"send_limit" json:"send_limit"`
	Pin                    bool   `yaml:"pin" json:"pin"`
	MaxConsecutiveTimeouts int    `yaml:"max_consecutive_timeouts" json:"max_consecutive_timeouts"`
}

// ProxyConfig represents the fallback proxy configuration.
type ProxyConfig struct {
	Listen              string        `yaml:"listen" json:"listen"`
	Backend2URL         string        `yaml:"backend_2_url" json:"backend_2_url"`
	Timeout2            time.Duration `yaml:"timeout_2" json:"timeout_2"`
	NameService         bool          `yaml:"name_service" json:"name_service"`
	NamePredicate       string        `yaml:"name_predicate" json:"name_predicate"`
	NamePredicatePrefix string        `yaml:"name_predicate_prefix" json:"name_predicate_prefix"`
	NameVarSuffix       string        `yaml:"name_var_suffix" json:"name_var_suffix"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// Validate validates the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}

	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.Warmup.SendLimit < 0 {
		return fmt.Errorf("send limit must not be negative")
	}
	if c.Warmup.MaxConsecutiveTimeouts <= 0 {
		c.Warmup.MaxConsecutiveTimeouts = 3
	}

	if c.Proxy.Listen == "" {
		c.Proxy.Listen = "0.0.0.0:8904"
	}
	if c.Proxy.Timeout2 <= 0 {
		c.Proxy.Timeout2 = 5 * time.Second
	}
	if c.Proxy.NamePredicate == "" {
		c.Proxy.NamePredicate = "@en@rdfs:label"
	}
	if c.Proxy.NamePredicatePrefix == "" {
		c.Proxy.NamePredicatePrefix = "PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>"
	}
	if c.Proxy.NameVarSuffix == "" {
		c.Proxy.NameVarSuffix = "_name"
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	return nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:  30 * time.Second,
		LogLevel: "info",
		Warmup: WarmupConfig{
			Pin:                    true,
			SendLimit:              100,
			MaxConsecutiveTimeouts: 3,
		},
		Proxy: ProxyConfig{
			Listen:              "0.0.0.0:8904",
			Timeout2:            5 * time.Second,
			NamePredicate:       "@en@rdfs:label",
			NamePredicatePrefix: "PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>",
			NameVarSuffix:       "_name",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}
