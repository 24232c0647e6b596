// Package config loads the coordinator's YAML configuration (spec §6):
// the expected device list, ingress server addresses, and the optional
// upstream bridge target. Structured the same way as the teacher's
// internal/config/config.go (a single Config struct of sub-configs, a
// DefaultConfig, a LoadConfig, an exhaustive Validate), rebuilt on
// gopkg.in/yaml.v3 since this coordinator's spec mandates YAML rather
// than JSON.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	Devices      []DeviceConfig     `yaml:"devices"`
	Server       ServerConfig       `yaml:"server"`
	ListenServer *ListenServerConfig `yaml:"listen_server,omitempty"`
	Health       HealthConfig       `yaml:"health"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DeviceConfig describes one expected capture device (spec §6).
type DeviceConfig struct {
	AttachedName    string         `yaml:"attached_name"`
	Hostname        string         `yaml:"hostname"`
	Subname         string         `yaml:"subname,omitempty"`
	AttachedSubname string         `yaml:"attached_subname,omitempty"`
	Script          string         `yaml:"script"`
	Checked         *bool          `yaml:"checked,omitempty"`
	Extra           map[string]any `yaml:",inline"`
}

// IsChecked returns the configured checked flag, defaulting to true.
func (d DeviceConfig) IsChecked() bool {
	if d.Checked == nil {
		return true
	}
	return *d.Checked
}

// ServerConfig configures the C9 ingress listeners.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	HTTPPort int    `yaml:"http_port"`
	WSAddr   string `yaml:"ws_addr"`
	WSPort   int    `yaml:"ws_port"`
	// StatusAddr/StatusPort serve the read-only operator status endpoint
	// (SPEC_FULL §4.12); optional, disabled when StatusPort is 0.
	StatusAddr string `yaml:"status_addr,omitempty"`
	StatusPort int    `yaml:"status_port,omitempty"`
}

// ListenServerConfig configures the optional Upstream Bridge
// (SPEC_FULL §4.13).
type ListenServerConfig struct {
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
	URI        string `yaml:"uri"`
}

// HealthConfig configures C5's period/grace.
type HealthConfig struct {
	PeriodSeconds float64 `yaml:"period_seconds,omitempty"`
	GraceSeconds  float64 `yaml:"grace_seconds,omitempty"`
}

// DiscoveryConfig configures C3's service type and matching rules.
type DiscoveryConfig struct {
	ServiceType      string `yaml:"service_type,omitempty"`
	AllowPrefixMatch bool   `yaml:"allow_prefix_match,omitempty"`
}

// StorageConfig configures the optional operator-status snapshot cache.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// LoggingConfig configures the component logger.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// DefaultConfig returns a Config with every optional field at its
// spec-mandated default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0",
			HTTPPort: 8080,
			WSAddr:   "0.0.0.0",
			WSPort:   8081,
		},
		Health: HealthConfig{
			PeriodSeconds: 2.0,
			GraceSeconds:  0.75,
		},
		Discovery: DiscoveryConfig{
			ServiceType: "_mocap._tcp.local.",
		},
		Storage: StorageConfig{
			Enabled: false,
			Path:    "./data/snapshot",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads and parses the YAML file at path, filling in defaults
// for anything left unset, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = d.Server.HTTPAddr
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = d.Server.HTTPPort
	}
	if cfg.Server.WSAddr == "" {
		cfg.Server.WSAddr = d.Server.WSAddr
	}
	if cfg.Server.WSPort == 0 {
		cfg.Server.WSPort = d.Server.WSPort
	}
	if cfg.Health.PeriodSeconds == 0 {
		cfg.Health.PeriodSeconds = d.Health.PeriodSeconds
	}
	if cfg.Health.GraceSeconds == 0 {
		cfg.Health.GraceSeconds = d.Health.GraceSeconds
	}
	if cfg.Discovery.ServiceType == "" {
		cfg.Discovery.ServiceType = d.Discovery.ServiceType
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = d.Storage.Path
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
}

// Validate checks required fields, mirroring the exhaustive style of the
// teacher's Validate().
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config must declare at least one device")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.AttachedName == "" {
			return fmt.Errorf("devices[%d]: attached_name is required", i)
		}
		if seen[d.AttachedName] {
			return fmt.Errorf("devices[%d]: duplicate attached_name %q", i, d.AttachedName)
		}
		seen[d.AttachedName] = true

		if d.Hostname == "" {
			return fmt.Errorf("devices[%d] (%s): hostname is required", i, d.AttachedName)
		}
		if d.Script == "" {
			return fmt.Errorf("devices[%d] (%s): script (adapter kind) is required", i, d.AttachedName)
		}
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("server.ws_port out of range: %d", c.Server.WSPort)
	}

	if c.ListenServer != nil && c.ListenServer.URI == "" {
		return fmt.Errorf("listen_server.uri is required when listen_server is configured")
	}

	return nil
}
