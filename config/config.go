package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// RunnerConfig holds the test runner settings shared by every sandbox
type RunnerConfig struct {
	// MaxConcurrentTestRunners caps the number of sandboxes; <= 0 means unset.
	MaxConcurrentTestRunners int               `mapstructure:"max_concurrent_test_runners"`
	Transpilers              []string          `mapstructure:"transpilers"`
	TestFramework            string            `mapstructure:"test_framework"`
	TestFrameworkSettings    map[string]string `mapstructure:"test_framework_settings"`
	Files                    []string          `mapstructure:"files"`
}

// SandboxConfig holds sandbox backend configuration
type SandboxConfig struct {
	Backend        string `mapstructure:"backend"`
	WorkDir        string `mapstructure:"work_dir"`
	Image          string `mapstructure:"image"`
	MemoryMB       int    `mapstructure:"memory_mb"`
	NetworkEnabled bool   `mapstructure:"network_enabled"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds prometheus exporter configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// Backend names
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendPodman = "podman"
)

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("runner.max_concurrent_test_runners", 0)
	v.SetDefault("runner.transpilers", []string{})
	v.SetDefault("runner.test_framework", "")
	v.SetDefault("runner.files", []string{})

	v.SetDefault("sandbox.backend", BackendLocal)
	v.SetDefault("sandbox.work_dir", "")
	v.SetDefault("sandbox.image", "alpine:3.20")
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.network_enabled", false)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// New loads and validates the application configuration from the global viper
// instance, so flags bound by the CLI take precedence over the config file.
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads configuration from v and validates it
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	switch c.Sandbox.Backend {
	case BackendLocal:
	case BackendDocker, BackendPodman:
		if c.Sandbox.Image == "" {
			return fmt.Errorf("sandbox.image is required for backend %s", c.Sandbox.Backend)
		}
		if c.Sandbox.MemoryMB <= 0 {
			return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
		}
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled is set")
	}

	return nil
}

// TranspilersPresent reports whether a transpilation step runs alongside testing
func (c *Config) TranspilersPresent() bool {
	return len(c.Runner.Transpilers) > 0
}
