// Package config provides configuration management for Runforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Runforge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds job execution engine configuration.
type EngineConfig struct {
	// Tool is the build tool binary that jobs invoke (default: cargo).
	Tool string `mapstructure:"tool"`

	// WorkDir is the directory jobs run in. Empty means the server's
	// current working directory.
	WorkDir string `mapstructure:"workDir"`

	// DefaultTimeout caps total job duration in seconds when the command
	// has no catalog-specific timeout.
	DefaultTimeout int `mapstructure:"defaultTimeout"`

	// InactivityTimeout is the number of seconds without output before a
	// non-interactive job receives an inactivity warning.
	InactivityTimeout int `mapstructure:"inactivityTimeout"`

	// MaxInactivityWarnings is how many inactivity warnings are issued
	// before the job is terminated.
	MaxInactivityWarnings int `mapstructure:"maxInactivityWarnings"`

	// WatchdogInterval is the seconds between watchdog evaluations.
	WatchdogInterval int `mapstructure:"watchdogInterval"`

	// SilenceThreshold is the seconds of output silence after which an
	// interactive job is assumed to be waiting for input.
	SilenceThreshold int `mapstructure:"silenceThreshold"`

	// GracePeriod is the seconds between SIGTERM and SIGKILL during
	// cancellation.
	GracePeriod int `mapstructure:"gracePeriod"`

	// BufferMaxBytes bounds the retained output replay buffer per job.
	BufferMaxBytes int `mapstructure:"bufferMaxBytes"`

	// RulesPath optionally points to a YAML file with extra line
	// classification rules.
	RulesPath string `mapstructure:"rulesPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default job timeout as a time.Duration.
func (e *EngineConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(e.DefaultTimeout) * time.Second
}

// InactivityTimeoutDuration returns the inactivity timeout as a time.Duration.
func (e *EngineConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(e.InactivityTimeout) * time.Second
}

// WatchdogIntervalDuration returns the watchdog interval as a time.Duration.
func (e *EngineConfig) WatchdogIntervalDuration() time.Duration {
	return time.Duration(e.WatchdogInterval) * time.Second
}

// SilenceThresholdDuration returns the silence threshold as a time.Duration.
func (e *EngineConfig) SilenceThresholdDuration() time.Duration {
	return time.Duration(e.SilenceThreshold) * time.Second
}

// GracePeriodDuration returns the cancellation grace period as a time.Duration.
func (e *EngineConfig) GracePeriodDuration() time.Duration {
	return time.Duration(e.GracePeriod) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("RUNFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runforge")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.tool", "cargo")
	v.SetDefault("engine.workDir", "")
	v.SetDefault("engine.defaultTimeout", 30)
	v.SetDefault("engine.inactivityTimeout", 30)
	v.SetDefault("engine.maxInactivityWarnings", 3)
	v.SetDefault("engine.watchdogInterval", 5)
	v.SetDefault("engine.silenceThreshold", 10)
	v.SetDefault("engine.gracePeriod", 2)
	v.SetDefault("engine.bufferMaxBytes", 1048576)
	v.SetDefault("engine.rulesPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/runforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("RUNFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("engine.workDir", "RUNFORGE_ENGINE_WORK_DIR")
	_ = v.BindEnv("engine.defaultTimeout", "RUNFORGE_ENGINE_DEFAULT_TIMEOUT")
	_ = v.BindEnv("engine.inactivityTimeout", "RUNFORGE_ENGINE_INACTIVITY_TIMEOUT")
	_ = v.BindEnv("engine.silenceThreshold", "RUNFORGE_ENGINE_SILENCE_THRESHOLD")
	_ = v.BindEnv("engine.rulesPath", "RUNFORGE_ENGINE_RULES_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Engine validation
	if cfg.Engine.Tool == "" {
		errs = append(errs, "engine.tool must not be empty")
	}
	if cfg.Engine.DefaultTimeout <= 0 {
		errs = append(errs, "engine.defaultTimeout must be positive")
	}
	if cfg.Engine.InactivityTimeout <= 0 {
		errs = append(errs, "engine.inactivityTimeout must be positive")
	}
	if cfg.Engine.MaxInactivityWarnings < 0 {
		errs = append(errs, "engine.maxInactivityWarnings must not be negative")
	}
	if cfg.Engine.WatchdogInterval <= 0 {
		errs = append(errs, "engine.watchdogInterval must be positive")
	}
	if cfg.Engine.SilenceThreshold <= 0 {
		errs = append(errs, "engine.silenceThreshold must be positive")
	}
	if cfg.Engine.GracePeriod <= 0 {
		errs = append(errs, "engine.gracePeriod must be positive")
	}
	if cfg.Engine.BufferMaxBytes <= 0 {
		errs = append(errs, "engine.bufferMaxBytes must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
