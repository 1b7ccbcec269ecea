// Package config provides configuration management for sessionhub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/sessionhub/internal/common/constants"
)

// Config holds all configuration sections for sessionhub.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Tasks     TasksConfig     `mapstructure:"tasks" yaml:"tasks"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	OutputPath string `mapstructure:"outputPath" yaml:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	ClientID      string `mapstructure:"clientId" yaml:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects" yaml:"maxReconnects"`
}

// LifecycleConfig holds session threshold and sweep configuration.
type LifecycleConfig struct {
	MaxAgentsPerSession    int  `mapstructure:"maxAgentsPerSession" yaml:"maxAgentsPerSession"`
	MaxSessionAgeSeconds   int  `mapstructure:"maxSessionAgeSeconds" yaml:"maxSessionAgeSeconds"`
	MaxSessions            int  `mapstructure:"maxSessions" yaml:"maxSessions"`
	MaxTotalAgents         int  `mapstructure:"maxTotalAgents" yaml:"maxTotalAgents"`
	MonitorIntervalSeconds int  `mapstructure:"monitorIntervalSeconds" yaml:"monitorIntervalSeconds"`
	AutoCleanup            bool `mapstructure:"autoCleanup" yaml:"autoCleanup"`

	// RemoveEntryOnFailure keeps registry cleanup unconditional: the session
	// entry is dropped even when releasing its agents fails.
	RemoveEntryOnFailure bool `mapstructure:"removeEntryOnFailure" yaml:"removeEntryOnFailure"`
}

// TasksConfig holds background task configuration.
type TasksConfig struct {
	ShutdownTimeoutSeconds int `mapstructure:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
	FanoutConcurrency      int `mapstructure:"fanoutConcurrency" yaml:"fanoutConcurrency"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"serviceName" yaml:"serviceName"`

	// SampleRatio is the fraction of root spans recorded, in [0, 1].
	SampleRatio float64 `mapstructure:"sampleRatio" yaml:"sampleRatio"`
}

// MaxSessionAge returns the session age threshold as a time.Duration.
func (l *LifecycleConfig) MaxSessionAge() time.Duration {
	return time.Duration(l.MaxSessionAgeSeconds) * time.Second
}

// MonitorInterval returns the sweep interval as a time.Duration.
func (l *LifecycleConfig) MonitorInterval() time.Duration {
	return time.Duration(l.MonitorIntervalSeconds) * time.Second
}

// ShutdownTimeout returns the bounded wait for background tasks.
func (t *TasksConfig) ShutdownTimeout() time.Duration {
	return time.Duration(t.ShutdownTimeoutSeconds) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SESSIONHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaults lists every key with its fallback value.
var defaults = map[string]any{
	"logging.level":      "info",
	"logging.outputPath": "stdout",

	// empty URL selects the in-memory event bus
	"nats.url":           "",
	"nats.clientId":      constants.EventSource,
	"nats.maxReconnects": 10,

	"lifecycle.maxAgentsPerSession":    constants.DefaultMaxAgentsPerSession,
	"lifecycle.maxSessionAgeSeconds":   int(constants.DefaultMaxSessionAge / time.Second),
	"lifecycle.maxSessions":            1000,
	"lifecycle.maxTotalAgents":         10000,
	"lifecycle.monitorIntervalSeconds": int(constants.DefaultMonitorInterval / time.Second),
	"lifecycle.autoCleanup":            false,
	"lifecycle.removeEntryOnFailure":   true,

	"tasks.shutdownTimeoutSeconds": int(constants.DefaultShutdownTimeout / time.Second),
	"tasks.fanoutConcurrency":      constants.DefaultFanoutConcurrency,

	"tracing.enabled":     false,
	"tracing.endpoint":    "",
	"tracing.serviceName": constants.EventSource,
	"tracing.sampleRatio": 1.0,
}

// envAliases binds camelCase keys that AutomaticEnv cannot map on its own.
var envAliases = map[string][]string{
	"nats.url":                       {"SESSIONHUB_NATS_URL", "NATS_URL"},
	"lifecycle.maxAgentsPerSession":  {"SESSIONHUB_LIFECYCLE_MAX_AGENTS_PER_SESSION"},
	"lifecycle.maxSessionAgeSeconds": {"SESSIONHUB_LIFECYCLE_MAX_SESSION_AGE_SECONDS"},
	"lifecycle.autoCleanup":          {"SESSIONHUB_LIFECYCLE_AUTO_CLEANUP"},
	"tasks.shutdownTimeoutSeconds":   {"SESSIONHUB_TASKS_SHUTDOWN_TIMEOUT_SECONDS"},
	"tasks.fanoutConcurrency":        {"SESSIONHUB_TASKS_FANOUT_CONCURRENCY"},
	"tracing.endpoint":               {"SESSIONHUB_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetDefault("logging.format", detectDefaultLogFormat())
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SESSIONHUB_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIONHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, envs := range envAliases {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessionhub/")

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

// validate reports every invalid field at once.
func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "logging.level %q must be one of: debug, info, warn, error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text", "console":
	default:
		check(false, "logging.format %q must be one of: json, text, console", cfg.Logging.Format)
	}

	lc := cfg.Lifecycle
	check(lc.MaxAgentsPerSession > 0, "lifecycle.maxAgentsPerSession must be positive")
	check(lc.MaxSessionAgeSeconds > 0, "lifecycle.maxSessionAgeSeconds must be positive")
	check(lc.MaxSessions >= 0, "lifecycle.maxSessions must not be negative")
	check(lc.MaxTotalAgents >= 0, "lifecycle.maxTotalAgents must not be negative")
	check(lc.MonitorIntervalSeconds > 0, "lifecycle.monitorIntervalSeconds must be positive")

	check(cfg.Tasks.ShutdownTimeoutSeconds > 0, "tasks.shutdownTimeoutSeconds must be positive")
	check(cfg.Tasks.FanoutConcurrency > 0, "tasks.fanoutConcurrency must be positive")

	tc := cfg.Tracing
	check(!tc.Enabled || strings.TrimSpace(tc.Endpoint) != "", "tracing.endpoint is required when tracing.enabled is true")
	check(tc.SampleRatio >= 0 && tc.SampleRatio <= 1, "tracing.sampleRatio %v must be within [0, 1]", tc.SampleRatio)

	return errors.Join(errs...)
}
