package registry

import (
	"time"

	"github.com/kandev/sessionhub/internal/agent/lifecycle"
	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/constants"
)

// Options configures a SessionRegistry.
type Options struct {
	Thresholds        lifecycle.Thresholds
	Policy            lifecycle.CleanupPolicy
	MonitorInterval   time.Duration
	AutoCleanup       bool
	ShutdownTimeout   time.Duration
	FanoutConcurrency int
}

// DefaultOptions returns the options used when no configuration is loaded.
func DefaultOptions() Options {
	return Options{
		Thresholds:        lifecycle.DefaultThresholds(),
		Policy:            lifecycle.PolicyAlwaysRemove,
		MonitorInterval:   constants.DefaultMonitorInterval,
		ShutdownTimeout:   constants.DefaultShutdownTimeout,
		FanoutConcurrency: constants.DefaultFanoutConcurrency,
	}
}

// OptionsFromConfig maps the lifecycle and tasks config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds:        lifecycle.ThresholdsFromConfig(cfg.Lifecycle),
		Policy:            lifecycle.PolicyFromConfig(cfg.Lifecycle),
		MonitorInterval:   cfg.Lifecycle.MonitorInterval(),
		AutoCleanup:       cfg.Lifecycle.AutoCleanup,
		ShutdownTimeout:   cfg.Tasks.ShutdownTimeout(),
		FanoutConcurrency: cfg.Tasks.FanoutConcurrency,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = d.MonitorInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.FanoutConcurrency <= 0 {
		o.FanoutConcurrency = d.FanoutConcurrency
	}
	return o
}
