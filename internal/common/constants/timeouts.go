// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// DefaultShutdownTimeout bounds how long shutdown waits for background tasks.
	DefaultShutdownTimeout = 5 * time.Second

	// NotifierFanoutTimeout caps a single global-notifier propagation job.
	NotifierFanoutTimeout = 30 * time.Second

	// DefaultMonitorInterval is the lifecycle sweep period when none is configured.
	DefaultMonitorInterval = time.Minute
)

// Limits applied when no configuration is supplied.
const (
	DefaultMaxAgentsPerSession = 50
	DefaultMaxSessionAge       = 24 * time.Hour
	DefaultFanoutConcurrency   = 8
)

// EventSource is the Source stamped on every bus event sessionhub publishes.
const EventSource = "sessionhub"
