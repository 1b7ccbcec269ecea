package lifecycle

import (
	"errors"
	"time"

	"github.com/kandev/sessionhub/internal/agent/session"
	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/constants"
)

// Status is the health classification of one session.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarning   Status = "warning"
	StatusNoSession Status = "no_session"
	StatusError     Status = "error"
)

// Thresholds are the configured limits a session is checked against.
// MaxSessions and MaxTotalAgents apply registry-wide and are advisory only.
type Thresholds struct {
	MaxAgentsPerSession int
	MaxSessionAge       time.Duration
	MaxSessions         int
	MaxTotalAgents      int
}

// DefaultThresholds returns the built-in limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAgentsPerSession: constants.DefaultMaxAgentsPerSession,
		MaxSessionAge:       constants.DefaultMaxSessionAge,
		MaxSessions:         1000,
		MaxTotalAgents:      10000,
	}
}

// ThresholdsFromConfig maps the lifecycle config section onto Thresholds.
func ThresholdsFromConfig(cfg config.LifecycleConfig) Thresholds {
	return Thresholds{
		MaxAgentsPerSession: cfg.MaxAgentsPerSession,
		MaxSessionAge:       cfg.MaxSessionAge(),
		MaxSessions:         cfg.MaxSessions,
		MaxTotalAgents:      cfg.MaxTotalAgents,
	}
}

// CleanupPolicy decides whether a session's registry entry survives a
// cleanup in which some owned resources failed to release.
type CleanupPolicy int

const (
	// PolicyAlwaysRemove drops the registry entry even when release fails,
	// so a broken agent can never pin its session in memory.
	PolicyAlwaysRemove CleanupPolicy = iota
	// PolicyRemoveOnSuccess keeps the (now empty) entry when any release
	// failed, leaving it visible to monitoring.
	PolicyRemoveOnSuccess
)

func (p CleanupPolicy) String() string {
	if p == PolicyRemoveOnSuccess {
		return "remove_on_success"
	}
	return "always_remove"
}

// PolicyFromConfig maps lifecycle.removeEntryOnFailure onto a policy.
func PolicyFromConfig(cfg config.LifecycleConfig) CleanupPolicy {
	if cfg.RemoveEntryOnFailure {
		return PolicyAlwaysRemove
	}
	return PolicyRemoveOnSuccess
}

// HealthReport is the read-only result of checking one session.
type HealthReport struct {
	UserID  string           `json:"user_id" yaml:"user_id"`
	Status  Status           `json:"status" yaml:"status"`
	Metrics *session.Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Issues  []string         `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// CleanupResult describes one session cleanup.
type CleanupResult struct {
	UserID        string  `json:"user_id" yaml:"user_id"`
	AgentsCleaned int     `json:"agents_cleaned" yaml:"agents_cleaned"`
	Removed       bool    `json:"removed" yaml:"removed"`
	Errors        []error `json:"-" yaml:"-"`
}

// Err joins the release failures, or returns nil.
func (r *CleanupResult) Err() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.Errors...)
}
