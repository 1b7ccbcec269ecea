// Package lifecycle monitors sessions against configured thresholds and
// performs per-session cleanup.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/session"
	"github.com/kandev/sessionhub/internal/common/constants"
	apperrors "github.com/kandev/sessionhub/internal/common/errors"
	"github.com/kandev/sessionhub/internal/common/logger"
)

// SessionStore is the registry surface the manager acts on.
type SessionStore interface {
	Session(userID string) (*session.AgentSession, bool)
	// RemoveSessionIf removes userID's entry only while it still maps to s.
	RemoveSessionIf(userID string, s *session.AgentSession) bool
	UserIDs() []string
}

// Manager checks session health and tears sessions down.
type Manager struct {
	store      SessionStore
	thresholds Thresholds
	policy     CleanupPolicy
	logger     *logger.Logger

	// periodic sweep
	interval    time.Duration
	autoCleanup bool
	onSweep     func(cleaned []*CleanupResult)
	startOnce   sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a manager over store.
func NewManager(store SessionStore, thresholds Thresholds, policy CleanupPolicy, log *logger.Logger) *Manager {
	return &Manager{
		store:      store,
		thresholds: thresholds,
		policy:     policy,
		logger:     log.WithComponent("lifecycle-manager"),
		interval:   constants.DefaultMonitorInterval,
		stopCh:     make(chan struct{}),
	}
}

// Thresholds returns the configured limits.
func (m *Manager) Thresholds() Thresholds { return m.thresholds }

// Policy returns the configured cleanup policy.
func (m *Manager) Policy() CleanupPolicy { return m.policy }

// ConfigureSweep sets the sweep period and whether the sweep cleans sessions
// older than MaxSessionAge. It must be called before Start.
func (m *Manager) ConfigureSweep(interval time.Duration, autoCleanup bool) {
	if interval > 0 {
		m.interval = interval
	}
	m.autoCleanup = autoCleanup
}

// OnSweep registers a callback receiving the results of each sweep's cleanups.
// It must be called before Start.
func (m *Manager) OnSweep(fn func(cleaned []*CleanupResult)) {
	m.onSweep = fn
}

// MonitorOne checks one session against the thresholds. It never mutates state.
func (m *Manager) MonitorOne(userID string) (report HealthReport) {
	report = HealthReport{UserID: userID, Status: StatusHealthy}
	defer func() {
		if r := recover(); r != nil {
			report.Status = StatusError
			report.Issues = append(report.Issues, fmt.Sprintf("monitoring failed: %v", r))
			m.logger.Error("session monitoring panicked",
				zap.String("user_id", userID),
				zap.Any("panic", r))
		}
	}()

	s, ok := m.store.Session(userID)
	if !ok {
		report.Status = StatusNoSession
		return report
	}

	metrics := s.GetMetrics()
	report.Metrics = &metrics

	if limit := m.thresholds.MaxAgentsPerSession; limit > 0 && metrics.AgentCount > limit {
		report.Issues = append(report.Issues,
			fmt.Sprintf("agent count %d exceeds limit %d", metrics.AgentCount, limit))
	}
	if limit := m.thresholds.MaxSessionAge; limit > 0 && time.Since(metrics.CreatedAt) > limit {
		report.Issues = append(report.Issues,
			fmt.Sprintf("session age %s exceeds limit %s",
				time.Since(metrics.CreatedAt).Truncate(time.Second), limit))
	}
	if len(report.Issues) > 0 {
		report.Status = StatusWarning
	}
	return report
}

// TriggerCleanup releases every agent of userID's session and removes the
// registry entry according to the cleanup policy. Release failures are
// reported in the result, not returned as an error.
func (m *Manager) TriggerCleanup(userID string) (*CleanupResult, error) {
	if userID == "" {
		return nil, apperrors.InvalidArgument("user_id", "must not be empty")
	}
	s, ok := m.store.Session(userID)
	if !ok {
		return nil, apperrors.NotFound("session", userID)
	}
	return m.CleanupSession(userID, s), nil
}

// CleanupSession closes and drains s, then removes it from the store when the
// policy allows. The removal only happens while userID still maps to s. A
// session the policy keeps is reopened.
func (m *Manager) CleanupSession(userID string, s *session.AgentSession) *CleanupResult {
	count, errs := s.Close()
	result := &CleanupResult{
		UserID:        userID,
		AgentsCleaned: count,
		Errors:        errs,
	}

	if len(errs) == 0 || m.policy == PolicyAlwaysRemove {
		result.Removed = m.store.RemoveSessionIf(userID, s)
	} else {
		// The entry stays in the store, so it takes agents again.
		s.Reopen()
	}

	if len(errs) > 0 {
		m.logger.Warn("session cleanup finished with errors",
			zap.String("user_id", userID),
			zap.Int("agents_cleaned", count),
			zap.Int("errors", len(errs)),
			zap.Bool("removed", result.Removed),
			zap.Stringer("policy", m.policy))
	} else {
		m.logger.Info("session cleaned up",
			zap.String("user_id", userID),
			zap.Int("agents_cleaned", count))
	}
	return result
}

// Start launches the periodic sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.logger.Info("starting lifecycle sweep",
			zap.Duration("interval", m.interval),
			zap.Bool("auto_cleanup", m.autoCleanup))
		m.wg.Add(1)
		go m.sweepLoop(ctx)
	})
	return nil
}

// Stop ends the sweep and waits for an in-progress pass to finish.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.logger.Info("stopping lifecycle sweep")
		close(m.stopCh)
	})
	m.wg.Wait()
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sweep loop stopped (context cancelled)")
			return
		case <-m.stopCh:
			m.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one monitoring pass. With auto cleanup enabled, sessions older
// than MaxSessionAge are cleaned up.
func (m *Manager) Sweep() []*CleanupResult {
	var cleaned []*CleanupResult
	warnings := 0

	for _, userID := range m.store.UserIDs() {
		report := m.MonitorOne(userID)
		if report.Status != StatusWarning {
			continue
		}
		warnings++
		if !m.autoCleanup || !m.expired(report) {
			continue
		}
		result, err := m.TriggerCleanup(userID)
		if err != nil {
			// Removed concurrently.
			continue
		}
		cleaned = append(cleaned, result)
	}

	m.logger.Debug("lifecycle sweep finished",
		zap.Int("warnings", warnings),
		zap.Int("cleaned", len(cleaned)))
	if m.onSweep != nil && len(cleaned) > 0 {
		m.onSweep(cleaned)
	}
	return cleaned
}

func (m *Manager) expired(report HealthReport) bool {
	if report.Metrics == nil || m.thresholds.MaxSessionAge <= 0 {
		return false
	}
	return time.Since(report.Metrics.CreatedAt) > m.thresholds.MaxSessionAge
}
