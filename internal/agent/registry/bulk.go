package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/lifecycle"
	"github.com/kandev/sessionhub/internal/agent/session"
	"github.com/kandev/sessionhub/internal/agent/tasks"
	"github.com/kandev/sessionhub/internal/common/constants"
	"github.com/kandev/sessionhub/internal/events"
)

// MonitorReport aggregates the health of every session.
type MonitorReport struct {
	CheckedAt     time.Time                         `json:"checked_at" yaml:"checked_at"`
	TotalSessions int                               `json:"total_sessions" yaml:"total_sessions"`
	TotalAgents   int                               `json:"total_agents" yaml:"total_agents"`
	Healthy       int                               `json:"healthy" yaml:"healthy"`
	Warnings      int                               `json:"warnings" yaml:"warnings"`
	Errors        int                               `json:"errors" yaml:"errors"`
	Sessions      map[string]lifecycle.HealthReport `json:"sessions" yaml:"sessions"`
	// Issues are registry-wide threshold breaches. They are advisory only.
	Issues []string `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// EmergencyReport is the outcome of EmergencyCleanupAll.
type EmergencyReport struct {
	UsersCleaned  int           `json:"users_cleaned" yaml:"users_cleaned"`
	AgentsCleaned int           `json:"agents_cleaned" yaml:"agents_cleaned"`
	Errors        []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
}

// MonitorAllUsers checks every session against the lifecycle thresholds and
// the registry against the session and agent totals. Nothing is mutated.
func (r *SessionRegistry) MonitorAllUsers() *MonitorReport {
	report := &MonitorReport{
		CheckedAt: time.Now(),
		Sessions:  make(map[string]lifecycle.HealthReport),
	}

	for _, userID := range r.UserIDs() {
		health := r.lifecycle.MonitorOne(userID)
		switch health.Status {
		case lifecycle.StatusNoSession:
			// Removed after the snapshot.
			continue
		case lifecycle.StatusHealthy:
			report.Healthy++
		case lifecycle.StatusWarning:
			report.Warnings++
		case lifecycle.StatusError:
			report.Errors++
		}
		if health.Metrics != nil {
			report.TotalAgents += health.Metrics.AgentCount
		}
		report.Sessions[userID] = health
	}
	report.TotalSessions = len(report.Sessions)

	th := r.lifecycle.Thresholds()
	if th.MaxSessions > 0 && report.TotalSessions > th.MaxSessions {
		report.Issues = append(report.Issues,
			fmt.Sprintf("session count %d exceeds limit %d", report.TotalSessions, th.MaxSessions))
	}
	if th.MaxTotalAgents > 0 && report.TotalAgents > th.MaxTotalAgents {
		report.Issues = append(report.Issues,
			fmt.Sprintf("total agent count %d exceeds limit %d", report.TotalAgents, th.MaxTotalAgents))
	}
	if len(report.Issues) > 0 {
		r.logger.Warn("registry thresholds exceeded", zap.Strings("issues", report.Issues))
	}
	return report
}

// EmergencyCleanupAll empties the session map and drains every detached
// session. A failing session does not stop the others; its errors are
// collected in the report.
func (r *SessionRegistry) EmergencyCleanupAll() *EmergencyReport {
	start := time.Now()

	r.mu.Lock()
	detached := r.detachAllLocked()
	r.mu.Unlock()

	report := &EmergencyReport{UsersCleaned: len(detached)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.opts.FanoutConcurrency)

	for userID, s := range detached {
		g.Go(func() error {
			count, errs := drain(s)
			mu.Lock()
			report.AgentsCleaned += count
			for _, err := range errs {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", userID, err))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	r.logger.Warn("emergency cleanup completed",
		zap.Int("users_cleaned", report.UsersCleaned),
		zap.Int("agents_cleaned", report.AgentsCleaned),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration))

	for userID := range detached {
		r.publish(context.Background(), events.SessionEmergencyCleanup, userID, nil)
	}
	return report
}

// detachAllLocked swaps out the session map. The caller holds r.mu.
func (r *SessionRegistry) detachAllLocked() map[string]*session.AgentSession {
	detached := r.sessions
	r.sessions = make(map[string]*session.AgentSession)
	return detached
}

// drain releases a detached session's agents. A panic escaping the session
// is reported as an error.
func drain(s *session.AgentSession) (count int, errs []error) {
	defer func() {
		if rec := recover(); rec != nil {
			errs = append(errs, fmt.Errorf("session cleanup panicked: %v", rec))
		}
	}()
	return s.Close()
}

// SetGlobalNotifier stores notifier at registry scope, so every session
// created from now on gets a bridge over it, and propagates a fresh bridge to
// every existing session on a tracked background task. Per-session failures
// are logged and do not stop the propagation; they are joined into the task's
// error. A nil notifier clears the bridges.
func (r *SessionRegistry) SetGlobalNotifier(ctx context.Context, notifier any) *tasks.Task {
	r.mu.Lock()
	r.notifier = notifier
	r.notifierGen++
	snapshot := make(map[string]*session.AgentSession, len(r.sessions))
	for id, s := range r.sessions {
		snapshot[id] = s
	}
	r.mu.Unlock()

	r.logger.Info("global notifier set",
		zap.String("notifier_type", fmt.Sprintf("%T", notifier)),
		zap.Int("sessions", len(snapshot)))

	return r.tracker.Go(ctx, "notifier-fanout", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, constants.NotifierFanoutTimeout)
		defer cancel()
		return r.propagate(ctx, notifier, snapshot)
	}, nil)
}

func (r *SessionRegistry) propagate(ctx context.Context, notifier any, snapshot map[string]*session.AgentSession) error {
	var (
		mu       sync.Mutex
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(r.opts.FanoutConcurrency)

	for userID, s := range snapshot {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.SetNotificationBridge(ctx, notifier, execctx.New(userID, "", "")); err != nil {
				r.logger.Warn("failed to propagate notifier to session",
					zap.String("user_id", userID),
					zap.Error(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("user %s: %w", userID, err))
				mu.Unlock()
				return nil
			}
			r.publish(ctx, events.NotifierPropagated, userID, nil)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		r.logger.Warn("notifier propagation interrupted", zap.Error(err))
		return err
	}
	r.logger.Debug("notifier propagated",
		zap.Int("sessions", len(snapshot)),
		zap.Int("failures", len(failures)))
	return errors.Join(failures...)
}
