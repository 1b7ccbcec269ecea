// Package session holds the per-user container of agent instances.
package session

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/notify"
	apperrors "github.com/kandev/sessionhub/internal/common/errors"
	"github.com/kandev/sessionhub/internal/common/logger"
)

// Instance is an agent or tool produced by a factory.
type Instance = any

// Cleaner is implemented by instances that hold releasable resources.
type Cleaner interface {
	Cleanup() error
}

// Metrics is a point-in-time view of one session.
type Metrics struct {
	UserID        string    `json:"user_id" yaml:"user_id"`
	AgentCount    int       `json:"agent_count" yaml:"agent_count"`
	ContextCount  int       `json:"context_count" yaml:"context_count"`
	HasBridge     bool      `json:"has_bridge" yaml:"has_bridge"`
	UptimeSeconds float64   `json:"uptime_seconds" yaml:"uptime_seconds"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// AgentSession owns one user's agents, their execution contexts and the
// session bridge. It is guarded by its own lock, never the registry's.
type AgentSession struct {
	userID    string
	createdAt time.Time

	mu       sync.RWMutex
	agents   map[string]Instance
	contexts map[string]*execctx.Context
	bridge   *notify.Bridge
	closed   bool

	logger *logger.Logger
}

// New creates an empty session for userID.
func New(userID string, log *logger.Logger) *AgentSession {
	return &AgentSession{
		userID:    userID,
		createdAt: time.Now(),
		agents:    make(map[string]Instance),
		contexts:  make(map[string]*execctx.Context),
		logger:    log.WithComponent("agent-session").WithUserID(userID),
	}
}

// UserID returns the user the session belongs to.
func (s *AgentSession) UserID() string { return s.userID }

// CreatedAt returns when the session was created. Uptime is measured from it.
func (s *AgentSession) CreatedAt() time.Time { return s.createdAt }

// Bridge returns the current session bridge, or nil.
func (s *AgentSession) Bridge() *notify.Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bridge
}

// SetNotificationBridge installs a bridge built over notifier. A nil notifier
// clears the bridge. Notifiers implementing notify.ContextBridgeBuilder or
// notify.BridgeBuilder build their own; otherwise, or when the hook fails,
// notify.NewBridge is used.
//
// The hook runs without the session lock held.
func (s *AgentSession) SetNotificationBridge(ctx context.Context, notifier any, ectx *execctx.Context) error {
	if notifier == nil {
		s.mu.Lock()
		s.bridge = nil
		s.mu.Unlock()
		s.logger.Debug("notification bridge cleared")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ectx == nil {
		ectx = execctx.New(s.userID, "", "")
	}

	bridge, err := s.buildBridge(ctx, notifier, ectx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.logger.Warn("custom bridge hook failed, using default bridge",
			zap.String("notifier_type", fmt.Sprintf("%T", notifier)),
			zap.Error(err))
		bridge = nil
	}
	if bridge == nil {
		bridge = notify.NewBridge(notifier, s.userID, s.logger)
	}

	s.mu.Lock()
	s.bridge = bridge
	s.mu.Unlock()

	s.logger.Debug("notification bridge set",
		zap.String("notifier_type", fmt.Sprintf("%T", notifier)),
		zap.Stringer("capabilities", bridge.Capabilities()))
	return nil
}

// buildBridge runs the notifier's own bridge hook, if any. A panicking hook is
// reported as an error.
func (s *AgentSession) buildBridge(ctx context.Context, notifier any, ectx *execctx.Context) (bridge *notify.Bridge, err error) {
	defer func() {
		if r := recover(); r != nil {
			bridge, err = nil, apperrors.Panic("bridge hook", r)
		}
	}()

	switch b := notifier.(type) {
	case notify.ContextBridgeBuilder:
		return b.SessionBridgeContext(ctx, ectx)
	case notify.BridgeBuilder:
		return b.SessionBridge(ectx)
	default:
		return nil, nil
	}
}

// RegisterAgent stores instance under agentType, replacing any previous one.
// It reports false and stores nothing once the session is closed; the caller
// still owns instance then.
func (s *AgentSession) RegisterAgent(agentType string, instance Instance, ectx *execctx.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.agents[agentType] = instance
	if ectx != nil {
		s.contexts[agentType] = ectx
	}
	return true
}

// GetAgent returns the instance registered under agentType.
func (s *AgentSession) GetAgent(agentType string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.agents[agentType]
	return inst, ok
}

// Context returns the execution context the agent was created with.
func (s *AgentSession) Context(agentType string) (*execctx.Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contexts[agentType]
	return c, ok
}

// AgentTypes lists registered agent types in sorted order.
func (s *AgentSession) AgentTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.agents))
	for t := range s.agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// AgentCount returns the number of registered agents.
func (s *AgentSession) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// RemoveAgent pops one agent and releases it. Release failures are logged
// and swallowed. It reports whether an agent was present.
func (s *AgentSession) RemoveAgent(agentType string) bool {
	s.mu.Lock()
	inst, ok := s.agents[agentType]
	delete(s.agents, agentType)
	delete(s.contexts, agentType)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := release(inst); err != nil {
		s.logger.Warn("agent cleanup failed",
			zap.String("agent_type", agentType),
			zap.Error(err))
	}
	return true
}

// CleanupAllAgents releases every agent, then clears the agent map, the
// context map and the bridge. A failing hook does not stop the iteration. It
// returns the number of agents removed along with each release failure.
func (s *AgentSession) CleanupAllAgents() (int, []error) {
	return s.drain(false)
}

// Close drains the session like CleanupAllAgents and refuses every later
// RegisterAgent. Agents registered before Close are always part of the drain.
func (s *AgentSession) Close() (int, []error) {
	return s.drain(true)
}

// Reopen lets a closed session accept agents again.
func (s *AgentSession) Reopen() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// Closed reports whether the session refuses new agents.
func (s *AgentSession) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *AgentSession) drain(closing bool) (int, []error) {
	s.mu.Lock()
	if closing {
		s.closed = true
	}
	agents := s.agents
	s.agents = make(map[string]Instance)
	s.contexts = make(map[string]*execctx.Context)
	s.bridge = nil
	s.mu.Unlock()

	var errs []error
	for agentType, inst := range agents {
		if err := release(inst); err != nil {
			s.logger.Warn("agent cleanup failed",
				zap.String("agent_type", agentType),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("agent %q: %w", agentType, err))
		}
	}

	s.logger.Debug("session agents cleaned",
		zap.Int("agents", len(agents)),
		zap.Int("errors", len(errs)))
	return len(agents), errs
}

// GetMetrics returns a snapshot of the session's state.
func (s *AgentSession) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Metrics{
		UserID:        s.userID,
		AgentCount:    len(s.agents),
		ContextCount:  len(s.contexts),
		HasBridge:     s.bridge != nil,
		UptimeSeconds: time.Since(s.createdAt).Seconds(),
		CreatedAt:     s.createdAt,
	}
}

// Release calls Cleanup and then Close when inst provides them. It is how
// instances that never made it into a session are disposed of.
func Release(inst Instance) error {
	return release(inst)
}

// release calls Cleanup and then Close when the instance provides them.
// A panicking hook is reported as an error.
func release(inst Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Panic("cleanup", r)
		}
	}()

	var errs []error
	if c, ok := inst.(Cleaner); ok {
		if cerr := c.Cleanup(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	if c, ok := inst.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return fmt.Errorf("cleanup: %v; close: %v", errs[0], errs[1])
	}
}
