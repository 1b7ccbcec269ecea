// Package registry is the public surface of sessionhub: it owns the map of
// per-user sessions and composes the factory dispatcher, the lifecycle
// manager and the background task tracker around it.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/dispatch"
	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/lifecycle"
	"github.com/kandev/sessionhub/internal/agent/notify"
	"github.com/kandev/sessionhub/internal/agent/session"
	"github.com/kandev/sessionhub/internal/agent/tasks"
	apperrors "github.com/kandev/sessionhub/internal/common/errors"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/events"
	"github.com/kandev/sessionhub/internal/events/bus"
)

// SessionRegistry maps user IDs to their sessions.
//
// mu guards only the session map, the global notifier and the event bus. It is
// never held while a factory, a bridge hook or a cleanup hook runs.
// notifierGen counts SetGlobalNotifier calls; a session built outside the
// lock is stored only if the generation it was built under is still current.
type SessionRegistry struct {
	mu          sync.RWMutex
	sessions    map[string]*session.AgentSession
	notifier    any
	notifierGen uint64
	eventBus    bus.EventBus

	dispatcher *dispatch.Dispatcher
	lifecycle  *lifecycle.Manager
	tracker    *tasks.Tracker
	opts       Options
	base       *logger.Logger
	logger     *logger.Logger
}

// New creates an empty registry.
func New(opts Options, log *logger.Logger) *SessionRegistry {
	opts = opts.withDefaults()
	r := &SessionRegistry{
		sessions: make(map[string]*session.AgentSession),
		tracker:  tasks.NewTracker(log),
		opts:     opts,
		base:     log,
		logger:   log.WithComponent("session-registry"),
	}
	r.dispatcher = dispatch.NewDispatcher(r, log)
	r.lifecycle = lifecycle.NewManager(r, opts.Thresholds, opts.Policy, log)
	r.lifecycle.ConfigureSweep(opts.MonitorInterval, opts.AutoCleanup)
	r.lifecycle.OnSweep(func(cleaned []*lifecycle.CleanupResult) {
		for _, result := range cleaned {
			r.publishCleaned(context.Background(), result)
		}
	})
	return r
}

// Dispatcher returns the factory catalog.
func (r *SessionRegistry) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Lifecycle returns the lifecycle manager.
func (r *SessionRegistry) Lifecycle() *lifecycle.Manager { return r.lifecycle }

// SetEventBus enables publishing of session lifecycle events. nil disables it.
func (r *SessionRegistry) SetEventBus(eventBus bus.EventBus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventBus = eventBus
}

// Start launches the lifecycle sweep.
func (r *SessionRegistry) Start(ctx context.Context) error {
	return r.lifecycle.Start(ctx)
}

// Shutdown stops the sweep, cancels pending background tasks and waits for
// them at most timeout, or the configured shutdown timeout when timeout <= 0.
// It returns the number of tasks still running.
func (r *SessionRegistry) Shutdown(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = r.opts.ShutdownTimeout
	}
	if err := r.lifecycle.Stop(); err != nil {
		r.logger.Warn("failed to stop lifecycle sweep", zap.Error(err))
	}
	return r.tracker.Shutdown(timeout)
}

// GetOrCreateSession returns userID's session, creating it on first access.
// Concurrent callers for the same user all receive the first session stored.
// When a global notifier is set, a new session gets its own bridge over it
// before it becomes visible. A session whose bridge was built over a notifier
// replaced in the meantime is rebuilt.
func (r *SessionRegistry) GetOrCreateSession(ctx context.Context, userID string) (*session.AgentSession, error) {
	if userID == "" {
		return nil, apperrors.InvalidArgument("user_id", "must not be empty")
	}

	for {
		r.mu.RLock()
		s, ok := r.sessions[userID]
		notifier, gen := r.notifier, r.notifierGen
		r.mu.RUnlock()
		if ok {
			return s, nil
		}

		fresh, err := r.newSession(ctx, userID, notifier)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if s, ok := r.sessions[userID]; ok {
			r.mu.Unlock()
			return s, nil
		}
		if gen != r.notifierGen {
			r.mu.Unlock()
			r.logger.Debug("global notifier changed while building session, rebuilding",
				zap.String("user_id", userID))
			continue
		}
		r.sessions[userID] = fresh
		r.mu.Unlock()

		r.logger.Debug("session created", zap.String("user_id", userID))
		r.publish(ctx, events.SessionCreated, userID, nil)
		return fresh, nil
	}
}

func (r *SessionRegistry) newSession(ctx context.Context, userID string, notifier any) (*session.AgentSession, error) {
	s := session.New(userID, r.base)
	if notifier == nil {
		return s, nil
	}
	if err := s.SetNotificationBridge(ctx, notifier, execctx.New(userID, "", "")); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateAgentForUser builds an agent of agentType for userID and registers it
// in the user's session. A non-nil notifier rewires the session bridge first.
// The factory receives a child of ectx scoped to agentType together with the
// session's current bridge. A nil ectx is replaced by a fresh root context.
//
// An instance is never leaked: when the session is closed by a cleanup or a
// reset while the factory runs, the instance is released and a Conflict error
// returned. When ctx ends first, an instance that arrives later is released.
func (r *SessionRegistry) CreateAgentForUser(ctx context.Context, userID, agentType string, ectx *execctx.Context, notifier any) (any, error) {
	if userID == "" {
		return nil, apperrors.InvalidArgument("user_id", "must not be empty")
	}
	if agentType == "" {
		return nil, apperrors.InvalidArgument("agent_type", "must not be empty")
	}
	if ectx != nil && ectx.UserID != userID {
		return nil, apperrors.InvalidArgument("execution context", "belongs to a different user")
	}

	info, ok := r.dispatcher.Lookup(agentType)
	if !ok {
		return nil, apperrors.NotFound("agent type", agentType)
	}
	if info.IsSingleton() {
		return nil, apperrors.InvalidArgument("agent_type",
			"'"+agentType+"' is a shared singleton; per-user agents must come from a factory")
	}

	s, err := r.GetOrCreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ectx == nil {
		ectx = execctx.New(userID, "", "")
	}
	if notifier != nil {
		if err := s.SetNotificationBridge(ctx, notifier, ectx); err != nil {
			return nil, err
		}
	}

	child := ectx.Child(agentType)
	future := r.dispatcher.GetAsync(ctx, agentType, child)
	instance, err := future.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			future.Then(func(late any, lateErr error) {
				if lateErr == nil && late != nil {
					r.discard(userID, agentType, late, "caller gave up before construction finished")
				}
			})
		}
		r.logger.Warn("agent construction failed",
			zap.String("user_id", userID),
			zap.String("agent_type", agentType),
			zap.Error(err))
		return nil, err
	}

	if !s.RegisterAgent(agentType, instance, child) {
		r.discard(userID, agentType, instance, "session closed during construction")
		return nil, apperrors.Conflict("session", userID, "closed while the agent was being built")
	}
	r.logger.Debug("agent created",
		zap.String("user_id", userID),
		zap.String("agent_type", agentType),
		zap.String("run_id", child.RunID))
	return instance, nil
}

// discard releases an instance that could not be handed to a session.
func (r *SessionRegistry) discard(userID, agentType string, instance any, reason string) {
	if err := session.Release(instance); err != nil {
		r.logger.Warn("failed to release unregistered agent",
			zap.String("user_id", userID),
			zap.String("agent_type", agentType),
			zap.Error(err))
	}
	r.logger.Debug("released unregistered agent",
		zap.String("user_id", userID),
		zap.String("agent_type", agentType),
		zap.String("reason", reason))
}

// GetUserAgent returns userID's agent of agentType.
func (r *SessionRegistry) GetUserAgent(userID, agentType string) (any, bool) {
	s, ok := r.Session(userID)
	if !ok {
		return nil, false
	}
	return s.GetAgent(agentType)
}

// RemoveUserAgent removes and releases one agent. Release failures are logged.
func (r *SessionRegistry) RemoveUserAgent(userID, agentType string) bool {
	s, ok := r.Session(userID)
	if !ok {
		return false
	}
	return s.RemoveAgent(agentType)
}

// ResetUserAgents closes and drains userID's current session and then
// installs a fresh, empty one under the same key. The fresh session replaces
// only the session that was drained. When a concurrent cleanup, reset or
// create changed the entry in the meantime, the newer state is kept and a
// Conflict error returned. When the fresh session cannot be built the drained
// one is removed and userID is left without a session.
func (r *SessionRegistry) ResetUserAgents(ctx context.Context, userID string) (*session.AgentSession, error) {
	if userID == "" {
		return nil, apperrors.InvalidArgument("user_id", "must not be empty")
	}

	r.mu.RLock()
	old, hadOld := r.sessions[userID]
	r.mu.RUnlock()

	cleaned := 0
	if hadOld {
		var errs []error
		cleaned, errs = old.Close()
		for _, err := range errs {
			r.logger.Warn("agent release failed during reset",
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	fresh, err := r.installFresh(ctx, userID, old, hadOld)
	if err != nil {
		if hadOld {
			// A closed session must not stay reachable.
			r.RemoveSessionIf(userID, old)
		}
		return nil, err
	}

	r.logger.Info("session reset",
		zap.String("user_id", userID),
		zap.Int("agents_cleaned", cleaned))
	r.publish(ctx, events.SessionReset, userID, map[string]interface{}{
		"agents_cleaned": cleaned,
	})
	return fresh, nil
}

// installFresh stores a new session for userID provided the entry still holds
// old, or is still absent when hadOld is false.
func (r *SessionRegistry) installFresh(ctx context.Context, userID string, old *session.AgentSession, hadOld bool) (*session.AgentSession, error) {
	for {
		r.mu.RLock()
		notifier, gen := r.notifier, r.notifierGen
		r.mu.RUnlock()

		fresh, err := r.newSession(ctx, userID, notifier)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		current, ok := r.sessions[userID]
		if ok != hadOld || current != old {
			r.mu.Unlock()
			r.logger.Debug("session changed during reset, keeping the newer state",
				zap.String("user_id", userID))
			return nil, apperrors.Conflict("session", userID, "changed while being reset")
		}
		if gen != r.notifierGen {
			r.mu.Unlock()
			continue
		}
		r.sessions[userID] = fresh
		r.mu.Unlock()
		return fresh, nil
	}
}

// CleanupUserSession releases all of userID's agents and removes the session
// according to the cleanup policy. With the default policy the entry is
// removed even when releases fail; the failures are reported in the result.
func (r *SessionRegistry) CleanupUserSession(userID string) (*lifecycle.CleanupResult, error) {
	result, err := r.lifecycle.TriggerCleanup(userID)
	if err != nil {
		return nil, err
	}
	r.publishCleaned(context.Background(), result)
	return result, nil
}

// SessionBridge returns userID's current session bridge, or nil.
func (r *SessionRegistry) SessionBridge(userID string) *notify.Bridge {
	s, ok := r.Session(userID)
	if !ok {
		return nil
	}
	return s.Bridge()
}

// Session returns userID's session without creating one.
func (r *SessionRegistry) Session(userID string) (*session.AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// RemoveSessionIf removes userID's entry while it still maps to s.
func (r *SessionRegistry) RemoveSessionIf(userID string, s *session.AgentSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[userID]; !ok || current != s {
		return false
	}
	delete(r.sessions, userID)
	return true
}

// UserIDs lists users with a session, sorted.
func (r *SessionRegistry) UserIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of live sessions.
func (r *SessionRegistry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Register stores a shared singleton in the catalog.
func (r *SessionRegistry) Register(key string, instance any) error {
	return r.dispatcher.Register(key, instance)
}

// RegisterFactory stores a factory in the catalog.
func (r *SessionRegistry) RegisterFactory(key string, factory dispatch.Factory, tags []string, description string) error {
	return r.dispatcher.RegisterFactory(key, factory, tags, description)
}

// Get resolves key and blocks for the result. See dispatch.Dispatcher.Get.
func (r *SessionRegistry) Get(ctx context.Context, key string, ectx *execctx.Context) (any, error) {
	return r.dispatcher.Get(ctx, key, ectx)
}

// GetAsync resolves key without blocking. See dispatch.Dispatcher.GetAsync.
func (r *SessionRegistry) GetAsync(ctx context.Context, key string, ectx *execctx.Context) *dispatch.Future {
	return r.dispatcher.GetAsync(ctx, key, ectx)
}

func (r *SessionRegistry) publishCleaned(ctx context.Context, result *lifecycle.CleanupResult) {
	r.publish(ctx, events.SessionCleaned, result.UserID, map[string]interface{}{
		"agents_cleaned": result.AgentsCleaned,
		"removed":        result.Removed,
		"errors":         len(result.Errors),
	})
}

// publish emits a session lifecycle event when an event bus is set.
// Failures are logged.
func (r *SessionRegistry) publish(ctx context.Context, eventType, userID string, data map[string]interface{}) {
	r.mu.RLock()
	eventBus := r.eventBus
	r.mu.RUnlock()
	if eventBus == nil {
		return
	}

	event := bus.NewEvent(eventType, userID, data)
	if err := eventBus.Publish(ctx, events.BuildSessionSubject(userID), event); err != nil {
		r.logger.Debug("failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}
