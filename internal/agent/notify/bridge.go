package notify

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/common/logger"
)

// ErrMissingCapability is returned by Delegate when the wrapped notifier does
// not implement the requested interface.
var ErrMissingCapability = errors.New("notifier does not implement capability")

// Bridge is a session-scoped wrapper around one notifier. Every session owns
// its own Bridge even when the wrapped notifier is shared.
//
// All methods are safe on a nil *Bridge and do nothing.
type Bridge struct {
	notifier  any
	userID    string
	caps      Capability
	createdAt time.Time
	logger    *logger.Logger
}

// NewBridge wraps notifier for userID. A nil log uses logger.Default().
func NewBridge(notifier any, userID string, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	caps := Detect(notifier)
	return &Bridge{
		notifier:  notifier,
		userID:    userID,
		caps:      caps,
		createdAt: time.Now(),
		logger: log.WithComponent("notification-bridge").WithFields(
			zap.String("user_id", userID),
			zap.String("wrapped_type", fmt.Sprintf("%T", notifier)),
		),
	}
}

// UserID returns the user this bridge was built for.
func (b *Bridge) UserID() string {
	if b == nil {
		return ""
	}
	return b.userID
}

// Capabilities returns the capability set detected at wrap time.
func (b *Bridge) Capabilities() Capability {
	if b == nil {
		return 0
	}
	return b.caps
}

// Unwrap returns the wrapped notifier.
func (b *Bridge) Unwrap() any {
	if b == nil {
		return nil
	}
	return b.notifier
}

// Delegate returns the wrapped notifier as T. The error names both the
// missing interface and the wrapped concrete type.
func Delegate[T any](b *Bridge) (T, error) {
	var zero T
	name := reflect.TypeFor[T]().String()
	if b == nil || b.notifier == nil {
		return zero, fmt.Errorf("%w: %s (no notifier wrapped)", ErrMissingCapability, name)
	}
	v, ok := b.notifier.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s not implemented by %T", ErrMissingCapability, name, b.notifier)
	}
	return v, nil
}

// NotifyStarted reports that an agent run began. It is a no-op unless the
// notifier implements StartedNotifier.
func (b *Bridge) NotifyStarted(ctx context.Context, ev Event) error {
	if !b.supports(CapStarted, "started") {
		return nil
	}
	return b.notifier.(StartedNotifier).AgentStarted(ctx, b.stamp(ev))
}

// NotifyThinking forwards an intermediate reasoning update.
func (b *Bridge) NotifyThinking(ctx context.Context, ev Event) error {
	if !b.supports(CapThinking, "thinking") {
		return nil
	}
	return b.notifier.(ThinkingNotifier).AgentThinking(ctx, b.stamp(ev))
}

// NotifyToolExecuting reports that the agent invoked ev.ToolName.
func (b *Bridge) NotifyToolExecuting(ctx context.Context, ev Event) error {
	if !b.supports(CapToolExecuting, "tool_executing") {
		return nil
	}
	return b.notifier.(ToolExecutingNotifier).ToolExecuting(ctx, b.stamp(ev))
}

// NotifyToolCompleted reports a finished tool call with its ev.Result.
func (b *Bridge) NotifyToolCompleted(ctx context.Context, ev Event) error {
	if !b.supports(CapToolCompleted, "tool_completed") {
		return nil
	}
	return b.notifier.(ToolCompletedNotifier).ToolCompleted(ctx, b.stamp(ev))
}

// NotifyCompleted reports that the run finished successfully.
func (b *Bridge) NotifyCompleted(ctx context.Context, ev Event) error {
	if !b.supports(CapCompleted, "completed") {
		return nil
	}
	return b.notifier.(CompletedNotifier).AgentCompleted(ctx, b.stamp(ev))
}

// NotifyError reports a recoverable failure carried in ev.Err.
func (b *Bridge) NotifyError(ctx context.Context, ev Event) error {
	if !b.supports(CapError, "error") {
		return nil
	}
	return b.notifier.(ErrorNotifier).AgentError(ctx, b.stamp(ev))
}

// NotifyDeath reports that the agent terminated and will send nothing more.
func (b *Bridge) NotifyDeath(ctx context.Context, ev Event) error {
	if !b.supports(CapDeath, "death") {
		return nil
	}
	return b.notifier.(DeathNotifier).AgentDeath(ctx, b.stamp(ev))
}

// GetMetrics delegates to the notifier when it reports metrics, otherwise it
// describes the adapter itself.
func (b *Bridge) GetMetrics() map[string]any {
	if b == nil {
		return map[string]any{"adapter": "notify.Bridge", "wrapped_type": "<nil>"}
	}
	if b.caps.Has(CapMetrics) {
		if m := b.notifier.(MetricsProvider).Metrics(); m != nil {
			return m
		}
	}
	return map[string]any{
		"adapter":        "notify.Bridge",
		"wrapped_type":   fmt.Sprintf("%T", b.notifier),
		"user_id":        b.userID,
		"capabilities":   b.caps.String(),
		"uptime_seconds": time.Since(b.createdAt).Seconds(),
	}
}

func (b *Bridge) supports(c Capability, name string) bool {
	if b == nil {
		return false
	}
	if !b.caps.Has(c) {
		b.logger.Debug("notifier lacks capability, skipping", zap.String("notification", name))
		return false
	}
	return true
}

func (b *Bridge) stamp(ev Event) Event {
	if ev.UserID == "" {
		ev.UserID = b.userID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev
}
