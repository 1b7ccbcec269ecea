// Package notify adapts arbitrary notifiers into session-scoped bridges.
//
// A notifier is any value. It opts into individual notifications by
// implementing the small capability interfaces below; a Bridge checks them once
// at wrap time and silently skips whatever is missing.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/kandev/sessionhub/internal/agent/execctx"
)

// Event is the payload delivered with every notification.
type Event struct {
	UserID    string
	AgentName string
	RunID     string
	ThreadID  string
	ToolName  string
	Message   string
	Result    any
	Err       error
	Metadata  map[string]any
	Timestamp time.Time
}

// EventFor fills the identifying fields of an Event from an execution context.
func EventFor(ectx *execctx.Context) Event {
	if ectx == nil {
		return Event{}
	}
	return Event{
		UserID:    ectx.UserID,
		AgentName: ectx.AgentName,
		RunID:     ectx.RunID,
		ThreadID:  ectx.ThreadID,
	}
}

// StartedNotifier receives the start of an agent run.
type StartedNotifier interface {
	AgentStarted(ctx context.Context, ev Event) error
}

// ThinkingNotifier receives intermediate reasoning updates.
type ThinkingNotifier interface {
	AgentThinking(ctx context.Context, ev Event) error
}

// ToolExecutingNotifier is told when a tool call begins.
type ToolExecutingNotifier interface {
	ToolExecuting(ctx context.Context, ev Event) error
}

// ToolCompletedNotifier is told when a tool call returns.
type ToolCompletedNotifier interface {
	ToolCompleted(ctx context.Context, ev Event) error
}

// CompletedNotifier receives successful run completions.
type CompletedNotifier interface {
	AgentCompleted(ctx context.Context, ev Event) error
}

// ErrorNotifier receives recoverable agent failures.
type ErrorNotifier interface {
	AgentError(ctx context.Context, ev Event) error
}

// DeathNotifier is told when an agent terminates for good.
type DeathNotifier interface {
	AgentDeath(ctx context.Context, ev Event) error
}

// MetricsProvider lets a notifier report its own delivery metrics.
type MetricsProvider interface {
	Metrics() map[string]any
}

// BridgeBuilder is a synchronous hook for notifiers that build their own
// session bridge.
type BridgeBuilder interface {
	SessionBridge(ectx *execctx.Context) (*Bridge, error)
}

// ContextBridgeBuilder is the blocking variant of BridgeBuilder; it may do I/O
// and must honour ctx.
type ContextBridgeBuilder interface {
	SessionBridgeContext(ctx context.Context, ectx *execctx.Context) (*Bridge, error)
}

// Capability is a bitset of the notifications a wrapped notifier supports.
type Capability uint16

const (
	CapStarted Capability = 1 << iota
	CapThinking
	CapToolExecuting
	CapToolCompleted
	CapCompleted
	CapError
	CapDeath
	CapMetrics
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapStarted, "started"},
	{CapThinking, "thinking"},
	{CapToolExecuting, "tool_executing"},
	{CapToolCompleted, "tool_completed"},
	{CapCompleted, "completed"},
	{CapError, "error"},
	{CapDeath, "death"},
	{CapMetrics, "metrics"},
}

// Has reports whether every bit of other is set.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

func (c Capability) String() string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			names = append(names, cn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Detect computes the capability set of notifier.
func Detect(notifier any) Capability {
	var c Capability
	if _, ok := notifier.(StartedNotifier); ok {
		c |= CapStarted
	}
	if _, ok := notifier.(ThinkingNotifier); ok {
		c |= CapThinking
	}
	if _, ok := notifier.(ToolExecutingNotifier); ok {
		c |= CapToolExecuting
	}
	if _, ok := notifier.(ToolCompletedNotifier); ok {
		c |= CapToolCompleted
	}
	if _, ok := notifier.(CompletedNotifier); ok {
		c |= CapCompleted
	}
	if _, ok := notifier.(ErrorNotifier); ok {
		c |= CapError
	}
	if _, ok := notifier.(DeathNotifier); ok {
		c |= CapDeath
	}
	if _, ok := notifier.(MetricsProvider); ok {
		c |= CapMetrics
	}
	return c
}
