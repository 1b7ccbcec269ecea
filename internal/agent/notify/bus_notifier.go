package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/events"
	"github.com/kandev/sessionhub/internal/events/bus"
)

// BusNotifier publishes every notification onto an event bus, one subject per
// user. It implements all notification capabilities plus BridgeBuilder.
type BusNotifier struct {
	bus    bus.EventBus
	logger *logger.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewBusNotifier creates a notifier publishing to eventBus.
func NewBusNotifier(eventBus bus.EventBus, log *logger.Logger) *BusNotifier {
	return &BusNotifier{
		bus:    eventBus,
		logger: log.WithComponent("bus-notifier"),
	}
}

func (n *BusNotifier) AgentStarted(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentStarted, ev)
}

func (n *BusNotifier) AgentThinking(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentThinking, ev)
}

func (n *BusNotifier) ToolExecuting(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentToolExecuting, ev)
}

func (n *BusNotifier) ToolCompleted(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentToolCompleted, ev)
}

func (n *BusNotifier) AgentCompleted(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentCompleted, ev)
}

func (n *BusNotifier) AgentError(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentError, ev)
}

func (n *BusNotifier) AgentDeath(ctx context.Context, ev Event) error {
	return n.publish(ctx, events.AgentDeath, ev)
}

// Metrics reports delivery counters.
func (n *BusNotifier) Metrics() map[string]any {
	return map[string]any{
		"adapter":   "notify.BusNotifier",
		"published": n.published.Load(),
		"failed":    n.failed.Load(),
		"connected": n.bus.IsConnected(),
	}
}

// SessionBridge builds the bridge a session uses for this notifier.
func (n *BusNotifier) SessionBridge(ectx *execctx.Context) (*Bridge, error) {
	if ectx == nil || ectx.UserID == "" {
		return nil, fmt.Errorf("bus notifier requires a user-scoped execution context")
	}
	return NewBridge(n, ectx.UserID, n.logger), nil
}

func (n *BusNotifier) publish(ctx context.Context, eventType string, ev Event) error {
	data := map[string]interface{}{
		"agent_name": ev.AgentName,
		"run_id":     ev.RunID,
		"thread_id":  ev.ThreadID,
		"timestamp":  ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.ToolName != "" {
		data["tool_name"] = ev.ToolName
	}
	if ev.Message != "" {
		data["message"] = ev.Message
	}
	if ev.Result != nil {
		data["result"] = ev.Result
	}
	if ev.Err != nil {
		data["error"] = ev.Err.Error()
	}
	if len(ev.Metadata) > 0 {
		data["metadata"] = ev.Metadata
	}

	event := bus.NewEvent(eventType, ev.UserID, data)
	if err := n.bus.Publish(ctx, events.BuildAgentNotifySubject(ev.UserID), event); err != nil {
		n.failed.Add(1)
		n.logger.Warn("failed to publish agent notification",
			zap.String("event_type", eventType),
			zap.String("user_id", ev.UserID),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	n.published.Add(1)
	return nil
}
