package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/sessionhub/internal/agent/dispatch"
	"github.com/kandev/sessionhub/internal/agent/execctx"
	"github.com/kandev/sessionhub/internal/agent/notify"
	"github.com/kandev/sessionhub/internal/events"
	"github.com/kandev/sessionhub/internal/events/bus"
)

// echoAgent reports its lifecycle through the bridge it was built with.
type echoAgent struct {
	agentType string
	ectx      *execctx.Context
	bridge    *notify.Bridge
}

func (a *echoAgent) run(ctx context.Context) error {
	ev := notify.EventFor(a.ectx)
	if err := a.bridge.NotifyStarted(ctx, ev); err != nil {
		return err
	}
	ev.Result = map[string]string{"type": a.agentType}
	return a.bridge.NotifyCompleted(ctx, ev)
}

func (a *echoAgent) Cleanup() error {
	return a.bridge.NotifyDeath(context.Background(), notify.EventFor(a.ectx))
}

func newDemoCmd() *cobra.Command {
	var users int
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Create echo agents for a few users and print the registry health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := buildStack(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.close(log, cfg.Tasks.ShutdownTimeout())

			reg := st.registry
			var delivered atomic.Int64
			sub, err := countNotifications(st.bus, &delivered)
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			factory := func(ectx *execctx.Context, b *notify.Bridge) (any, error) {
				return &echoAgent{agentType: ectx.AgentName, ectx: ectx, bridge: b}, nil
			}
			if err := reg.RegisterFactory("echo", dispatch.Sync(factory), []string{"demo"}, "echoes its type"); err != nil {
				return err
			}

			for i := range users {
				userID := fmt.Sprintf("demo-user-%d", i+1)
				inst, err := reg.CreateAgentForUser(ctx, userID, "echo", execctx.New(userID, "", ""), nil)
				if err != nil {
					return err
				}
				if err := inst.(*echoAgent).run(ctx); err != nil {
					log.Warn("echo agent failed", zap.String("user_id", userID), zap.Error(err))
				}
			}

			// Memory bus handlers run on their own goroutines.
			deadline := time.Now().Add(time.Second)
			for delivered.Load() < int64(2*users) && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}

			out, err := yaml.Marshal(reg.MonitorAllUsers())
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(out); err != nil {
				return err
			}
			log.Info("demo finished",
				zap.Int64("notifications", delivered.Load()),
				zap.Any("notifier", st.notifier.Metrics()))
			return nil
		},
	}
	cmd.Flags().IntVar(&users, "users", 3, "number of users to create agents for")
	return cmd
}

// countNotifications subscribes to every user's notification subject.
func countNotifications(eventBus bus.EventBus, counter *atomic.Int64) (bus.Subscription, error) {
	return eventBus.Subscribe(events.AllAgentNotifications, func(ctx context.Context, e *bus.Event) error {
		counter.Add(1)
		return nil
	})
}
