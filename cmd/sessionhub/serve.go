package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/sessionhub/internal/agent/notify"
	"github.com/kandev/sessionhub/internal/agent/registry"
	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/logger"
	"github.com/kandev/sessionhub/internal/common/tracing"
	"github.com/kandev/sessionhub/internal/events"
	"github.com/kandev/sessionhub/internal/events/bus"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session registry until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// stack is the shared infrastructure behind a registry.
type stack struct {
	registry *registry.SessionRegistry
	notifier *notify.BusNotifier
	bus      bus.EventBus
}

func buildStack(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stack, error) {
	if err := tracing.Init(ctx, cfg.Tracing); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}

	provided, err := events.Provide(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}
	log.Info("event bus ready", zap.String("transport", string(provided.Transport)))

	reg := registry.New(registry.OptionsFromConfig(cfg), log)
	reg.SetEventBus(provided)

	notifier := notify.NewBusNotifier(provided, log)
	task := reg.SetGlobalNotifier(ctx, notifier)
	log.Debug("global notifier propagation scheduled", zap.Uint64("task_id", task.ID()))

	return &stack{registry: reg, notifier: notifier, bus: provided}, nil
}

func (s *stack) close(log *logger.Logger, timeout time.Duration) {
	report := s.registry.EmergencyCleanupAll()
	if len(report.Errors) > 0 {
		log.Warn("sessions released with errors", zap.Strings("errors", report.Errors))
	}
	if remaining := s.registry.Shutdown(timeout); remaining > 0 {
		log.Warn("background tasks abandoned at shutdown", zap.Int("remaining", remaining))
	}
	s.bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		log.Warn("failed to flush traces", zap.Error(err))
	}
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	st, err := buildStack(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := st.registry.Start(ctx); err != nil {
		return err
	}
	log.Info("sessionhub started",
		zap.Duration("monitor_interval", cfg.Lifecycle.MonitorInterval()),
		zap.Bool("auto_cleanup", cfg.Lifecycle.AutoCleanup))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	ticker := time.NewTicker(cfg.Lifecycle.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := st.registry.MonitorAllUsers()
			log.Info("registry health",
				zap.Int("sessions", report.TotalSessions),
				zap.Int("agents", report.TotalAgents),
				zap.Int("warnings", report.Warnings),
				zap.Strings("issues", report.Issues),
				zap.Any("notifier", st.notifier.Metrics()))
		case sig := <-quit:
			log.Info("shutting down", zap.String("signal", sig.String()))
			st.close(log, cfg.Tasks.ShutdownTimeout())
			return nil
		case <-ctx.Done():
			st.close(log, cfg.Tasks.ShutdownTimeout())
			return nil
		}
	}
}
