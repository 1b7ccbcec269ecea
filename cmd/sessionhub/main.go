// Package main is the entry point for sessionhub. It wires configuration,
// logging, tracing and the event bus around a SessionRegistry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/sessionhub/internal/common/config"
	"github.com/kandev/sessionhub/internal/common/logger"
)

var (
	version    = "dev"
	configPath string
	verbose    bool

	rootCmd = &cobra.Command{
		Use:           "sessionhub",
		Short:         "Multi-tenant agent session registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.Version = version

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newDemoCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and installs the process logger.
func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if verbose {
		_ = log.SetLevel("debug")
	}
	logger.SetDefault(log)
	return cfg, log, nil
}
