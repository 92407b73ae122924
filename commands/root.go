// Package commands provides the flowhook CLI: the webhook intake
// server, the execution worker pool, and schema migrations.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowhook/flowhook/config"
)

// Root builds the top-level command tree.
func Root(version, buildTime string) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "flowhook",
		Short: "Webhook-driven workflow execution engine",
		Long: `Flowhook turns integration webhooks into workflow executions.

The serve command accepts signed webhooks, applies commenter admission
and fans matching events out to workflows. The worker command drains
the work queue and runs each execution's actions with retries,
timeouts and LLM provider fallback.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(workerCmd(&configPath))
	cmd.AddCommand(migrateCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flowhook version %s (build: %s)\n", version, buildTime)
		},
	})

	return cmd
}

// loadConfig layers defaults, the optional config file and environment
// overrides, then validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path != "" {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		cfg.Merge(fileCfg)
	}

	cfg.FromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
