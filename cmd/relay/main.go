// Package main provides the CLI entry point for the relay run
// orchestration daemon.
//
// Start the daemon:
//
//	relay serve --config relay.yaml
//
// Apply database migrations:
//
//	relay migrate --config relay.yaml
//
// Submit a run:
//
//	relay enqueue --prompt "schedule a meeting with sam" --config relay.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallaxlabs/relay/internal/config"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Relay - run orchestration and event streaming daemon",
		Long:         "Relay turns queued run jobs into agent-graph executions and streams their progress to live clients.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildEnqueueCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file if given, falling back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		if env := os.Getenv("RELAY_CONFIG"); env != "" {
			path = env
		}
	}
	if strings.TrimSpace(path) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildLogger constructs the daemon logger from config.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
