// Package main provides the CLI entry point for the Autarch orchestration
// node.
//
// Autarch accepts worker nodes and clients over a single WebSocket control
// plane, compiles client intents into tool-dispatch plans, tracks its own
// confidence per failure topic, and triggers background learning rounds
// when that confidence drops too low.
//
// # Basic Usage
//
// Start the node:
//
//	autarch serve --config autarch.yaml
//
// # Environment Variables
//
// Every configuration field can be overridden with an AUTARCH_-prefixed
// environment variable; see internal/config for the full list.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so it can be exercised without a process exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "autarch",
		Short:        "Autarch - self-evolving AI orchestration node",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
