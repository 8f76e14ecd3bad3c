// Package main provides the CLI entry point for the pilot agent service.
//
// Pilot runs autonomous browser tasks: an Anthropic model drives a remote
// Chromium instance through the computer-use tool, with conversation state
// persisted to Postgres or SQLite, screenshots archived to S3, and progress
// streamed to clients over SSE and WebSocket.
//
// # Basic Usage
//
// Start the server:
//
//	pilot serve --config pilot.yaml
//
// Print the configuration schema:
//
//	pilot schema
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key (required for the anthropic provider)
//   - ONKERNEL_API_KEY: remote browser provider API key
//   - DATABASE_URL: Postgres connection string (omit to use SQLite)
//   - API_KEY_SECRET: bearer secret for POST /tasks/execute
//   - LISTEN_ADDR: HTTP listen address (default :8080)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// main is the entry point for the pilot CLI.
func main() {
	// Structured logging until the serve handler installs the configured
	// logger.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pilot",
		Short: "Pilot - autonomous browser agent service",
		Long: `Pilot runs autonomous browser tasks: an Anthropic model drives a remote
Chromium instance through the computer-use tool, streaming progress over
SSE and WebSocket while task state lands in Postgres or SQLite.

Documentation: https://github.com/haasonsaas/pilot`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSchemaCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
