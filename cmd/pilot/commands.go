package main

import (
	"fmt"

	"github.com/haasonsaas/pilot/internal/config"
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the agent service.
// This is the primary command for running pilot in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pilot agent service",
		Long: `Start the pilot agent service.

The server will:
1. Load configuration from the environment and the optional config file
2. Open the state store (Postgres or SQLite) and create the schema
3. Connect the artifact store (S3 or local directory)
4. Initialize the model provider (Anthropic API or AWS Bedrock)
5. Start the HTTP API for chat, batch execution, and streaming

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start from environment variables alone
  pilot serve

  # Start with a config file
  pilot serve --config /etc/pilot/production.yaml

  # Start with debug logging
  pilot serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (environment only when omitted)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildSchemaCmd creates the "schema" command that prints the configuration
// JSON Schema for editor integration and CI validation.
func buildSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pilot %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "built:  %s\n", date)
		},
	}
}
