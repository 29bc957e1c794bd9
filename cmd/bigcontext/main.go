// Package main provides the CLI entry point for the bigcontext processing
// engine.
//
// The engine takes a document too large for one model call, splits it into
// boundary-aware overlapping chunks, processes the chunks in parallel
// against an OpenAI-compatible provider, and stitches the outputs back into
// a single artifact.
//
// # Basic Usage
//
// Start the server:
//
//	bigcontext serve --config bigcontext.yaml
//
// # Environment Variables
//
//   - BIGCONTEXT_API_KEY: provider API key
//   - BIGCONTEXT_BASE_URL: OpenAI-compatible endpoint
//   - BIGCONTEXT_DB_PATH: SQLite database file
//   - BIGCONTEXT_PORT, BIGCONTEXT_HOST: listen address
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "bigcontext",
		Short:   "bigcontext - big-context document processing engine",
		Long:    "bigcontext chunks oversized documents, runs each chunk through an LLM in parallel, and stitches the outputs back together.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildVersionCmd())

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print detailed version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bigcontext %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
