// Package commands defines all Cobra CLI commands for the ragkit binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/audit"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// logLevel holds the --log-level flag value; empty defers to LOG_LEVEL.
var logLevel string

// loadedConfigPath stores the resolved config file path for audit logging
// and snapshot reloads.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragkit",
		Short: "ragkit: retrieval context and tools for tool-calling agents",
		Long: `ragkit sits between a tool-calling agent and its knowledge base.

It retrieves, caches and assembles token-bounded, cited context blocks and
exposes them, together with configuration and analysis tools, through one
validated tool interface: HTTP, MCP or the CLI.

The search backend and retrieval parameters come from a YAML config file
(~/.ragkit/config.yaml) overridden by environment variables.
See 'ragkit --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Load YAML config first so LOG_LEVEL/LOG_FORMAT from the file apply.
			path, err := config.Load(configPath, logging.NewWithOptions(logging.Options{Level: logLevel}))
			if err != nil {
				return err
			}
			loadedConfigPath = path

			log := logging.NewWithOptions(logging.Options{Level: logLevel})
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragkit/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: LOG_LEVEL or info)")

	root.AddCommand(
		NewServeCmd(),
		NewQueryCmd(),
		NewToolsCmd(),
		NewMCPCmd(),
		NewAskCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
