package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/mcpserver"
	"github.com/54b3r/ragkit-go/internal/tracing"
	"github.com/54b3r/ragkit-go/internal/version"
)

// NewMCPCmd constructs the `ragkit mcp` command, which serves the tool
// registry to an MCP client over stdin/stdout.
func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tools over MCP on stdio",
		Long: `Serve the tool registry as a Model Context Protocol server on stdin and
stdout, for agents that launch ragkit as a subprocess. Logs go to stderr.

Example client configuration:
  {"command": "ragkit", "args": ["mcp"]}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			flush := tracing.Install(tracingConfig("ragkit-mcp"))
			defer flush()

			rt, err := newRuntime(ctx, log, runtimeOptions{journal: true})
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}
			defer rt.Close()
			go reloadOnSIGHUP(ctx, rt.holder, log)

			srv, err := mcpserver.New(rt.dispatcher, version.Version)
			if err != nil {
				return fmt.Errorf("mcp: %w", err)
			}
			return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
		},
	}
}
