package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/audit"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/mcpserver"
	"github.com/54b3r/ragkit-go/internal/server"
	"github.com/54b3r/ragkit-go/internal/tracing"
	"github.com/54b3r/ragkit-go/internal/version"
)

// NewServeCmd constructs the `ragkit serve` command, which starts the HTTP
// API and the streamable MCP endpoint.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragkit HTTP API and MCP endpoint",
		Long: `Start the ragkit HTTP server.

The server exposes the tool registry as a REST API (/api/tools, /api/query,
/api/analyze, /api/config), a streamable MCP endpoint on /mcp, readiness
probes and Prometheus metrics on /metrics.

The retrieval snapshot is reloaded when the config file changes or the
process receives SIGHUP. Calls already running keep the snapshot they
started with.

Examples:
  ragkit serve
  ragkit serve --port 9090
  RAGKIT_API_KEY=secret ragkit serve --host 0.0.0.0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.FromContext(ctx)

			flush := tracing.Install(tracingConfig("ragkit-serve"))
			defer flush()

			rt, err := newRuntime(ctx, log, runtimeOptions{journal: true})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer rt.Close()

			audit.LogSnapshot(log, "startup", rt.holder.Current())
			rt.holder.OnReload(func(s config.Snapshot) { audit.LogSnapshot(log, "reload", s) })
			if err := rt.holder.Watch(ctx, log); err != nil {
				log.Warn("config: file watch unavailable, SIGHUP reload only", slog.Any("error", err))
			}
			go reloadOnSIGHUP(ctx, rt.holder, log)

			mcp, err := mcpserver.New(rt.dispatcher, version.Version)
			if err != nil {
				return fmt.Errorf("serve: failed to create MCP server: %w", err)
			}

			pingers := buildPingers(rt)
			if err := server.NewMultiPinger(pingers...).Ping(ctx); err != nil {
				log.Warn("dependency not ready at startup", slog.Any("error", err))
			}

			if host != "" {
				rt.settings.Host = host
			}
			if port != 0 {
				rt.settings.Port = port
			}

			srv, err := server.New(rt.dispatcher, &server.Config{
				Host:            rt.settings.Host,
				Port:            rt.settings.Port,
				Logger:          log,
				Pingers:         pingers,
				APIKey:          rt.settings.APIKey,
				MetricsRegistry: rt.metrics,
				Cache:           rt.cache,
				MCP:             mcp.Handler(),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (default: RAGKIT_HOST or 127.0.0.1)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (default: RAGKIT_PORT or 8080)")

	return cmd
}

// reloadOnSIGHUP reloads the snapshot on every SIGHUP until ctx is done.
func reloadOnSIGHUP(ctx context.Context, h *config.Holder, log *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			h.ReloadAndLog(log, "SIGHUP")
		}
	}
}

// buildPingers returns the readiness probes for the dependencies rt uses.
func buildPingers(rt *runtime) []server.Pinger {
	var pingers []server.Pinger
	if rt.qdrant != nil {
		pingers = append(pingers, server.NewQdrantPinger(rt.qdrant.Client()))
	}
	if rt.redis != nil {
		pingers = append(pingers, server.NewRedisPinger(rt.redis))
	}
	return pingers
}

// tracingConfig reads Langfuse settings and tags traces with name and the
// binary version.
func tracingConfig(name string) tracing.Config {
	cfg := tracing.ConfigFromEnv()
	cfg.Name = name
	cfg.Release = version.Version
	return cfg
}
