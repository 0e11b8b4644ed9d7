// Package mcpserver exposes the tool registry over the Model Context
// Protocol. Every MCP tool call is routed through the Dispatcher, so MCP
// clients see the same validation, timeouts and error taxonomy as HTTP and
// agent callers.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/54b3r/ragkit-go/internal/dispatch"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/toolerr"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// serverName is advertised to MCP clients during initialisation.
const serverName = "ragkit"

// Server is an MCP server over a Dispatcher.
type Server struct {
	d   *dispatch.Dispatcher
	mcp *server.MCPServer
}

// New returns a Server advertising every tool in d's registry.
func New(d *dispatch.Dispatcher, version string) (*Server, error) {
	s := &Server{
		d: d,
		mcp: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

// Sync replaces the advertised tool set with the dispatcher's current
// registry. Call it after SetRegistry.
func (s *Server) Sync() error {
	specs := s.d.Registry().Specs()
	serverTools := make([]server.ServerTool, 0, len(specs))
	for _, spec := range specs {
		t, err := toolFor(spec)
		if err != nil {
			return err
		}
		serverTools = append(serverTools, server.ServerTool{Tool: t, Handler: s.handle})
	}
	s.mcp.SetTools(serverTools...)
	return nil
}

// toolFor renders spec as an MCP tool definition.
func toolFor(spec tools.Spec) (mcp.Tool, error) {
	in, err := json.Marshal(spec.Input.JSONSchema())
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("mcpserver: input schema for %s: %w", spec.Name, err)
	}
	t := mcp.NewToolWithRawSchema(spec.Name, spec.Description, in)
	if spec.Output != nil {
		out, err := json.Marshal(spec.Output)
		if err != nil {
			return mcp.Tool{}, fmt.Errorf("mcpserver: output schema for %s: %w", spec.Name, err)
		}
		t.RawOutputSchema = out
	}
	return t, nil
}

// failureBody is the text content of an error result.
type failureBody struct {
	Status  string       `json:"status"`
	Kind    toolerr.Kind `json:"kind"`
	Field   string       `json:"field,omitempty"`
	Message string       `json:"message"`
}

func (s *Server) handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.d.Call(ctx, req.Params.Name, req.GetArguments())
	if err != nil {
		te, _ := toolerr.As(err)
		return textResult(failureBody{Status: dispatch.StatusError, Kind: te.Kind, Field: te.Field, Message: te.Message}, true)
	}
	if res.Status == dispatch.StatusNoContext {
		return textResult(failureBody{Status: res.Status, Kind: res.Kind, Message: res.Message}, false)
	}

	body, err := json.Marshal(res.Output)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode %s output: %w", res.Tool, err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(body))},
		StructuredContent: res.Output,
	}, nil
}

func textResult(v any, isError bool) (*mcp.CallToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(body))},
		IsError: isError,
	}, nil
}

// ServeStdio serves MCP over in and out until ctx is cancelled or in is
// closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	log := logging.FromContext(ctx)
	log.Info("mcp: serving on stdio", slog.Int("tools", s.d.Registry().Len()))

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(log.Handler(), slog.LevelError))
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcpserver: stdio: %w", err)
	}
	return nil
}

// Handler returns the streamable HTTP transport, mounted by the HTTP server
// at /mcp.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}

// HandleMessage processes one raw JSON-RPC message. It is used by tests and
// by in-process clients.
func (s *Server) HandleMessage(ctx context.Context, msg json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, msg)
}
