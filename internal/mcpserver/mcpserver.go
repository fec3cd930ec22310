// Package mcpserver exposes the plugin catalog over the Model Context
// Protocol. Every stored plugin becomes an MCP tool named plugin_<name>
// whose invocation routes through the same runner, policy, and isolation
// as the HTTP surface.
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Hungruong/wasm-forge/internal/plugin"
	"github.com/Hungruong/wasm-forge/internal/runner"
)

// Server serves plugins as MCP tools over stdio.
type Server struct {
	runner  *runner.Runner
	plugins plugin.Store
	logger  *slog.Logger
	version string
}

// New creates an MCP server around the runner and plugin store.
func New(r *runner.Runner, plugins plugin.Store, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:  r,
		plugins: plugins,
		logger:  logger,
		version: version,
	}
}

// Serve registers one tool per stored plugin and serves MCP over stdio
// until the client disconnects or ctx is canceled. The tool list is a
// snapshot taken at startup; a restart picks up catalog changes.
func (s *Server) Serve(ctx context.Context) error {
	return s.serve(ctx, os.Stdin, os.Stdout)
}

func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	plugins, err := s.plugins.List(ctx)
	if err != nil {
		return fmt.Errorf("listing plugins: %w", err)
	}

	srv := server.NewMCPServer("wasm-forge", s.version,
		server.WithToolCapabilities(false),
	)

	for _, p := range plugins {
		srv.AddTool(s.toolFor(p), s.handlerFor(p.Name))
	}

	s.logger.Info("mcp server starting",
		slog.Int("tools", len(plugins)),
	)

	return server.NewStdioServer(srv).Listen(ctx, in, out)
}

// toolFor builds the MCP tool definition for a stored plugin.
func (s *Server) toolFor(p *plugin.Plugin) mcp.Tool {
	description := p.Description
	if description == "" {
		description = fmt.Sprintf("Run the %s plugin in the sandboxed executor.", p.Name)
	}
	inputDesc := p.InputHint
	if inputDesc == "" {
		inputDesc = "Input passed to the plugin as its first stdin line."
	}
	return mcp.NewTool("plugin_"+p.Name,
		mcp.WithDescription(description),
		mcp.WithString("input",
			mcp.Required(),
			mcp.Description(inputDesc),
		),
	)
}

// handlerFor returns the tool handler executing the named plugin. The
// source is fetched per call so tool invocations always run the latest
// stored version.
func (s *Server) handlerFor(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := req.RequireString("input")
		if err != nil {
			return mcp.NewToolResultError("input argument is required"), nil
		}

		p, err := s.plugins.GetByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("plugin %s unavailable: %v", name, err)), nil
		}

		result, err := s.runner.Run(ctx, runner.Request{
			PluginName: name,
			Source:     []byte(p.Source),
			Input:      input,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "mcp run failed before launch",
				slog.String("plugin", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}

		s.logger.InfoContext(ctx, "mcp tool executed",
			slog.String("plugin", name),
			slog.String("outcome", string(result.Outcome)),
		)

		if !result.Success() {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", result.Outcome, result.ErrorDetail)), nil
		}
		return mcp.NewToolResultText(result.Output), nil
	}
}
