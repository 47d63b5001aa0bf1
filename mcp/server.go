package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/i2y/vigil"
)

// Server is an MCP server over a vigil App. It registers the tools
// instance_status, instance_logs, instance_abort and instance_terminate.
//
// Example usage with stdio transport:
//
//	app := vigil.NewApp(vigil.WithDatabase("vigil.db"))
//	server := mcp.NewServer(app, mcp.WithServerName("orders"))
//	if err := server.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Shutdown(ctx)
//	if err := server.RunStdio(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server struct {
	app       *vigil.App
	mcpServer *mcp.Server
	config    *serverConfig

	initialized bool
	mu          sync.Mutex
}

// NewServer creates an MCP server over app and registers its tools.
func NewServer(app *vigil.App, opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	s := &Server{
		app: app,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    config.name,
			Version: config.version,
		}, nil),
		config: config,
	}
	s.registerTools()
	return s
}

// Initialize starts the App unless it is already running.
func (s *Server) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized || s.app.Ready() {
		return nil
	}
	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start vigil app: %w", err)
	}
	s.initialized = true
	return nil
}

// Shutdown stops the App if Initialize started it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	return s.app.Shutdown(ctx)
}

// RunStdio serves MCP over stdin and stdout until ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Handler serves MCP over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// App returns the underlying App.
func (s *Server) App() *vigil.App {
	return s.app
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}
