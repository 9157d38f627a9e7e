// Package mcp exposes the task orchestrator as Model Context Protocol
// tools: task_advance, task_status and capability_list. Replies are
// scrubbed before they leave the process.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
)

// Service is the orchestrator surface the tools call.
type Service interface {
	Advance(ctx context.Context, req orchestrator.AdvanceRequest) (*orchestrator.Reply, error)
	Status(ctx context.Context, taskID string) (*orchestrator.Status, error)
}

// Catalog lists registered capabilities.
type Catalog interface {
	Descriptors() []capability.Descriptor
}

// Scrubber redacts secrets from tool output.
type Scrubber interface {
	String(content string) string
}

// Server is an MCP server over the orchestrator.
type Server struct {
	mcp      *mcp.Server
	service  Service
	catalog  Catalog
	scrubber Scrubber
	metrics  *toolMetrics
	logger   *zap.Logger
	userID   string
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "orbit")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// UserID owns tasks created without an explicit user_id.
	UserID string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "orbit",
		Version: "dev",
		UserID:  "mcp",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server. scrubber may be nil.
func NewServer(cfg *Config, service Service, catalog Catalog, scrubber Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if service == nil {
		return nil, fmt.Errorf("orchestrator service is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("capability catalog is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		service:  service,
		catalog:  catalog,
		scrubber: scrubber,
		metrics:  newToolMetrics(nil, cfg.Logger),
		logger:   cfg.Logger,
		userID:   cfg.UserID,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx ends or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on t. Used for in-process clients.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) scrub(text string) string {
	if s.scrubber == nil {
		return text
	}
	return s.scrubber.String(text)
}
