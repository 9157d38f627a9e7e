package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/orbit/internal/config"
	orbitmcp "github.com/fyrsmithlabs/orbit/internal/mcp"
)

// runMCP serves the orchestrator over MCP stdio. Stdout carries the
// protocol, so logs go to stderr.
func runMCP(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	deps, err := initDependencies(ctx, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	mcpCfg := orbitmcp.DefaultConfig()
	mcpCfg.Version = version
	mcpCfg.Logger = deps.logger
	srv, err := orbitmcp.NewServer(mcpCfg, deps.orchestrator, deps.registry, deps.scrubber)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	deps.logger.Info("starting orbitd in MCP stdio mode")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	deps.logger.Info("mcp server shutdown complete")
	return nil
}
