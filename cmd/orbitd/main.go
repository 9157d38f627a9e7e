// Orbitd is the orbit task agent service.
//
// It wires configuration, logging, telemetry, the capability registry, the
// intent oracle and the orchestrator, then serves them over HTTP or, with
// the mcp subcommand, over MCP stdio.
//
// Configuration is loaded from ~/.config/orbit/config.yaml with environment
// overrides. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP server
//	orbitd
//
//	# Serve MCP over stdio
//	orbitd mcp
//
//	# Configure via environment
//	SERVER_PORT=9191 CHECKPOINT_BACKEND=sqlite orbitd
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/config"
	orbithttp "github.com/fyrsmithlabs/orbit/internal/http"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orbitd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orbitd",
		Short: "Conversational task agent service",
		Long: `orbitd runs the orbit orchestrator. Without a subcommand it serves the
HTTP API; "orbitd mcp" serves the same orchestrator over MCP stdio.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/orbit/config.yaml)")
	root.AddCommand(
		&cobra.Command{
			Use:   "mcp",
			Short: "Serve MCP over stdio",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMCP(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				printVersion(cmd.OutOrStdout())
			},
		},
	)
	return root
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "orbitd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down within the configured timeout.
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	deps, err := initDependencies(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()
	logger := deps.logger

	logger.Info("starting orbitd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("checkpoint", cfg.Checkpoint.Backend),
		zap.Int("capabilities", len(deps.registry.List())),
	)

	srv, err := orbithttp.NewServer(deps.orchestrator, deps.registry, logger,
		&orbithttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		orbithttp.WithEvents(deps.broadcaster),
		orbithttp.WithMetrics(orbithttp.NewHTTPMetrics(logger)),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
