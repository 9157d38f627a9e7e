// Package shell provides the shell_exec capability.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/task"
)

// ActionName is the registered name of the capability.
const ActionName = "shell_exec"

const (
	defaultMaxOutput = 64 * 1024
	// waitDelay bounds how long Wait blocks on inherited pipes after the
	// command is killed.
	waitDelay = time.Second
)

// Config configures the shell capability.
type Config struct {
	// Shell is the interpreter used with -c. Default: /bin/sh.
	Shell string
	// WorkDir is the default working directory; cwd arguments are resolved
	// against it and may not escape it.
	WorkDir string
	// MaxOutput truncates combined stdout and stderr. Default: 64KiB.
	MaxOutput int
	// Env is appended to the process environment.
	Env map[string]string
}

// Capability runs one shell command line.
type Capability struct {
	cfg Config
}

// New creates the capability.
func New(cfg Config) (*Capability, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	cfg.WorkDir = abs
	return &Capability{cfg: cfg}, nil
}

// Descriptor implements capability.Capability.
func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        ActionName,
		Description: "Execute a single shell command and return its combined output.",
		Tier:        task.RiskLow,
		Schema: capability.ObjectSchema([]string{"command"}, map[string]*jsonschema.Schema{
			"command": capability.String("The command line to execute"),
			"cwd":     capability.String("Working directory relative to the workspace root"),
		}),
	}
}

// Invoke implements capability.Capability.
func (c *Capability) Invoke(ctx context.Context, args map[string]any) (string, error) {
	command, err := capability.StringArg(args, "command")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("%w: command is empty", capability.ErrInvalidArguments)
	}

	dir, err := c.resolveDir(capability.OptionalString(args, "cwd", ""))
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	cmd.Env = os.Environ()
	for key, val := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, val))
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := truncate(out.String(), c.cfg.MaxOutput)

	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return output, fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), strings.TrimSpace(output))
		}
		return output, fmt.Errorf("run command: %w", runErr)
	}
	return output, nil
}

func (c *Capability) resolveDir(cwd string) (string, error) {
	if cwd == "" || cwd == "." {
		return c.cfg.WorkDir, nil
	}
	dir := cwd
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.cfg.WorkDir, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(c.cfg.WorkDir, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: cwd %q is outside the workspace", capability.ErrInvalidArguments, cwd)
	}
	return dir, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}
