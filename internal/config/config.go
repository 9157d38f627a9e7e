package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the core orbitd configuration. Package-specific sections
// (oracle, memory, logging, telemetry, secrets) are decoded by their
// owners through Section.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Agent        AgentConfig        `koanf:"agent"`
	Safety       SafetyConfig       `koanf:"safety"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Events       EventsConfig       `koanf:"events"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentConfig bounds the task loop.
type AgentConfig struct {
	MaxIterations   int      `koanf:"max_iterations"`
	MaxAttempts     int      `koanf:"max_attempts"`
	RetryBaseDelay  Duration `koanf:"retry_base_delay"`
	RetryMaxDelay   Duration `koanf:"retry_max_delay"`
	StepTimeout     Duration `koanf:"step_timeout"`
	MaxParallel     int      `koanf:"max_parallel"`
	QueueConcurrent bool     `koanf:"queue_concurrent"`
}

// SafetyConfig configures the risk classifier.
type SafetyConfig struct {
	PolicyFile string `koanf:"policy_file"` // TOML; built-in policy when empty
	CacheSize  int    `koanf:"cache_size"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend    string `koanf:"backend"` // memory | sqlite | nats
	SQLitePath string `koanf:"sqlite_path"`
	NATSURL    string `koanf:"nats_url"`
	NATSBucket string `koanf:"nats_bucket"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	NATSEnabled   bool   `koanf:"nats_enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CapabilitiesConfig enables tool providers. A provider whose required
// settings are empty is not registered.
type CapabilitiesConfig struct {
	ShellEnabled   bool   `koanf:"shell_enabled"`
	Workdir        string `koanf:"workdir"`
	GitRepo        string `koanf:"git_repo"`
	GitAuthorName  string `koanf:"git_author_name"`
	GitAuthorEmail string `koanf:"git_author_email"`
	GitHubToken    Secret `koanf:"github_token"`
	GitHubOwner    string `koanf:"github_owner"`
	GitHubRepo     string `koanf:"github_repo"`
	SMTPHost       string `koanf:"smtp_host"`
	SMTPPort       int    `koanf:"smtp_port"`
	SMTPUsername   string `koanf:"smtp_username"`
	SMTPPassword   Secret `koanf:"smtp_password"`
	SMTPFrom       string `koanf:"smtp_from"`
}

// Section decodes the raw configuration subtree at path into out. Fields
// of out not present in the source keep their values, so callers pass a
// struct holding defaults.
func (c *Config) Section(path string, out any) error {
	if c == nil || c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("decode %s section: %w", path, err)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	a := &cfg.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 12
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 3
	}
	if a.RetryBaseDelay == 0 {
		a.RetryBaseDelay = Duration(500 * time.Millisecond)
	}
	if a.RetryMaxDelay == 0 {
		a.RetryMaxDelay = Duration(10 * time.Second)
	}
	if a.StepTimeout == 0 {
		a.StepTimeout = Duration(30 * time.Second)
	}
	if a.MaxParallel == 0 {
		a.MaxParallel = 8
	}

	if cfg.Safety.CacheSize == 0 {
		cfg.Safety.CacheSize = 1024
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "sqlite"
	}
	if cfg.Checkpoint.SQLitePath == "" {
		cfg.Checkpoint.SQLitePath = "orbit.db"
	}
	if cfg.Checkpoint.NATSURL == "" {
		cfg.Checkpoint.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Checkpoint.NATSBucket == "" {
		cfg.Checkpoint.NATSBucket = "orbit_checkpoints"
	}

	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = cfg.Checkpoint.NATSURL
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "orbit.tasks."
	}

	if cfg.Capabilities.Workdir == "" {
		cfg.Capabilities.Workdir = "."
	}
	if cfg.Capabilities.SMTPPort == 0 {
		cfg.Capabilities.SMTPPort = 587
	}
	if cfg.Capabilities.GitAuthorName == "" {
		cfg.Capabilities.GitAuthorName = "orbit"
	}
	if cfg.Capabilities.GitAuthorEmail == "" {
		cfg.Capabilities.GitAuthorEmail = "orbit@localhost"
	}
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	a := c.Agent
	if a.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive"))
	}
	if a.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("agent.max_attempts must be positive"))
	}
	if a.RetryMaxDelay < a.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("agent.retry_max_delay must not be below retry_base_delay"))
	}
	if a.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("agent.max_parallel must be positive"))
	}

	switch c.Checkpoint.Backend {
	case "memory":
	case "sqlite":
		if c.Checkpoint.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("checkpoint.sqlite_path is required for the sqlite backend"))
		}
	case "nats":
		if c.Checkpoint.NATSURL == "" {
			errs = append(errs, fmt.Errorf("checkpoint.nats_url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend must be memory, sqlite or nats, got %q", c.Checkpoint.Backend))
	}

	if c.Events.NATSEnabled && c.Events.NATSURL == "" {
		errs = append(errs, fmt.Errorf("events.nats_url is required when nats events are enabled"))
	}

	caps := c.Capabilities
	if caps.GitHubToken.IsSet() && (caps.GitHubOwner == "" || caps.GitHubRepo == "") {
		errs = append(errs, fmt.Errorf("capabilities.github_owner and github_repo are required with a github token"))
	}
	if caps.SMTPHost != "" && caps.SMTPFrom == "" {
		errs = append(errs, fmt.Errorf("capabilities.smtp_from is required with an smtp host"))
	}
	return errors.Join(errs...)
}
