package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/capability/email"
	"github.com/fyrsmithlabs/orbit/internal/capability/fileops"
	"github.com/fyrsmithlabs/orbit/internal/capability/git"
	"github.com/fyrsmithlabs/orbit/internal/capability/shell"
	"github.com/fyrsmithlabs/orbit/internal/capability/ticket"
	"github.com/fyrsmithlabs/orbit/internal/checkpoint"
	"github.com/fyrsmithlabs/orbit/internal/config"
	"github.com/fyrsmithlabs/orbit/internal/evaluator"
	"github.com/fyrsmithlabs/orbit/internal/events"
	"github.com/fyrsmithlabs/orbit/internal/executor"
	"github.com/fyrsmithlabs/orbit/internal/logging"
	"github.com/fyrsmithlabs/orbit/internal/memory"
	"github.com/fyrsmithlabs/orbit/internal/oracle"
	"github.com/fyrsmithlabs/orbit/internal/orchestrator"
	"github.com/fyrsmithlabs/orbit/internal/planner"
	"github.com/fyrsmithlabs/orbit/internal/safety"
	"github.com/fyrsmithlabs/orbit/internal/secrets"
	"github.com/fyrsmithlabs/orbit/internal/telemetry"
)

// dependencies holds everything the transports need.
type dependencies struct {
	logger       *zap.Logger
	telemetry    *telemetry.Telemetry
	scrubber     *secrets.Scrubber
	registry     *capability.Registry
	store        checkpoint.Store
	memory       memory.Store
	broadcaster  *events.Broadcaster
	orchestrator *orchestrator.Orchestrator
	conns        map[string]*nats.Conn
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close() {
	if d.memory != nil {
		if err := d.memory.Close(); err != nil {
			d.logger.Warn("closing memory store", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing checkpoint store", zap.Error(err))
		}
	}
	for url, nc := range d.conns {
		if err := nc.Drain(); err != nil {
			d.logger.Debug("draining nats connection", zap.String("url", url), zap.Error(err))
			nc.Close()
		}
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
	_ = logging.Sync(d.logger)
}

// natsConn returns a shared connection to url.
func (d *dependencies) natsConn(url string) (*nats.Conn, error) {
	if nc, ok := d.conns[url]; ok {
		return nc, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("orbitd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	d.conns[url] = nc
	d.logger.Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// initDependencies builds the orchestrator and its collaborators from cfg.
// stderr routes logs away from stdout for the MCP stdio transport.
func initDependencies(ctx context.Context, cfg *config.Config, stderr bool) (_ *dependencies, err error) {
	logger, err := initLogger(cfg, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	d := &dependencies{logger: logger, conns: map[string]*nats.Conn{}}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	tcfg := telemetry.NewDefaultConfig()
	tcfg.ServiceVersion = version
	if err := cfg.Section("telemetry", tcfg); err != nil {
		return nil, err
	}
	if d.telemetry, err = telemetry.New(ctx, tcfg, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tp := d.telemetry.TracerProvider()

	scfg := secrets.DefaultConfig()
	if err := cfg.Section("secrets", &scfg); err != nil {
		return nil, err
	}
	if d.scrubber, err = secrets.New(scfg); err != nil {
		return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	caps, err := initCapabilities(ctx, cfg.Capabilities, logger)
	if err != nil {
		return nil, err
	}
	if d.registry, err = capability.NewRegistry(caps...); err != nil {
		return nil, fmt.Errorf("failed to build capability registry: %w", err)
	}

	var ocfg oracle.Config
	if err := cfg.Section("oracle", &ocfg); err != nil {
		return nil, err
	}
	ocfg.ApplyDefaults()
	model, err := oracle.NewModel(ocfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create oracle model: %w", err)
	}
	llm := oracle.New(model, ocfg, oracle.WithLogger(logger), oracle.WithTracerProvider(tp))

	policy := safety.DefaultPolicy()
	if cfg.Safety.PolicyFile != "" {
		if policy, err = safety.LoadPolicy(cfg.Safety.PolicyFile); err != nil {
			return nil, fmt.Errorf("failed to load safety policy: %w", err)
		}
	}
	classifier, err := safety.NewClassifier(policy, llm, cfg.Safety.CacheSize, safety.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create safety classifier: %w", err)
	}

	if err := d.initStore(cfg.Checkpoint); err != nil {
		return nil, err
	}
	sink, err := d.initEvents(cfg.Events)
	if err != nil {
		return nil, err
	}

	var mcfg memory.Config
	if err := cfg.Section("memory", &mcfg); err != nil {
		return nil, err
	}
	mcfg.ApplyDefaults()
	if mcfg.Enabled {
		embedder, err := memory.NewEmbedder(mcfg.Embeddings)
		if err != nil {
			return nil, err
		}
		if d.memory, err = memory.Open(ctx, mcfg, embedder, memory.WithLogger(logger)); err != nil {
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
	}

	d.orchestrator = newOrchestrator(cfg.Agent, d, llm, classifier, sink, mcfg.TopK, tp)
	return d, nil
}

func newOrchestrator(agent config.AgentConfig, d *dependencies, llm *oracle.LLM, classifier *safety.Classifier,
	sink events.Sink, topK int, tp trace.TracerProvider) *orchestrator.Orchestrator {
	logger := d.logger
	plan := planner.New(llm, d.registry,
		planner.WithLogger(logger),
		planner.WithMaxIterations(agent.MaxIterations),
	)
	exec := executor.New(d.registry, classifier,
		executor.Config{
			StepTimeout: agent.StepTimeout.Duration(),
			MaxParallel: agent.MaxParallel,
		},
		executor.WithLogger(logger),
		executor.WithSink(sink),
		executor.WithScrubber(d.scrubber),
		executor.WithTracerProvider(tp),
	)
	eval := evaluator.New(evaluator.Policy{
		MaxIterations: agent.MaxIterations,
		MaxAttempts:   agent.MaxAttempts,
		BaseDelay:     agent.RetryBaseDelay.Duration(),
		MaxDelay:      agent.RetryMaxDelay.Duration(),
	})

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithSink(sink),
		orchestrator.WithScrubber(d.scrubber),
		orchestrator.WithTracerProvider(tp),
	}
	if d.memory != nil {
		opts = append(opts, orchestrator.WithMemory(d.memory))
	}
	return orchestrator.New(d.store, llm, plan, exec, eval, orchestrator.Config{
		QueueConcurrent: agent.QueueConcurrent,
		MemoryTopK:      topK,
	}, opts...)
}

func initLogger(cfg *config.Config, stderr bool) (*zap.Logger, error) {
	lcfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", lcfg); err != nil {
		return nil, err
	}
	if stderr {
		lcfg.Output.Stdout = false
		lcfg.Output.Stderr = true
	}
	return logging.New(lcfg, nil)
}

func (d *dependencies) initStore(cfg config.CheckpointConfig) error {
	var store checkpoint.Store
	switch cfg.Backend {
	case "memory":
		store = checkpoint.NewMemoryStore()
	case "nats":
		nc, err := d.natsConn(cfg.NATSURL)
		if err != nil {
			return err
		}
		s, err := checkpoint.NewNATSStore(nc, checkpoint.NATSConfig{Bucket: cfg.NATSBucket})
		if err != nil {
			return fmt.Errorf("failed to open checkpoint bucket: %w", err)
		}
		store = s
	default:
		s, err := checkpoint.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		store = s
	}
	d.store = checkpoint.Instrument(store, cfg.Backend, d.logger)
	return nil
}

func (d *dependencies) initEvents(cfg config.EventsConfig) (events.Sink, error) {
	d.broadcaster = events.NewBroadcaster()
	sinks := events.Multi{d.broadcaster}
	if cfg.NATSEnabled {
		nc, err := d.natsConn(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, events.NewNATSPublisher(nc, cfg.SubjectPrefix))
	}
	return sinks, nil
}

// initCapabilities builds the providers enabled by cfg. File operations are
// always available; the others need their configuration.
func initCapabilities(ctx context.Context, cfg config.CapabilitiesConfig, logger *zap.Logger) ([]capability.Capability, error) {
	ws, err := fileops.New(cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("file capabilities: %w", err)
	}
	caps := ws.Capabilities()

	if cfg.ShellEnabled {
		sh, err := shell.New(shell.Config{WorkDir: cfg.Workdir})
		if err != nil {
			return nil, fmt.Errorf("shell capability: %w", err)
		}
		caps = append(caps, sh)
	}

	if cfg.GitRepo != "" {
		repo, err := git.New(git.Config{
			RepoPath:    cfg.GitRepo,
			AuthorName:  cfg.GitAuthorName,
			AuthorEmail: cfg.GitAuthorEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("git capabilities: %w", err)
		}
		caps = append(caps, repo.Capabilities()...)
	}

	if cfg.GitHubToken.IsSet() && cfg.GitHubOwner != "" && cfg.GitHubRepo != "" {
		tracker, err := ticket.New(ctx, ticket.Config{
			Token:  cfg.GitHubToken,
			Owner:  cfg.GitHubOwner,
			Repo:   cfg.GitHubRepo,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("ticket capabilities: %w", err)
		}
		caps = append(caps, tracker.Capabilities()...)
	}

	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("email capability: %w", err)
		}
		caps = append(caps, email.New(sender, cfg.SMTPFrom).Capability())
	}

	logger.Debug("capabilities ready", zap.Int("count", len(caps)))
	return caps, nil
}
