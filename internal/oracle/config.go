package oracle

import (
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/orbit/internal/config"
)

// Provider defaults.
const (
	DefaultProvider    = "openai"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultTimeout     = 60 * time.Second
	DefaultMaxRetries  = 3
	DefaultRateLimit   = 2.0 // requests per second
	DefaultBurst       = 4
	defaultBaseBackoff = time.Second
)

// Config configures the oracle.
type Config struct {
	Provider   string        `koanf:"provider"` // openai, anthropic or ollama
	Model      string        `koanf:"model"`
	BaseURL    string        `koanf:"base_url"`
	APIKey     config.Secret `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
}

// NewModel builds the langchaingo model for the configured provider.
func NewModel(cfg Config) (llms.Model, error) {
	cfg.ApplyDefaults()

	switch cfg.Provider {
	case "openai":
		model := cfg.Model
		if model == "" {
			model = DefaultOpenAIModel
		}
		opts := []openai.Option{openai.WithModel(model)}
		if cfg.APIKey.IsSet() {
			opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return llm, nil

	case "anthropic":
		if !cfg.APIKey.IsSet() {
			return nil, fmt.Errorf("anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey.Value())}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			return nil, fmt.Errorf("anthropic provider does not support base_url")
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return llm, nil

	case "ollama":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama requires a model name")
		}
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return llm, nil
	}
	return nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
}
