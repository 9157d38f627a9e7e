package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/orbit/internal/config"
)

var (
	// ErrInvalidConfig indicates an unusable memory configuration.
	ErrInvalidConfig = errors.New("invalid memory configuration")

	// ErrEmptyQuery is returned by Recall for a blank query.
	ErrEmptyQuery = errors.New("empty recall query")
)

// Record is one remembered exchange.
type Record struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	TaskID string    `json:"task_id"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
	Score  float32   `json:"score,omitempty"`
}

// Store remembers and recalls records scoped to a user.
type Store interface {
	Remember(ctx context.Context, r Record) error
	Recall(ctx context.Context, userID, query string, k int) ([]Record, error)
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	Enabled    bool            `koanf:"enabled"`
	Provider   string          `koanf:"provider"`
	Path       string          `koanf:"path"`
	Collection string          `koanf:"collection"`
	TopK       int             `koanf:"top_k"`
	QdrantHost string          `koanf:"qdrant_host"`
	QdrantPort int             `koanf:"qdrant_port"`
	VectorSize int             `koanf:"vector_size"`
	Embeddings EmbeddingConfig `koanf:"embeddings"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "chromem"
	}
	if c.Collection == "" {
		c.Collection = "orbit_memory"
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.QdrantHost == "" {
		c.QdrantHost = "localhost"
	}
	if c.QdrantPort == 0 {
		c.QdrantPort = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	c.Embeddings.applyDefaults()
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("%w: embeddings base URL required", ErrInvalidConfig)
	}
	return nil
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint
// (OpenAI, TEI, Ollama).
type EmbeddingConfig struct {
	BaseURL string        `koanf:"base_url"`
	Model   string        `koanf:"model"`
	APIKey  config.Secret `koanf:"api_key"`
}

func (c *EmbeddingConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080/v1"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
}

// NewEmbedder builds a langchaingo embedder over an OpenAI-compatible API.
func NewEmbedder(cfg EmbeddingConfig) (embeddings.Embedder, error) {
	cfg.applyDefaults()
	token := cfg.APIKey.Value()
	if token == "" {
		// TEI and Ollama ignore the token but the client requires one.
		token = "unused"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return embedder, nil
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config, embedder embeddings.Embedder, opts ...Option) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "qdrant":
		return NewQdrantStore(ctx, cfg, embedder, opts...)
	default:
		return NewChromemStore(cfg, embedder, opts...)
	}
}

// Format renders recalled records as prompt context lines.
func Format(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		text := strings.TrimSpace(r.Text)
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}
