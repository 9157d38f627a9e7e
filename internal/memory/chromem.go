package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("orbit.memory.chromem")

// ChromemStore keeps memories in an embedded chromem-go database. An empty
// Path keeps everything in process memory.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embeddings.Embedder
	logger     *zap.Logger
}

// NewChromemStore opens the store.
func NewChromemStore(cfg Config, embedder embeddings.Embedder, opts ...Option) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	cfg.ApplyDefaults()
	o := buildOptions(opts)

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	o.logger.Info("memory store initialized",
		zap.String("provider", "chromem"),
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
	)
	return &ChromemStore{db: db, collection: collection, embedder: embedder, logger: o.logger}, nil
}

// Remember implements Store.
func (s *ChromemStore) Remember(ctx context.Context, r Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Remember")
	defer span.End()

	if r.ID == "" {
		r.ID = recordID(r)
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, []string{r.Text})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("embedding memory: %w", err)
	}
	doc := chromem.Document{
		ID:      r.ID,
		Content: r.Text,
		Metadata: map[string]string{
			"user_id": r.UserID,
			"task_id": r.TaskID,
			"at":      strconv.FormatInt(r.At.UnixNano(), 10),
		},
		Embedding: vectors[0],
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		return fmt.Errorf("adding memory: %w", err)
	}
	return nil
}

// Recall implements Store.
func (s *ChromemStore) Recall(ctx context.Context, userID, query string, k int) ([]Record, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Recall")
	defer span.End()

	if query == "" {
		return nil, ErrEmptyQuery
	}
	// chromem requires nResults <= document count
	count := s.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := s.collection.Query(ctx, query, k, map[string]string{"user_id": userID}, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	out := make([]Record, 0, len(results))
	for _, res := range results {
		nanos, _ := strconv.ParseInt(res.Metadata["at"], 10, 64)
		out = append(out, Record{
			ID:     res.ID,
			UserID: res.Metadata["user_id"],
			TaskID: res.Metadata["task_id"],
			Text:   res.Content,
			At:     time.Unix(0, nanos).UTC(),
			Score:  res.Similarity,
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Close implements Store.
func (s *ChromemStore) Close() error { return nil }

func recordID(r Record) string {
	return fmt.Sprintf("%s_%d", r.TaskID, r.At.UnixNano())
}
