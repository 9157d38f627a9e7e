package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("orbit.memory.qdrant")

// QdrantStore keeps memories in a Qdrant collection over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	embedder   embeddings.Embedder
	logger     *zap.Logger
}

// NewQdrantStore connects and creates the collection if it is missing.
func NewQdrantStore(ctx context.Context, cfg Config, embedder embeddings.Embedder, opts ...Option) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	cfg.ApplyDefaults()
	o := buildOptions(opts)

	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.QdrantHost, Port: cfg.QdrantPort})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	s := &QdrantStore{client: client, collection: cfg.Collection, embedder: embedder, logger: o.logger}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.ensureCollection(ctx, cfg.VectorSize); err != nil {
		_ = client.Close()
		return nil, err
	}
	o.logger.Info("memory store initialized",
		zap.String("provider", "qdrant"),
		zap.String("host", cfg.QdrantHost),
		zap.String("collection", cfg.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	_, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(vectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	return nil
}

// Remember implements Store.
func (s *QdrantStore) Remember(ctx context.Context, r Record) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Remember")
	defer span.End()

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{r.Text})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("embedding memory: %w", err)
	}
	id := r.ID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(id),
			Vectors: qdrant.NewVectors(vectors[0]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"user_id": r.UserID,
				"task_id": r.TaskID,
				"text":    r.Text,
				"at":      r.At.UnixNano(),
			}),
		}},
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upserting memory: %w", err)
	}
	return nil
}

// Recall implements Store.
func (s *QdrantStore) Recall(ctx context.Context, userID, query string, k int) ([]Record, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Recall")
	defer span.End()

	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)},
		},
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	out := make([]Record, 0, len(points))
	for _, p := range points {
		pl := p.GetPayload()
		out = append(out, Record{
			ID:     p.GetId().GetUuid(),
			UserID: pl["user_id"].GetStringValue(),
			TaskID: pl["task_id"].GetStringValue(),
			Text:   pl["text"].GetStringValue(),
			At:     time.Unix(0, pl["at"].GetIntegerValue()).UTC(),
			Score:  p.GetScore(),
		})
	}
	return out, nil
}

// Close implements Store.
func (s *QdrantStore) Close() error { return s.client.Close() }
