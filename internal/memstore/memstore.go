// Package memstore is the long-term memory facade: text in, embeddings out to
// Qdrant, semantic recall back. Callers never see vectors.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/qdrant/go-client/qdrant"
)

// Record is one recalled memory with its payload and raw L2 distance.
type Record struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Source   string         `json:"source"`
	Distance float64        `json:"distance"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Config for the vector store and embedding model.
type Config struct {
	Host           string
	Port           int
	Collection     string
	Dimension      int
	EmbeddingModel string
}

// Store owns the Qdrant collection and the embedding client.
type Store struct {
	client *qdrant.Client
	embed  openai.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config, baseURL, apiKey string, logger *slog.Logger) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = "knowledge"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 384
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: cfg.Host, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	embed := openai.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey(apiKey))
	return &Store{
		client: client,
		embed:  embed,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection if it does not exist. Distance is
// Euclid so recall thresholds are raw L2 distances (smaller = closer).
func (s *Store) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("check collection %q: %w", s.cfg.Collection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimension),
			Distance: qdrant.Distance_Euclid,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %q: %w", s.cfg.Collection, err)
	}
	s.logger.Info("created vector collection", "collection", s.cfg.Collection, "dimension", s.cfg.Dimension)
	return nil
}

// Memorize embeds text and upserts it. A non-empty docID is the authoritative
// point id, so re-memorizing the same docID overwrites the prior vector and
// payload instead of accumulating duplicates.
func (s *Store) Memorize(ctx context.Context, text, source string, metadata map[string]any, docID string) (string, error) {
	vec, err := s.embedText(ctx, text)
	if err != nil {
		return "", err
	}

	id := docID
	if id == "" {
		id = uuid.NewString()
	}

	payload := buildPayload(text, source, metadata, s.now())

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("upsert memory: %w", err)
	}
	s.logger.Info("memorized", "id", id, "source", source, "chars", len(text))
	return id, nil
}

// Recall returns up to k memory texts whose L2 distance to the query is
// strictly below threshold, closest first.
func (s *Store) Recall(ctx context.Context, query string, k int, threshold float64) ([]string, error) {
	records, err := s.recall(ctx, query, k, &threshold, "")
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(records))
	for _, r := range records {
		texts = append(texts, r.Text)
	}
	return texts, nil
}

// RecallWithMetadata returns full records, optionally filtered by source and
// by a distance threshold (nil disables the cutoff).
func (s *Store) RecallWithMetadata(ctx context.Context, query string, k int, threshold *float64, source string) ([]Record, error) {
	return s.recall(ctx, query, k, threshold, source)
}

func (s *Store) recall(ctx context.Context, query string, k int, threshold *float64, source string) ([]Record, error) {
	if k <= 0 {
		k = 3
	}
	vec, err := s.embedText(ctx, query)
	if err != nil {
		return nil, err
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if source != "" {
		req.Filter = &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("source", source)},
		}
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	var out []Record
	for _, p := range points {
		// Qdrant reports Euclid scores as distances; smaller is closer.
		dist := float64(p.GetScore())
		if threshold != nil && dist >= *threshold {
			continue
		}
		out = append(out, pointToRecord(p, dist))
	}
	return out, nil
}

// buildPayload stamps every stored point with its text, source, and an
// RFC3339 timestamp; caller metadata rides along under its own keys.
func buildPayload(text, source string, metadata map[string]any, now time.Time) map[string]any {
	payload := map[string]any{
		"text":      text,
		"source":    source,
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		payload[k] = v
	}
	return payload
}

func pointToRecord(p *qdrant.ScoredPoint, dist float64) Record {
	rec := Record{Distance: dist, Metadata: map[string]any{}}
	if id := p.GetId(); id != nil {
		rec.ID = id.GetUuid()
	}
	for k, v := range p.GetPayload() {
		switch k {
		case "text":
			rec.Text = v.GetStringValue()
		case "source":
			rec.Source = v.GetStringValue()
		default:
			rec.Metadata[k] = valueToAny(v)
		}
	}
	return rec
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.String()
	}
}

func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.embed.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(s.cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed text: empty response")
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, f := range resp.Data[0].Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}
