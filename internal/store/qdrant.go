// Package store adapts Qdrant to the narrow vector-store surface the
// indexing and retrieval layers need: idempotent collection setup, chunked
// upserts, filtered similarity search, delete and payload-only updates.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
)

// upsertBatchSize bounds points per upsert request so a large batch job
// never produces an oversized gRPC message.
const upsertBatchSize = 100

// Store wraps the Qdrant client with connection management, health checks
// and dimension enforcement for a single collection.
type Store struct {
	client *qdrant.Client
	coll   CollectionConfig
	logger *slog.Logger
}

// New creates a Store bound to one collection config. It performs a health
// check with retry on startup and fails fast if Qdrant is unreachable.
func New(host string, port int, coll CollectionConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &Store{
		client: client,
		coll:   coll,
		logger: logger,
	}

	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return s, nil
}

// Collection returns the immutable collection config this store serves.
func (s *Store) Collection() CollectionConfig {
	return s.coll
}

// healthCheckWithRetry performs the startup health check with exponential
// backoff. Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return s.Health(ctx)
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// Health performs a single health check against Qdrant.
func (s *Store) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// EnsureCollection creates the collection if it does not exist, using the
// dimension resolved from the active embedding provider. If a collection
// with the same name already exists with a different dimension, it logs a
// loud warning and leaves the data untouched rather than destroying it.
// Idempotent - safe to call multiple times.
func (s *Store) EnsureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, name := range collections {
		if name != s.coll.Name {
			continue
		}
		info, err := s.client.GetCollectionInfo(ctx, s.coll.Name)
		if err != nil {
			return fmt.Errorf("failed to inspect collection %s: %w", s.coll.Name, err)
		}
		existing := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
		if existing != uint64(s.coll.Dimension) {
			s.logger.Warn("collection exists with different vector dimension; refusing to recreate",
				"collection", s.coll.Name,
				"existing_dimension", existing,
				"configured_dimension", s.coll.Dimension,
			)
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.coll.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.coll.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", s.coll.Name, err)
	}

	if err := s.createPayloadIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}

	s.logger.Info("created collection", "collection", s.coll.Name, "dimension", s.coll.Dimension)
	return nil
}

// createPayloadIndexes creates indexes for the filterable payload fields.
func (s *Store) createPayloadIndexes(ctx context.Context) error {
	fields := []string{
		PayloadSourceType,
		PayloadSourceID,
		PayloadCategory,
		PayloadStatus,
	}

	for _, field := range fields {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.coll.Name,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}

	return nil
}

// validateDimension rejects vectors that don't match the collection before
// anything reaches the wire. Mismatches are a hard error, never a silent
// truncation.
func (s *Store) validateDimension(vector []float32, what string) error {
	if len(vector) != s.coll.Dimension {
		return fmt.Errorf("%w: %s has %d dimensions, collection %s expects %d",
			ErrDimensionMismatch, what, len(vector), s.coll.Name, s.coll.Dimension)
	}
	return nil
}

// upsertWithRetry performs an upsert with exponential backoff retry.
func (s *Store) upsertWithRetry(ctx context.Context, points []*qdrant.PointStruct) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.coll.Name,
			Points:         points,
		})
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(exponentialBackoff, ctx))
}

// Upsert stores a single point, keyed by its deterministic id.
func (s *Store) Upsert(ctx context.Context, p Point) error {
	return s.BatchUpsert(ctx, []Point{p})
}

// BatchUpsert stores points in chunks of upsertBatchSize. All vectors are
// validated against the collection dimension before any write happens, so
// a mismatch anywhere in the batch writes nothing.
func (s *Store) BatchUpsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	for i, p := range points {
		if err := s.validateDimension(p.Vector, fmt.Sprintf("point %d (%s)", i, p.ID)); err != nil {
			return err
		}
	}

	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		batch := points[i:end]

		structs := make([]*qdrant.PointStruct, len(batch))
		for j, p := range batch {
			structs[j] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(p.Payload),
			}
		}

		if err := s.upsertWithRetry(ctx, structs); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}

	return nil
}

// Search performs a similarity search and returns hits ordered by score
// descending, as scored by Qdrant.
func (s *Store) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]ScoredPoint, error) {
	if err := s.validateDimension(vector, "query"); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var filter *qdrant.Filter
	if len(opts.SourceTypes) > 0 {
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchKeywords(PayloadSourceType, opts.SourceTypes...),
			},
		}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.coll.Name,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: opts.ScoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search collection %s: %w", s.coll.Name, err)
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, result := range results {
		hits = append(hits, ScoredPoint{
			ID:      result.Id.GetUuid(),
			Score:   float64(result.Score),
			Payload: decodePayload(result.Payload),
		})
	}

	return hits, nil
}

// Delete removes points by id. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.coll.Name,
		Points:         qdrant.NewPointsSelector(pointIDs(ids)...),
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// UpdatePayload merges payload fields into existing points without touching
// their vectors. Used for metadata-only updates that bypass re-embedding.
func (s *Store) UpdatePayload(ctx context.Context, payload map[string]any, ids ...string) error {
	if len(ids) == 0 || len(payload) == 0 {
		return nil
	}

	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.coll.Name,
		Payload:        qdrant.NewValueMap(payload),
		PointsSelector: qdrant.NewPointsSelector(pointIDs(ids)...),
	})
	if err != nil {
		return fmt.Errorf("failed to update payload: %w", err)
	}
	return nil
}

// GetCollectionInfo retrieves collection statistics.
func (s *Store) GetCollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	collection, err := s.client.GetCollectionInfo(ctx, s.coll.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", s.coll.Name, err)
	}

	return &CollectionInfo{
		PointsCount: collection.GetPointsCount(),
		Dimension:   collection.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(),
	}, nil
}

// Close closes the underlying client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func pointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewIDUUID(id)
	}
	return out
}

// decodePayload converts a Qdrant value map into plain Go values. Only the
// value kinds the indexing worker writes are handled: strings, integers,
// doubles, bools and lists of strings.
func decodePayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, val := range payload {
		switch kind := val.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[key] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = kind.BoolValue
		case *qdrant.Value_ListValue:
			var items []string
			for _, item := range kind.ListValue.GetValues() {
				items = append(items, item.GetStringValue())
			}
			out[key] = items
		}
	}
	return out
}
