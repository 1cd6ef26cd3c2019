package store

import "fmt"

// CollectionConfig identifies the one logical collection this process works
// against. It is resolved once at startup from the active embedding
// provider's dimension and passed around immutably; the adapter never
// mutates collection state lazily on first use.
type CollectionConfig struct {
	Name      string
	Dimension int
}

// ResolveCollection derives the collection config for an embedding
// dimension. The dimension is encoded into the collection name so that
// switching embedding providers can never silently mix incompatible
// vectors inside one collection.
func ResolveCollection(base string, dimension int) CollectionConfig {
	return CollectionConfig{
		Name:      fmt.Sprintf("%s_%d", base, dimension),
		Dimension: dimension,
	}
}

// Point is one vector-store entry: a stable id, the embedding vector, and
// an open payload carrying source identity and display metadata.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	Limit int
	// SourceTypes filters on the payload's source_type field; empty means
	// all source types.
	SourceTypes []string
	// ScoreThreshold, when non-nil, is applied server-side. The retrieval
	// engine deliberately leaves it nil and filters after ranking so it
	// sees the full score distribution.
	ScoreThreshold *float32
}

// CollectionInfo contains collection statistics.
type CollectionInfo struct {
	PointsCount uint64
	Dimension   uint64
}

// Payload field names shared by the indexing worker and retrieval engine.
const (
	PayloadSourceType = "source_type"
	PayloadSourceID   = "source_id"
	PayloadTitle      = "title"
	PayloadContent    = "content"
	PayloadCategory   = "category"
	PayloadTags       = "tags"
	PayloadLocation   = "location"
	PayloadStatus     = "status"
	PayloadCreatedAt  = "created_at"
)
