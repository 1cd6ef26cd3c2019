package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveCollection_EncodesDimension(t *testing.T) {
	coll := ResolveCollection("knowledge", 1536)
	assert.Equal(t, "knowledge_1536", coll.Name)
	assert.Equal(t, 1536, coll.Dimension)

	other := ResolveCollection("knowledge", 768)
	assert.NotEqual(t, coll.Name, other.Name,
		"different dimensions must resolve to different collections")
}

// Dimension validation happens before any network call, so it is testable
// against a store with no live connection.
func TestBatchUpsert_RejectsWrongDimensionBeforeWrite(t *testing.T) {
	s := &Store{coll: CollectionConfig{Name: "knowledge_1536", Dimension: 1536}}

	err := s.BatchUpsert(context.Background(), []Point{
		{ID: "p1", Vector: make([]float32, 512)},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "512")
	assert.Contains(t, err.Error(), "1536")
}

func TestSearch_RejectsWrongQueryDimension(t *testing.T) {
	s := &Store{coll: CollectionConfig{Name: "knowledge_1536", Dimension: 1536}}

	_, err := s.Search(context.Background(), make([]float32, 3), SearchOptions{Limit: 5})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBatchUpsert_EmptyIsNoop(t *testing.T) {
	s := &Store{coll: CollectionConfig{Name: "knowledge_1536", Dimension: 1536}}
	assert.NoError(t, s.BatchUpsert(context.Background(), nil))
}
