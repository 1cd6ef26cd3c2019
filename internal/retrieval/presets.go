package retrieval

import (
	"context"

	"github.com/facilityos/knowledge-engine/internal/domain"
)

// The specialized entry points below are the same query sequence with
// different source-type filters and tuning. They exist so chat-facing
// callers don't each re-derive the right filter set.

// ChatFAQ answers resident questions from FAQs and operating procedures,
// with conversation memory when a user id is given.
func (e *Engine) ChatFAQ(ctx context.Context, text, userID string) (*Answer, error) {
	return e.Query(ctx, text, Options{
		SourceTypes: []domain.SourceType{domain.SourceFAQ, domain.SourceSOP},
		UserID:      userID,
	})
}

// SearchFacilities answers questions about facility records only.
func (e *Engine) SearchFacilities(ctx context.Context, text string) (*Answer, error) {
	return e.Query(ctx, text, Options{
		SourceTypes: []domain.SourceType{domain.SourceFacility},
	})
}

// SearchSOPs answers questions about operating procedures only.
func (e *Engine) SearchSOPs(ctx context.Context, text string) (*Answer, error) {
	return e.Query(ctx, text, Options{
		SourceTypes: []domain.SourceType{domain.SourceSOP},
	})
}

// SimilarReports finds incident reports resembling the given description.
// It fetches a wider candidate set and demands a higher relevance floor
// than the conversational paths, since callers use it to spot duplicates.
func (e *Engine) SimilarReports(ctx context.Context, text string) (*Answer, error) {
	return e.Query(ctx, text, Options{
		SourceTypes: []domain.SourceType{domain.SourceReport},
		TopK:        10,
		MinScore:    0.5,
	})
}
