// Package domain holds the source-record model shared by the sync,
// indexing and retrieval layers. Feature modules (reports, knowledge base)
// hand a flattened Record to the sync coordinator after their own
// persistence transaction commits.
package domain

import "time"

// SourceType identifies which kind of domain record an index entry came from.
type SourceType string

const (
	SourceReport   SourceType = "report"
	SourceFAQ      SourceType = "faq"
	SourceFacility SourceType = "facility"
	SourceSOP      SourceType = "sop"
)

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceReport, SourceFAQ, SourceFacility, SourceSOP:
		return true
	}
	return false
}

// Record is the lifecycle payload for an indexable domain entity.
// ID is the entity's own opaque id; the vector-store id is derived from it
// deterministically and never stored on the record itself.
type Record struct {
	ID        string     `json:"id"`
	Type      SourceType `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Category  string     `json:"category,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Location  string     `json:"location,omitempty"`
	Status    string     `json:"status,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}
