// Package vectorid maps domain-entity ids to vector-store point ids.
//
// The mapping is a name-based UUID (version 5) over a fixed namespace, so
// the same entity id always yields the same point id across processes and
// restarts. That makes indexing idempotent (re-syncing an entity upserts
// instead of duplicating) and lets delete-by-entity-id work without a
// lookup table.
package vectorid

import "github.com/google/uuid"

// namespace is fixed for the lifetime of the system. Changing it would
// orphan every previously indexed point.
var namespace = uuid.MustParse("9f2c1d6e-4b8a-4f3e-9c7d-2a5e8b1f6c3d")

// FromEntityID returns the deterministic vector-store id for an entity id.
func FromEntityID(entityID string) string {
	return uuid.NewSHA1(namespace, []byte(entityID)).String()
}
