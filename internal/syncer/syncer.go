// Package syncer translates domain-entity lifecycle events into
// deterministic vector ids and queue jobs. It is the only surface feature
// modules call, and it never blocks them: enqueue failures are logged and
// swallowed, because indexing is best-effort relative to the entity's own
// create/update/delete transaction.
package syncer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/facilityos/knowledge-engine/internal/domain"
	"github.com/facilityos/knowledge-engine/internal/queue"
	"github.com/facilityos/knowledge-engine/internal/vectorid"
)

// DefaultBatchSize is how many records share one batch job in BulkSync.
const DefaultBatchSize = 50

// VectorDeleter is the single store operation the delete path needs.
type VectorDeleter interface {
	Delete(ctx context.Context, ids ...string) error
}

// Deactivator is the single ledger operation the delete path needs.
type Deactivator interface {
	Deactivate(ctx context.Context, vectorID string) error
}

// BulkSyncResult counts how a bulk sync was queued. Processing happens
// later in the worker; BulkSync never waits for it.
type BulkSyncResult struct {
	Queued int
	Failed int
}

// Coordinator wires lifecycle events to the indexing queue.
type Coordinator struct {
	producer  queue.Producer
	index     VectorDeleter
	ledger    Deactivator
	batchSize int
	logger    *slog.Logger
}

// New creates a coordinator. batchSize <= 0 uses DefaultBatchSize.
func New(producer queue.Producer, index VectorDeleter, ledger Deactivator, batchSize int, logger *slog.Logger) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		producer:  producer,
		index:     index,
		ledger:    ledger,
		batchSize: batchSize,
		logger:    logger,
	}
}

// OnCreated enqueues a single indexing job for a newly created record.
func (c *Coordinator) OnCreated(ctx context.Context, rec domain.Record) {
	job := indexJob(rec)
	if err := c.producer.EnqueueSingle(ctx, job); err != nil {
		c.logger.Error("failed to enqueue indexing for created record",
			"source_type", rec.Type, "source_id", rec.ID, "error", err)
	}
}

// OnUpdated re-enqueues a full indexing job after a content change. The
// deterministic vector id makes the worker's upsert replace the old entry.
func (c *Coordinator) OnUpdated(ctx context.Context, rec domain.Record) {
	job := indexJob(rec)
	if err := c.producer.EnqueueSingle(ctx, job); err != nil {
		c.logger.Error("failed to enqueue re-indexing for updated record",
			"source_type", rec.Type, "source_id", rec.ID, "error", err)
	}
}

// OnMetadataUpdated enqueues a payload-only update for changes that don't
// touch the indexed text (status flips and the like), bypassing
// re-embedding entirely.
func (c *Coordinator) OnMetadataUpdated(ctx context.Context, rec domain.Record) {
	patch := metadataPatch(rec)
	if len(patch) == 0 {
		c.logger.Debug("metadata update carries no indexable fields; skipping",
			"source_type", rec.Type, "source_id", rec.ID)
		return
	}

	job := queue.MetadataJob{
		VectorID:   vectorid.FromEntityID(rec.ID),
		SourceType: rec.Type,
		SourceID:   rec.ID,
		Payload:    patch,
	}
	if err := c.producer.EnqueueMetadata(ctx, job); err != nil {
		c.logger.Error("failed to enqueue metadata update",
			"source_type", rec.Type, "source_id", rec.ID, "error", err)
	}
}

// OnDeleted removes the vector-store entry by its derived id and marks the
// ledger entry inactive. Both operations tolerate absence, so a delete
// racing a still-queued create does not fail; the create completing later
// wins and the next bulk sync reconciles.
func (c *Coordinator) OnDeleted(ctx context.Context, sourceType domain.SourceType, sourceID string) {
	vid := vectorid.FromEntityID(sourceID)

	if err := c.index.Delete(ctx, vid); err != nil {
		c.logger.Error("failed to delete vector entry",
			"source_type", sourceType, "source_id", sourceID, "error", err)
	}
	if err := c.ledger.Deactivate(ctx, vid); err != nil {
		c.logger.Error("failed to deactivate tracker entry",
			"source_type", sourceType, "source_id", sourceID, "error", err)
	}
}

// BulkSync batches records and enqueues one batch job per group, returning
// how many records were queued and how many failed to queue.
func (c *Coordinator) BulkSync(ctx context.Context, records []domain.Record) BulkSyncResult {
	var result BulkSyncResult

	for i := 0; i < len(records); i += c.batchSize {
		end := min(i+c.batchSize, len(records))
		group := records[i:end]

		batch := queue.BatchJob{Items: make([]queue.IndexJob, len(group))}
		for j, rec := range group {
			batch.Items[j] = indexJob(rec)
		}

		if err := c.producer.EnqueueBatch(ctx, batch); err != nil {
			c.logger.Error("failed to enqueue sync batch",
				"from", i, "to", end, "error", err)
			result.Failed += len(group)
			continue
		}
		result.Queued += len(group)
	}

	c.logger.Info("bulk sync queued", "queued", result.Queued, "failed", result.Failed)
	return result
}

func indexJob(rec domain.Record) queue.IndexJob {
	return queue.IndexJob{
		VectorID:   vectorid.FromEntityID(rec.ID),
		SourceType: rec.Type,
		SourceID:   rec.ID,
		Text:       indexableText(rec),
		Metadata:   recordMetadata(rec),
	}
}

// indexableText serializes a record into the text that gets embedded,
// with a per-source-type shape.
func indexableText(rec domain.Record) string {
	var b strings.Builder

	switch rec.Type {
	case domain.SourceReport:
		b.WriteString("Incident report: " + rec.Title + "\n")
	case domain.SourceFAQ:
		b.WriteString("FAQ: " + rec.Title + "\n")
	case domain.SourceFacility:
		b.WriteString("Facility: " + rec.Title + "\n")
	case domain.SourceSOP:
		b.WriteString("Procedure: " + rec.Title + "\n")
	default:
		b.WriteString(rec.Title + "\n")
	}

	if rec.Location != "" {
		b.WriteString("Location: " + rec.Location + "\n")
	}
	if rec.Category != "" {
		b.WriteString("Category: " + rec.Category + "\n")
	}
	if len(rec.Tags) > 0 {
		b.WriteString("Tags: " + strings.Join(rec.Tags, ", ") + "\n")
	}
	b.WriteString(rec.Content)

	return b.String()
}

// recordMetadata extracts the payload metadata stored alongside the vector.
func recordMetadata(rec domain.Record) map[string]any {
	meta := map[string]any{
		"title": rec.Title,
	}
	if rec.Category != "" {
		meta["category"] = rec.Category
	}
	if len(rec.Tags) > 0 {
		meta["tags"] = rec.Tags
	}
	if rec.Location != "" {
		meta["location"] = rec.Location
	}
	if rec.Status != "" {
		meta["status"] = rec.Status
	}
	if !rec.CreatedAt.IsZero() {
		meta["created_at"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	return meta
}

// metadataPatch builds the payload-only update for a metadata change.
func metadataPatch(rec domain.Record) map[string]any {
	patch := make(map[string]any)
	if rec.Status != "" {
		patch["status"] = rec.Status
	}
	if rec.Title != "" {
		patch["title"] = rec.Title
	}
	if rec.Category != "" {
		patch["category"] = rec.Category
	}
	if rec.Location != "" {
		patch["location"] = rec.Location
	}
	return patch
}
