// Package worker consumes indexing jobs and drives the embedding provider,
// vector store and index tracker to materialize index entries. It is the
// only component that writes vector-store points.
//
// Handler errors propagate to the queue, whose bounded exponential-backoff
// retry re-schedules the job; structurally invalid payloads are dropped
// without retry. Jobs are idempotent: the deterministic vector id makes
// re-processing converge to the same store and ledger state, so
// at-least-once delivery needs no distributed lock.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/facilityos/knowledge-engine/internal/embedding"
	"github.com/facilityos/knowledge-engine/internal/queue"
	"github.com/facilityos/knowledge-engine/internal/store"
	"github.com/facilityos/knowledge-engine/internal/tracker"
)

// DefaultPreviewRunes bounds the content preview stored in point payloads.
// The full text lives in the tracker ledger.
const DefaultPreviewRunes = 500

// VectorIndex is the slice of the store the worker writes through.
type VectorIndex interface {
	Upsert(ctx context.Context, p store.Point) error
	BatchUpsert(ctx context.Context, points []store.Point) error
	UpdatePayload(ctx context.Context, payload map[string]any, ids ...string) error
}

// Ledger is the slice of the tracker the worker writes through.
type Ledger interface {
	Upsert(ctx context.Context, e tracker.Entry) error
	BulkUpsert(ctx context.Context, entries []tracker.Entry) error
	PatchMetadata(ctx context.Context, vectorID string, patch map[string]any) error
}

// Worker executes indexing jobs.
type Worker struct {
	embedder     embedding.Provider
	index        VectorIndex
	ledger       Ledger
	previewRunes int
	logger       *slog.Logger
}

// New creates a worker. previewRunes <= 0 uses DefaultPreviewRunes.
func New(embedder embedding.Provider, index VectorIndex, ledger Ledger, previewRunes int, logger *slog.Logger) *Worker {
	if previewRunes <= 0 {
		previewRunes = DefaultPreviewRunes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		embedder:     embedder,
		index:        index,
		ledger:       ledger,
		previewRunes: previewRunes,
		logger:       logger,
	}
}

// Mux returns the task router for this worker's job types.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeIndexSingle, w.HandleSingle)
	mux.HandleFunc(queue.TypeIndexBatch, w.HandleBatch)
	mux.HandleFunc(queue.TypeIndexMetadata, w.HandleMetadata)
	return mux
}

// HandleSingle embeds one text, upserts its point, then upserts its ledger
// entry. Milestones are logged after each stage.
func (w *Worker) HandleSingle(ctx context.Context, task *asynq.Task) error {
	var job queue.IndexJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		w.logger.Error("dropping malformed single job", "error", err)
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		w.logger.Error("dropping invalid single job", "error", err, "vector_id", job.VectorID)
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}

	vector, err := w.embedder.Embed(ctx, job.Text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", job.VectorID, err)
	}
	w.logger.Info("embedding generated", "vector_id", job.VectorID, "progress", 33)

	point := store.Point{
		ID:      job.VectorID,
		Vector:  vector,
		Payload: pointPayload(job, w.previewRunes),
	}
	if err := w.index.Upsert(ctx, point); err != nil {
		return fmt.Errorf("upsert point %s: %w", job.VectorID, err)
	}
	w.logger.Info("vector upserted", "vector_id", job.VectorID, "progress", 66)

	if err := w.ledger.Upsert(ctx, ledgerEntry(job, len(vector))); err != nil {
		return fmt.Errorf("upsert tracker entry %s: %w", job.VectorID, err)
	}
	w.logger.Info("tracker updated", "vector_id", job.VectorID, "progress", 100)

	return nil
}

// HandleBatch embeds all texts in one batched call (the provider chunks
// internally), upserts all points, then bulk-writes the ledger. The batch
// succeeds or retries as a unit.
func (w *Worker) HandleBatch(ctx context.Context, task *asynq.Task) error {
	var job queue.BatchJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		w.logger.Error("dropping malformed batch job", "error", err)
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		w.logger.Error("dropping invalid batch job", "error", err)
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}

	texts := make([]string, len(job.Items))
	for i, item := range job.Items {
		texts[i] = item.Text
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch of %d: %w", len(texts), err)
	}
	if len(vectors) != len(job.Items) {
		return fmt.Errorf("embed batch returned %d vectors for %d items", len(vectors), len(job.Items))
	}
	w.logger.Info("batch embeddings generated", "items", len(job.Items), "progress", 33)

	points := make([]store.Point, len(job.Items))
	entries := make([]tracker.Entry, len(job.Items))
	for i, item := range job.Items {
		points[i] = store.Point{
			ID:      item.VectorID,
			Vector:  vectors[i],
			Payload: pointPayload(item, w.previewRunes),
		}
		entries[i] = ledgerEntry(item, len(vectors[i]))
	}

	if err := w.index.BatchUpsert(ctx, points); err != nil {
		return fmt.Errorf("batch upsert %d points: %w", len(points), err)
	}
	w.logger.Info("batch vectors upserted", "items", len(points), "progress", 66)

	if err := w.ledger.BulkUpsert(ctx, entries); err != nil {
		return fmt.Errorf("bulk upsert %d tracker entries: %w", len(entries), err)
	}
	w.logger.Info("batch tracker updated", "items", len(entries), "progress", 100)

	return nil
}

// HandleMetadata merges payload fields into an existing point and patches
// the ledger, without re-embedding. A tracker miss is returned as-is so the
// queue retries: the create job for the entity may still be in flight.
func (w *Worker) HandleMetadata(ctx context.Context, task *asynq.Task) error {
	var job queue.MetadataJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		w.logger.Error("dropping malformed metadata job", "error", err)
		return fmt.Errorf("malformed payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := job.Validate(); err != nil {
		w.logger.Error("dropping invalid metadata job", "error", err, "vector_id", job.VectorID)
		return fmt.Errorf("invalid job: %v: %w", err, asynq.SkipRetry)
	}

	if err := w.index.UpdatePayload(ctx, job.Payload, job.VectorID); err != nil {
		return fmt.Errorf("update payload %s: %w", job.VectorID, err)
	}
	if err := w.ledger.PatchMetadata(ctx, job.VectorID, job.Payload); err != nil {
		return fmt.Errorf("patch tracker metadata %s: %w", job.VectorID, err)
	}

	w.logger.Info("metadata updated", "vector_id", job.VectorID)
	return nil
}

// pointPayload builds the vector-store payload: source identity, a bounded
// content preview, and the job's metadata fields.
func pointPayload(job queue.IndexJob, previewRunes int) map[string]any {
	payload := map[string]any{
		store.PayloadSourceType: string(job.SourceType),
		store.PayloadSourceID:   job.SourceID,
		store.PayloadContent:    previewOf(job.Text, previewRunes),
	}
	for k, v := range job.Metadata {
		payload[k] = v
	}
	return payload
}

func ledgerEntry(job queue.IndexJob, dimension int) tracker.Entry {
	return tracker.Entry{
		VectorID:           job.VectorID,
		SourceType:         job.SourceType,
		SourceID:           job.SourceID,
		Content:            job.Text,
		Metadata:           job.Metadata,
		EmbeddingDimension: dimension,
		LastSyncedAt:       time.Now().UTC(),
		IsActive:           true,
	}
}

// previewOf bounds s to n runes.
func previewOf(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
