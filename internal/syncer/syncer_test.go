package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilityos/knowledge-engine/internal/domain"
	"github.com/facilityos/knowledge-engine/internal/queue"
	"github.com/facilityos/knowledge-engine/internal/vectorid"
)

type fakeProducer struct {
	singles  []queue.IndexJob
	batches  []queue.BatchJob
	metas    []queue.MetadataJob
	failWith error
}

func (f *fakeProducer) EnqueueSingle(_ context.Context, job queue.IndexJob) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.singles = append(f.singles, job)
	return nil
}

func (f *fakeProducer) EnqueueBatch(_ context.Context, job queue.BatchJob) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.batches = append(f.batches, job)
	return nil
}

func (f *fakeProducer) EnqueueMetadata(_ context.Context, job queue.MetadataJob) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.metas = append(f.metas, job)
	return nil
}

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) Delete(_ context.Context, ids ...string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

type fakeDeactivator struct {
	deactivated []string
}

func (f *fakeDeactivator) Deactivate(_ context.Context, vectorID string) error {
	f.deactivated = append(f.deactivated, vectorID)
	return nil
}

func sampleReport() domain.Record {
	return domain.Record{
		ID:        "report-6542",
		Type:      domain.SourceReport,
		Title:     "Power outage A1.01",
		Content:   "Mất điện phòng A1.01",
		Category:  "electrical",
		Location:  "A1.01",
		Status:    "open",
		CreatedAt: time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
	}
}

func TestOnCreated_EnqueuesSingleJobWithDeterministicID(t *testing.T) {
	producer := &fakeProducer{}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	rec := sampleReport()
	c.OnCreated(context.Background(), rec)

	require.Len(t, producer.singles, 1)
	job := producer.singles[0]
	assert.Equal(t, vectorid.FromEntityID("report-6542"), job.VectorID)
	assert.Equal(t, domain.SourceReport, job.SourceType)
	assert.Equal(t, "report-6542", job.SourceID)
	assert.Contains(t, job.Text, "Mất điện phòng A1.01")
	assert.Contains(t, job.Text, "Location: A1.01")
	assert.Equal(t, "Power outage A1.01", job.Metadata["title"])
	assert.Equal(t, "2026-08-20T09:30:00Z", job.Metadata["created_at"])
	assert.NoError(t, job.Validate())
}

func TestOnCreated_SwallowsEnqueueFailure(t *testing.T) {
	producer := &fakeProducer{failWith: errors.New("queue down")}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	// Must not panic or propagate: indexing is best-effort relative to the
	// entity's own transaction.
	c.OnCreated(context.Background(), sampleReport())
	assert.Empty(t, producer.singles)
}

func TestOnUpdated_ReindexesUnderSameID(t *testing.T) {
	producer := &fakeProducer{}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	rec := sampleReport()
	c.OnCreated(context.Background(), rec)
	rec.Content = "Mất điện phòng A1.01 - đã khắc phục"
	c.OnUpdated(context.Background(), rec)

	require.Len(t, producer.singles, 2)
	assert.Equal(t, producer.singles[0].VectorID, producer.singles[1].VectorID,
		"update must target the same deterministic id so the upsert replaces")
}

func TestOnMetadataUpdated_BypassesReembedding(t *testing.T) {
	producer := &fakeProducer{}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	rec := sampleReport()
	rec.Status = "resolved"
	c.OnMetadataUpdated(context.Background(), rec)

	assert.Empty(t, producer.singles, "metadata-only change must not re-embed")
	require.Len(t, producer.metas, 1)
	assert.Equal(t, "resolved", producer.metas[0].Payload["status"])
	assert.Equal(t, vectorid.FromEntityID(rec.ID), producer.metas[0].VectorID)
}

func TestOnDeleted_DeletesVectorAndDeactivatesLedger(t *testing.T) {
	producer := &fakeProducer{}
	deleter := &fakeDeleter{}
	deactivator := &fakeDeactivator{}
	c := New(producer, deleter, deactivator, 0, nil)

	c.OnDeleted(context.Background(), domain.SourceReport, "report-6542")

	vid := vectorid.FromEntityID("report-6542")
	assert.Equal(t, []string{vid}, deleter.deleted)
	assert.Equal(t, []string{vid}, deactivator.deactivated)
}

func TestBulkSync_BatchesAtFifty(t *testing.T) {
	producer := &fakeProducer{}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	records := make([]domain.Record, 120)
	for i := range records {
		records[i] = sampleReport()
		records[i].ID = fmt.Sprintf("report-%d", i)
	}

	result := c.BulkSync(context.Background(), records)

	assert.Equal(t, 120, result.Queued)
	assert.Zero(t, result.Failed)
	require.Len(t, producer.batches, 3, "120 records at batch size 50 is 3 jobs")
	assert.Len(t, producer.batches[0].Items, 50)
	assert.Len(t, producer.batches[1].Items, 50)
	assert.Len(t, producer.batches[2].Items, 20)
}

func TestBulkSync_CountsFailedGroups(t *testing.T) {
	producer := &fakeProducer{failWith: errors.New("queue down")}
	c := New(producer, &fakeDeleter{}, &fakeDeactivator{}, 0, nil)

	records := make([]domain.Record, 60)
	for i := range records {
		records[i] = sampleReport()
		records[i].ID = fmt.Sprintf("report-%d", i)
	}

	result := c.BulkSync(context.Background(), records)
	assert.Zero(t, result.Queued)
	assert.Equal(t, 60, result.Failed)
}

func TestIndexableText_PerSourceType(t *testing.T) {
	faq := domain.Record{ID: "faq-1", Type: domain.SourceFAQ, Title: "How to report outages", Content: "Use the portal."}
	sop := domain.Record{ID: "sop-1", Type: domain.SourceSOP, Title: "Generator handover", Content: "Step 1..."}

	assert.Contains(t, indexableText(faq), "FAQ: How to report outages")
	assert.Contains(t, indexableText(sop), "Procedure: Generator handover")
}
