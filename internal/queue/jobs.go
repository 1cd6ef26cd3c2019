// Package queue defines the indexing job payloads and the producer side of
// the Redis-backed work queue. Jobs are retried with exponential backoff up
// to a bounded attempt count; a structurally invalid job is dropped by the
// worker instead of retried, since retrying it can never succeed.
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/facilityos/knowledge-engine/internal/domain"
)

// Task type names routed by the worker mux.
const (
	TypeIndexSingle   = "index:single"
	TypeIndexBatch    = "index:batch"
	TypeIndexMetadata = "index:metadata"
)

// IndexJob asks the worker to embed one text and materialize its index
// entry. VectorID is the deterministic id derived from the source entity,
// so re-processing the same job converges to the same state.
type IndexJob struct {
	VectorID   string            `json:"vector_id"`
	SourceType domain.SourceType `json:"source_type"`
	SourceID   string            `json:"source_id"`
	Text       string            `json:"text"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Validate reports whether the job is structurally sound. Jobs failing
// validation are dropped without retry.
func (j IndexJob) Validate() error {
	if j.VectorID == "" {
		return fmt.Errorf("index job missing vector_id")
	}
	if j.SourceID == "" {
		return fmt.Errorf("index job missing source_id")
	}
	if !j.SourceType.Valid() {
		return fmt.Errorf("index job has unknown source_type %q", j.SourceType)
	}
	if j.Text == "" {
		return fmt.Errorf("index job missing text")
	}
	return nil
}

// BatchJob carries many index items processed as one unit: one batched
// embedding call, chunked upserts, one bulk tracker write. The batch fails
// or retries as a whole; callers needing per-item retry accounting submit
// single jobs instead.
type BatchJob struct {
	Items []IndexJob `json:"items"`
}

// Validate rejects empty batches and any structurally invalid item.
func (j BatchJob) Validate() error {
	if len(j.Items) == 0 {
		return fmt.Errorf("batch job has no items")
	}
	for i, item := range j.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// MetadataJob asks the worker to merge payload fields into an existing
// point and patch the tracker entry, bypassing re-embedding. Routed through
// the queue so the worker stays the sole vector-store writer.
type MetadataJob struct {
	VectorID   string            `json:"vector_id"`
	SourceType domain.SourceType `json:"source_type"`
	SourceID   string            `json:"source_id"`
	Payload    map[string]any    `json:"payload"`
}

// Validate reports whether the job is structurally sound.
func (j MetadataJob) Validate() error {
	if j.VectorID == "" {
		return fmt.Errorf("metadata job missing vector_id")
	}
	if len(j.Payload) == 0 {
		return fmt.Errorf("metadata job has empty payload")
	}
	return nil
}

// ExponentialRetryDelay returns the server-side retry schedule:
// base * 2^n for the n-th retry.
func ExponentialRetryDelay(base time.Duration) func(n int, err error, task *asynq.Task) time.Duration {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(n)))
	}
}

func marshal(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return payload, nil
}
