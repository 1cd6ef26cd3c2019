package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Producer is the enqueue surface the sync coordinator depends on. The
// concrete Enqueuer talks to Redis; tests swap in a fake.
type Producer interface {
	EnqueueSingle(ctx context.Context, job IndexJob) error
	EnqueueBatch(ctx context.Context, job BatchJob) error
	EnqueueMetadata(ctx context.Context, job MetadataJob) error
}

// Enqueuer publishes indexing jobs to the Redis-backed queue.
type Enqueuer struct {
	client     *asynq.Client
	queue      string
	maxRetries int
	timeout    time.Duration
}

// NewEnqueuer creates a producer for the named queue. maxRetries bounds
// how many times the worker may retry each job.
func NewEnqueuer(redis asynq.RedisClientOpt, queueName string, maxRetries int) *Enqueuer {
	return &Enqueuer{
		client:     asynq.NewClient(redis),
		queue:      queueName,
		maxRetries: maxRetries,
		timeout:    5 * time.Minute,
	}
}

// EnqueueSingle publishes one single-item indexing job.
func (e *Enqueuer) EnqueueSingle(ctx context.Context, job IndexJob) error {
	return e.enqueue(ctx, TypeIndexSingle, job)
}

// EnqueueBatch publishes one batch indexing job.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, job BatchJob) error {
	return e.enqueue(ctx, TypeIndexBatch, job)
}

// EnqueueMetadata publishes a payload-only update job.
func (e *Enqueuer) EnqueueMetadata(ctx context.Context, job MetadataJob) error {
	return e.enqueue(ctx, TypeIndexMetadata, job)
}

func (e *Enqueuer) enqueue(ctx context.Context, taskType string, job any) error {
	payload, err := marshal(job)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskType, payload)
	_, err = e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(e.maxRetries),
		asynq.Timeout(e.timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}
