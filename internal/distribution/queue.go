package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

const defaultQueueSize = 1024

// ErrQueueFull reports that a batch could not be queued before its context
// ended.
var ErrQueueFull = errors.New("distribution: publish queue full")

// QueueConfig configures a PublishQueue.
type QueueConfig struct {
	Size       int
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// PublishQueue is the bounded FIFO between committing transactions and the
// worker that delivers their batches.
type PublishQueue struct {
	items  chan transport.Batch
	logger *zap.Logger
	sink   metrics.MetricSink
}

// NewPublishQueue constructs a PublishQueue.
func NewPublishQueue(cfg QueueConfig) *PublishQueue {
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishQueue{
		items:  make(chan transport.Batch, size),
		logger: logger,
		sink:   sinkOrDefault(cfg.MetricSink),
	}
}

// Put appends batch, waiting for room while the queue is full. It returns an
// error wrapping ErrQueueFull and the context error when ctx ends first.
func (q *PublishQueue) Put(ctx context.Context, batch transport.Batch) error {
	select {
	case q.items <- batch:
		q.sink.IncrCounter(MetricBatchesQueued, 1)
		return nil
	default:
	}
	q.sink.IncrCounter(MetricBatchesQueueFull, 1)
	q.logger.Warn("publish queue full, waiting for room",
		zap.Int("batch_size", len(batch.IDs)),
		zap.Int("capacity", cap(q.items)),
	)
	select {
	case q.items <- batch:
		q.sink.IncrCounter(MetricBatchesQueued, 1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

// Get blocks until a batch is available or ctx ends.
func (q *PublishQueue) Get(ctx context.Context) (transport.Batch, error) {
	select {
	case <-ctx.Done():
		return transport.Batch{}, ctx.Err()
	case batch := <-q.items:
		return batch, nil
	}
}

// Len reports the number of queued batches.
func (q *PublishQueue) Len() int {
	return len(q.items)
}
