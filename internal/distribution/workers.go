package distribution

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// Worker is a background loop that runs until killed or failed.
type Worker interface {
	Kill()
	Wait() error
}

// ConsumeWorker feeds batches from a queue into a handler, one at a time.
type ConsumeWorker struct {
	tomb    tomb.Tomb
	queue   *PublishQueue
	handler BatchHandler
	logger  *zap.Logger
}

// NewConsumeWorker starts draining queue into handler.
func NewConsumeWorker(queue *PublishQueue, handler BatchHandler, logger *zap.Logger) *ConsumeWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &ConsumeWorker{queue: queue, handler: handler, logger: logger}
	w.tomb.Go(w.loop)
	return w
}

// NewLocalPipeline delivers committed batches to the receiver of the same
// process, short-circuiting the transport.
func NewLocalPipeline(queue *PublishQueue, receiver BatchHandler, logger *zap.Logger) *ConsumeWorker {
	return NewConsumeWorker(queue, receiver, logger)
}

func (w *ConsumeWorker) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		batch, err := w.queue.Get(ctx)
		if err != nil {
			return tomb.ErrDying
		}
		// Failures were logged by the handler; the batch is not requeued.
		_ = w.handler.OnBatch(ctx, batch)
	}
}

// Kill implements Worker.
func (w *ConsumeWorker) Kill() { w.tomb.Kill(nil) }

// Wait implements Worker.
func (w *ConsumeWorker) Wait() error { return w.tomb.Wait() }

// PublishWorkerConfig configures a PublishWorker.
type PublishWorkerConfig struct {
	Queue      *PublishQueue
	Publisher  transport.Publisher
	Codec      transport.Codec
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// PublishWorker drains the local publish queue onto the transport. A failed
// send is logged and the next batch is attempted.
type PublishWorker struct {
	tomb tomb.Tomb
	cfg  PublishWorkerConfig
	sink metrics.MetricSink
}

// NewPublishWorker starts the outbound loop.
func NewPublishWorker(cfg PublishWorkerConfig) *PublishWorker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = transport.JSONCodec{}
	}
	w := &PublishWorker{cfg: cfg, sink: sinkOrDefault(cfg.MetricSink)}
	w.tomb.Go(w.loop)
	return w
}

func (w *PublishWorker) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		batch, err := w.cfg.Queue.Get(ctx)
		if err != nil {
			return tomb.ErrDying
		}
		payload, err := w.cfg.Codec.Encode(batch)
		if err != nil {
			w.sink.IncrCounter(MetricPublishErrors, 1)
			w.cfg.Logger.Error("failed to encode batch", zap.Strings("change_ids", batch.IDs), zap.Error(err))
			continue
		}
		if err := w.cfg.Publisher.Publish(ctx, payload); err != nil {
			if ctx.Err() != nil {
				return tomb.ErrDying
			}
			w.sink.IncrCounter(MetricPublishErrors, 1)
			w.cfg.Logger.Error("failed to publish batch", zap.Strings("change_ids", batch.IDs), zap.Error(err))
			continue
		}
		w.sink.IncrCounter(MetricBatchesPublished, 1)
	}
}

// Kill implements Worker.
func (w *PublishWorker) Kill() { w.tomb.Kill(nil) }

// Wait implements Worker.
func (w *PublishWorker) Wait() error { return w.tomb.Wait() }

// SubscribeWorkerConfig configures a SubscribeWorker.
type SubscribeWorkerConfig struct {
	Subscriber transport.Subscriber
	Codec      transport.Codec
	// Inbound receives decoded batches for a ConsumeWorker.
	Inbound    *PublishQueue
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// SubscribeWorker blocks on the transport and queues inbound batches.
type SubscribeWorker struct {
	tomb tomb.Tomb
	cfg  SubscribeWorkerConfig
	sink metrics.MetricSink
}

// NewSubscribeWorker starts the inbound loop.
func NewSubscribeWorker(cfg SubscribeWorkerConfig) *SubscribeWorker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Codec == nil {
		cfg.Codec = transport.JSONCodec{}
	}
	w := &SubscribeWorker{cfg: cfg, sink: sinkOrDefault(cfg.MetricSink)}
	w.tomb.Go(w.loop)
	return w
}

func (w *SubscribeWorker) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		payload, err := w.cfg.Subscriber.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return tomb.ErrDying
			}
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			w.cfg.Logger.Warn("subscriber receive failed", zap.Error(err))
			continue
		}
		batch, err := w.cfg.Codec.Decode(payload)
		if err != nil {
			w.sink.IncrCounter(MetricDecodeErrors, 1)
			w.cfg.Logger.Warn("discarding undecodable payload", zap.Int("payload_bytes", len(payload)), zap.Error(err))
			continue
		}
		if len(batch.IDs) == 0 {
			continue
		}
		if err := w.cfg.Inbound.Put(ctx, batch); err != nil {
			w.cfg.Logger.Warn("inbound batch not queued",
				zap.Strings("change_ids", batch.IDs),
				zap.Error(err),
			)
			return tomb.ErrDying
		}
	}
}

// Kill implements Worker.
func (w *SubscribeWorker) Kill() { w.tomb.Kill(nil) }

// Wait implements Worker.
func (w *SubscribeWorker) Wait() error { return w.tomb.Wait() }
