package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/sharestream/internal/config"
	"github.com/MarcoPoloResearchLab/sharestream/internal/distribution"
	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// PipelineConfig selects how committed batches reach receivers.
type PipelineConfig struct {
	Mode         string
	Codec        string
	ForwarderURL string
	MQTTBroker   string
	MQTTTopic    string
	ClientID     string
	// PublishOnly skips the subscriber side so the process only produces.
	PublishOnly bool
}

// Pipeline owns the background workers and transport endpoints of one
// process. A worker failing on its own kills the rest of the pipeline.
type Pipeline struct {
	tomb    tomb.Tomb
	workers []distribution.Worker
	closers []io.Closer
	logger  *zap.Logger
}

// StartPipeline connects the transport for cfg.Mode and starts the workers.
// In sync mode batches go straight from the outbound queue to the receiver.
func (r *Runtime) StartPipeline(ctx context.Context, cfg PipelineConfig) (*Pipeline, error) {
	pipeline := &Pipeline{logger: r.logger.Named("pipeline")}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = config.TransportModeSync
	}
	if mode == config.TransportModeSync {
		pipeline.workers = append(pipeline.workers, distribution.NewLocalPipeline(r.Outbound, r.Receiver, pipeline.logger))
		pipeline.supervise()
		return pipeline, nil
	}

	codec, err := transport.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var (
		publisher  transport.Publisher
		subscriber transport.Subscriber
	)
	switch mode {
	case config.TransportModeWebSocket:
		publisher, err = transport.DialPublisher(ctx, cfg.ForwarderURL)
		if err != nil {
			return nil, fmt.Errorf("dial publisher: %w", err)
		}
		pipeline.closers = append(pipeline.closers, publisher)
		if !cfg.PublishOnly {
			subscriber, err = transport.DialSubscriber(ctx, cfg.ForwarderURL, pipeline.logger)
			if err != nil {
				pipeline.closeAll()
				return nil, fmt.Errorf("dial subscriber: %w", err)
			}
			pipeline.closers = append(pipeline.closers, subscriber)
		}
	case config.TransportModeMQTT:
		clientID := cfg.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("sharestream-%d", os.Getpid())
		}
		publisher, err = transport.NewMQTTPublisher(ctx, transport.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: clientID + "-pub",
			Logger:   pipeline.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("connect mqtt publisher: %w", err)
		}
		pipeline.closers = append(pipeline.closers, publisher)
		if !cfg.PublishOnly {
			subscriber, err = transport.NewMQTTSubscriber(ctx, transport.MQTTConfig{
				Broker:   cfg.MQTTBroker,
				Topic:    cfg.MQTTTopic,
				ClientID: clientID + "-sub",
				Logger:   pipeline.logger,
			})
			if err != nil {
				pipeline.closeAll()
				return nil, fmt.Errorf("connect mqtt subscriber: %w", err)
			}
			pipeline.closers = append(pipeline.closers, subscriber)
		}
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}

	pipeline.workers = append(pipeline.workers, distribution.NewPublishWorker(distribution.PublishWorkerConfig{
		Queue:      r.Outbound,
		Publisher:  publisher,
		Codec:      codec,
		Logger:     pipeline.logger,
		MetricSink: r.sink,
	}))
	if subscriber != nil {
		inbound := distribution.NewPublishQueue(distribution.QueueConfig{
			Size:       r.queueSize,
			Logger:     pipeline.logger,
			MetricSink: r.sink,
		})
		pipeline.workers = append(pipeline.workers,
			distribution.NewSubscribeWorker(distribution.SubscribeWorkerConfig{
				Subscriber: subscriber,
				Codec:      codec,
				Inbound:    inbound,
				Logger:     pipeline.logger,
				MetricSink: r.sink,
			}),
			distribution.NewConsumeWorker(inbound, r.Receiver, pipeline.logger),
		)
	}
	pipeline.supervise()
	pipeline.logger.Info("distribution pipeline started",
		zap.String("mode", mode),
		zap.String("codec", codec.Name()),
		zap.Bool("publish_only", cfg.PublishOnly),
	)
	return pipeline, nil
}

func (p *Pipeline) supervise() {
	for _, worker := range p.workers {
		p.tomb.Go(func() error {
			err := worker.Wait()
			if err != nil && !errors.Is(err, transport.ErrClosed) {
				p.logger.Error("distribution worker died", zap.Error(err))
				return err
			}
			return nil
		})
	}
	p.tomb.Go(func() error {
		<-p.tomb.Dying()
		for _, worker := range p.workers {
			worker.Kill()
		}
		return nil
	})
}

// Dying is closed once the pipeline is stopping, either through Stop or
// because a worker failed.
func (p *Pipeline) Dying() <-chan struct{} {
	return p.tomb.Dying()
}

// Err reports why the pipeline is stopping. It returns tomb.ErrStillAlive
// while the pipeline runs and nil after a clean Stop.
func (p *Pipeline) Err() error {
	return p.tomb.Err()
}

// Stop kills the workers, closes the transport and waits for the loops to exit.
func (p *Pipeline) Stop() error {
	p.tomb.Kill(nil)
	p.closeAll()
	return p.tomb.Wait()
}

func (p *Pipeline) closeAll() {
	for _, closer := range p.closers {
		if err := closer.Close(); err != nil {
			p.logger.Debug("transport close failed", zap.Error(err))
		}
	}
	p.closers = nil
}
