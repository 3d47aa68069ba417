// Package app assembles the sharing runtime: object store, transactions,
// sharing graph, change distribution and the content service on top.
package app

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/content"
	"github.com/MarcoPoloResearchLab/sharestream/internal/database"
	"github.com/MarcoPoloResearchLab/sharestream/internal/distribution"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("app: database is required")

// RuntimeConfig describes one process's view of the shared object store.
type RuntimeConfig struct {
	Database      *gorm.DB
	QueueSize     int
	RetryAttempts int
	RetryDelay    time.Duration
	MaxStreamSize int
	Logger        *zap.Logger
	MetricSink    metrics.MetricSink
}

// Runtime holds the wired services of one process.
type Runtime struct {
	Transactions *txn.Manager
	Entities     *entities.Service
	Objects      *objects.Service
	Changes      *changes.Repository
	Notifier     *sharing.Notifier
	Graph        *sharing.Graph
	Distributor  *distribution.Distributor
	Outbound     *distribution.PublishQueue
	Enqueuer     *distribution.Enqueuer
	Receiver     *distribution.Receiver
	Content      *content.Service

	queueSize int
	logger    *zap.Logger
	sink      metrics.MetricSink
}

// NewRuntime wires the services and registers the sharing graph as a change listener.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.MetricSink
	if sink == nil {
		sink = metrics.Default()
	}

	store, err := database.NewStore(cfg.Database, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	transactions, err := txn.NewManager(txn.ManagerConfig{Opener: store, Logger: logger.Named("txn")})
	if err != nil {
		return nil, err
	}

	registry := entities.NewService(entities.ServiceConfig{})
	objectService, err := objects.NewService(objects.ServiceConfig{
		IDProvider:  objects.NewULIDProvider(),
		Memberships: registry,
	})
	if err != nil {
		return nil, err
	}
	repository, err := changes.NewRepository(changes.NewUUIDProvider())
	if err != nil {
		return nil, err
	}

	notifier := sharing.NewNotifier()
	graph, err := sharing.NewGraph(sharing.GraphConfig{
		Entities:      registry,
		Objects:       objectService,
		Notifier:      notifier,
		MaxStreamSize: cfg.MaxStreamSize,
		Logger:        logger.Named("sharing"),
	})
	if err != nil {
		return nil, err
	}

	distributor := distribution.NewDistributor()
	distributor.AddChangeListener(sharing.NewListener(graph, logger.Named("sharing")))

	outbound := distribution.NewPublishQueue(distribution.QueueConfig{
		Size:       cfg.QueueSize,
		Logger:     logger.Named("queue"),
		MetricSink: sink,
	})
	enqueuer, err := distribution.NewEnqueuer(distribution.EnqueuerConfig{
		Queue:      outbound,
		Changes:    repository,
		Logger:     logger.Named("enqueuer"),
		MetricSink: sink,
	})
	if err != nil {
		return nil, err
	}
	receiver, err := distribution.NewReceiver(distribution.ReceiverConfig{
		Transactions: transactions,
		Changes:      repository,
		Distributor:  distributor,
		Attempts:     cfg.RetryAttempts,
		Delay:        cfg.RetryDelay,
		Logger:       logger.Named("receiver"),
		MetricSink:   sink,
	})
	if err != nil {
		return nil, err
	}

	contentService, err := content.NewService(content.ServiceConfig{
		Transactions: transactions,
		Entities:     registry,
		Objects:      objectService,
		Graph:        graph,
		Enqueuer:     enqueuer,
		Logger:       logger.Named("content"),
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Transactions: transactions,
		Entities:     registry,
		Objects:      objectService,
		Changes:      repository,
		Notifier:     notifier,
		Graph:        graph,
		Distributor:  distributor,
		Outbound:     outbound,
		Enqueuer:     enqueuer,
		Receiver:     receiver,
		Content:      contentService,
		queueSize:    cfg.QueueSize,
		logger:       logger,
		sink:         sink,
	}, nil
}
