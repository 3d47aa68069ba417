package distribution

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingQueue = errors.New("distribution: publish queue is required")
	// ErrNilChange indicates Enqueue was called without a change.
	ErrNilChange = errors.New("distribution: change is required")
)

// ChangeSaver persists changes that have not been assigned an identifier yet.
type ChangeSaver interface {
	Save(db *gorm.DB, change *changes.Change) error
}

// EnqueuerConfig describes the dependencies of an Enqueuer.
type EnqueuerConfig struct {
	Queue *PublishQueue
	// Changes persists unsaved changes. Without it, changes lacking an
	// identifier are dropped when the transaction commits.
	Changes ChangeSaver
	// PutTimeout bounds how long a committed batch waits for room in a full
	// queue. Zero means defaultPutTimeout.
	PutTimeout time.Duration
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

const defaultPutTimeout = 30 * time.Second

// Enqueuer collects changes produced inside a transaction and hands their
// identifiers to the publish queue once the transaction commits.
type Enqueuer struct {
	queue      *PublishQueue
	changes    ChangeSaver
	putTimeout time.Duration
	logger     *zap.Logger
	sink       metrics.MetricSink
}

// NewEnqueuer validates the configuration and constructs an Enqueuer.
func NewEnqueuer(cfg EnqueuerConfig) (*Enqueuer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	putTimeout := cfg.PutTimeout
	if putTimeout <= 0 {
		putTimeout = defaultPutTimeout
	}
	return &Enqueuer{
		queue:      cfg.Queue,
		changes:    cfg.Changes,
		putTimeout: putTimeout,
		logger:     logger,
		sink:       sinkOrDefault(cfg.MetricSink),
	}, nil
}

// Enqueue adds change to the pending batch of the active transaction whose
// metadata equals metadata, creating the batch when none matches.
func (e *Enqueuer) Enqueue(ctx context.Context, change *changes.Change, metadata map[string]string) error {
	if change == nil {
		return ErrNilChange
	}
	tc, ok := txn.FromContext(ctx)
	if !ok {
		return txn.ErrNoTransaction
	}
	if !change.Saved() && e.changes != nil {
		if len(metadata) > 0 {
			change.Metadata = maps.Clone(metadata)
		}
		if err := e.changes.Save(tc.DB(), change); err != nil {
			return err
		}
	}

	e.sink.IncrCounter(MetricChangesEnqueued, 1)
	if batch := e.pendingBatch(tc, metadata); batch != nil {
		batch.changes = append(batch.changes, change)
		return nil
	}
	tc.AddAfterCommitHook(&commitBatch{
		owner:    e,
		metadata: maps.Clone(metadata),
		changes:  []*changes.Change{change},
	})
	return nil
}

func (e *Enqueuer) pendingBatch(tc *txn.Context, metadata map[string]string) *commitBatch {
	for _, hook := range tc.AfterCommitHooks() {
		batch, ok := hook.(*commitBatch)
		if !ok || batch.owner != e || batch.flushed {
			continue
		}
		if maps.Equal(batch.metadata, metadata) {
			return batch
		}
	}
	return nil
}

// commitBatch is the after-commit hook for changes sharing one metadata map.
type commitBatch struct {
	owner    *Enqueuer
	metadata map[string]string
	changes  []*changes.Change
	flushed  bool
}

// AfterCommit pushes the identifiers of the batched changes onto the publish
// queue, waiting up to the configured timeout when it is full. It runs at most
// once.
func (b *commitBatch) AfterCommit(worked bool) {
	if b.flushed {
		return
	}
	b.flushed = true
	pending := b.changes
	b.changes = nil

	e := b.owner
	if !worked {
		e.sink.IncrCounter(MetricCommitFailures, 1)
		e.logger.Warn("commit failed, dropping change batch",
			zap.Int("batch_size", len(pending)),
			zap.Any("metadata", b.metadata),
		)
		return
	}

	ids := make([]string, 0, len(pending))
	for _, change := range pending {
		if !change.Saved() {
			e.sink.IncrCounter(MetricChangesUnidentified, 1)
			e.logger.Warn("dropping change without identifier",
				zap.String("kind", change.Kind.String()),
				zap.String("object_id", change.ObjectID),
			)
			continue
		}
		ids = append(ids, change.ID)
	}
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.putTimeout)
	defer cancel()
	if err := e.queue.Put(ctx, transport.Batch{IDs: ids}); err != nil {
		e.sink.IncrCounter(MetricBatchesDropped, 1)
		e.logger.Error("committed batch not queued",
			zap.Strings("change_ids", ids),
			zap.Any("metadata", b.metadata),
			zap.Duration("put_timeout", e.putTimeout),
			zap.Error(err),
		)
	}
}
