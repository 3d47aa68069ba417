package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"github.com/hashicorp/go-metrics"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 100 * time.Millisecond
)

var (
	// ErrBatchDropped indicates a batch abandoned after exhausting its retries.
	ErrBatchDropped = errors.New("distribution: batch dropped after retries")

	errMissingTransactions = errors.New("distribution: transaction manager is required")
	errMissingResolver     = errors.New("distribution: change resolver is required")
	errMissingDistributor  = errors.New("distribution: distributor is required")
)

// Resolver loads a committed change by identifier, returning nil when it no
// longer exists.
type Resolver interface {
	Resolve(db *gorm.DB, id string) (*changes.Change, error)
}

// BatchHandler consumes decoded batches.
type BatchHandler interface {
	OnBatch(ctx context.Context, batch transport.Batch) error
}

// ReceiverConfig describes the dependencies of a Receiver.
type ReceiverConfig struct {
	Transactions *txn.Manager
	Changes      Resolver
	Distributor  *Distributor
	// Attempts bounds how often a batch is tried on transient errors.
	Attempts   int
	Delay      time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
	MetricSink metrics.MetricSink
}

// Receiver resolves the changes of a batch and dispatches them to every
// registered listener.
type Receiver struct {
	transactions *txn.Manager
	changes      Resolver
	distributor  *Distributor
	attempts     int
	delay        time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	sink         metrics.MetricSink
}

// NewReceiver validates the configuration and constructs a Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Transactions == nil {
		return nil, errMissingTransactions
	}
	if cfg.Changes == nil {
		return nil, errMissingResolver
	}
	if cfg.Distributor == nil {
		return nil, errMissingDistributor
	}
	receiver := &Receiver{
		transactions: cfg.Transactions,
		changes:      cfg.Changes,
		distributor:  cfg.Distributor,
		attempts:     cfg.Attempts,
		delay:        cfg.Delay,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		sink:         sinkOrDefault(cfg.MetricSink),
	}
	if receiver.attempts <= 0 {
		receiver.attempts = defaultRetryAttempts
	}
	if receiver.delay <= 0 {
		receiver.delay = defaultRetryDelay
	}
	if receiver.clock == nil {
		receiver.clock = clock.WallClock
	}
	if receiver.logger == nil {
		receiver.logger = zap.NewNop()
	}
	return receiver, nil
}

// OnBatch processes batch in a fresh transaction, retrying the whole batch on
// transient errors. A batch that keeps failing is dropped with ErrBatchDropped;
// any other failure aborts it without retry.
func (r *Receiver) OnBatch(ctx context.Context, batch transport.Batch) error {
	r.sink.IncrCounter(MetricBatchesReceived, 1)

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return r.process(ctx, batch)
		},
		IsFatalError: func(err error) bool {
			return !txn.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			r.sink.IncrCounter(MetricBatchRetries, 1)
			r.logger.Debug("transient failure processing batch",
				zap.Strings("change_ids", batch.IDs),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
		Attempts: r.attempts,
		Delay:    r.delay,
		Clock:    r.clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		r.sink.IncrCounter(MetricBatchesDropped, 1)
		r.logger.Warn("dropping batch after retries",
			zap.Strings("change_ids", batch.IDs),
			zap.Int("attempts", r.attempts),
			zap.Error(lastErr),
		)
		return fmt.Errorf("%w: %v", ErrBatchDropped, lastErr)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		r.sink.IncrCounter(MetricBatchesDropped, 1)
		r.logger.Error("batch aborted",
			zap.Strings("change_ids", batch.IDs),
			zap.Error(err),
		)
		return err
	}
}

func (r *Receiver) process(ctx context.Context, batch transport.Batch) error {
	return r.transactions.Run(ctx, func(ctx context.Context, tc *txn.Context) error {
		if err := tc.Connection().Sync(); err != nil {
			return err
		}
		listeners := r.distributor.snapshot()
		for _, id := range batch.IDs {
			change, err := r.changes.Resolve(tc.DB(), id)
			if err != nil {
				return err
			}
			if change == nil {
				r.logger.Debug("skipping unresolvable change", zap.String("change_id", id))
				continue
			}
			for _, registered := range listeners {
				if err := r.dispatch(ctx, tc, registered, change); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// dispatch returns only transient listener errors; everything else is logged.
func (r *Receiver) dispatch(ctx context.Context, tc *txn.Context, registered registration, change *changes.Change) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = r.listenerFailed(registered, change, fmt.Errorf("panic: %v", recovered))
		}
	}()
	if listenerErr := registered.listener.OnChange(ctx, tc, change, change.Metadata); listenerErr != nil {
		return r.listenerFailed(registered, change, listenerErr)
	}
	return nil
}

func (r *Receiver) listenerFailed(registered registration, change *changes.Change, err error) error {
	if txn.IsTransient(err) {
		return err
	}
	r.sink.IncrCounter(MetricListenerErrors, 1)
	r.logger.Error("change listener failed",
		zap.Uint64("listener_id", uint64(registered.id)),
		zap.String("change_id", change.ID),
		zap.String("kind", change.Kind.String()),
		zap.Error(err),
	)
	return nil
}
