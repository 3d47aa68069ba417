package distribution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func batchOf(ids ...string) transport.Batch {
	return transport.Batch{IDs: ids}
}

type receiverFixture struct {
	opener      *fakeOpener
	store       *memoryChanges
	distributor *Distributor
	receiver    *Receiver
	sink        *metrics.InmemSink
}

func newReceiverFixture(t *testing.T) *receiverFixture {
	t.Helper()
	fixture := &receiverFixture{
		opener:      &fakeOpener{},
		store:       newMemoryChanges(),
		distributor: NewDistributor(),
		sink:        newSink(),
	}
	receiver, err := NewReceiver(ReceiverConfig{
		Transactions: newManager(t, fixture.opener),
		Changes:      fixture.store,
		Distributor:  fixture.distributor,
		Delay:        time.Millisecond,
		MetricSink:   fixture.sink,
	})
	require.NoError(t, err)
	fixture.receiver = receiver
	return fixture
}

func (f *receiverFixture) save(t *testing.T, objectIDs ...string) []string {
	t.Helper()
	ids := make([]string, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		change := newChange(t, objectID)
		require.NoError(t, f.store.Save(nil, change))
		ids = append(ids, change.ID)
	}
	return ids
}

func TestNewReceiverValidatesDependencies(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{})
	require.Error(t, err)
}

func TestReceiverRetriesThenDrops(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1", "o2")
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)
	fixture.store.failures = 5

	err := fixture.receiver.OnBatch(context.Background(), batchOf(ids...))
	require.ErrorIs(t, err, ErrBatchDropped)
	require.Empty(t, listener.ids())
	require.Equal(t, 5, fixture.opener.count())
	require.Equal(t, 5.0, counterValue(fixture.sink, MetricBatchRetries))
	require.Equal(t, 1.0, counterValue(fixture.sink, MetricBatchesDropped))
}

func TestReceiverRecoversWithinBudget(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1", "o2")
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)
	fixture.store.failures = 4

	require.NoError(t, fixture.receiver.OnBatch(context.Background(), batchOf(ids...)))
	require.Equal(t, ids, listener.ids())
	require.Equal(t, 5, fixture.opener.count())
}

func TestReceiverAbortsOnFatalError(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1")
	broken := errors.New("disk on fire")
	fixture.store.resolveErr = broken

	err := fixture.receiver.OnBatch(context.Background(), batchOf(ids...))
	require.ErrorIs(t, err, broken)
	require.Equal(t, 1, fixture.opener.count())
}

func TestReceiverSkipsUnresolvableChanges(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1")
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)

	require.NoError(t, fixture.receiver.OnBatch(context.Background(), batchOf("missing", ids[0])))
	require.Equal(t, ids, listener.ids())
}

func TestReceiverIsolatesListenerFailures(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1", "o2")
	fixture.distributor.AddChangeListener(ListenerFunc(func(context.Context, *txn.Context, *changes.Change, map[string]string) error {
		return errors.New("listener failed")
	}))
	fixture.distributor.AddChangeListener(ListenerFunc(func(context.Context, *txn.Context, *changes.Change, map[string]string) error {
		panic("listener panicked")
	}))
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)

	require.NoError(t, fixture.receiver.OnBatch(context.Background(), batchOf(ids...)))
	require.Equal(t, ids, listener.ids())
	require.Equal(t, 4.0, counterValue(fixture.sink, MetricListenerErrors))
}

func TestReceiverRetriesTransientListenerErrors(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1")
	attempts := 0
	fixture.distributor.AddChangeListener(ListenerFunc(func(context.Context, *txn.Context, *changes.Change, map[string]string) error {
		attempts++
		if attempts < 3 {
			return txn.ErrConflict
		}
		return nil
	}))

	require.NoError(t, fixture.receiver.OnBatch(context.Background(), batchOf(ids...)))
	require.Equal(t, 3, attempts)
}

func TestDistributorRemovesListeners(t *testing.T) {
	distributor := NewDistributor()
	first := distributor.AddChangeListener(&recordingListener{})
	second := distributor.AddChangeListener(&recordingListener{})
	require.NotEqual(t, first, second)
	require.True(t, distributor.RemoveChangeListener(first))
	require.False(t, distributor.RemoveChangeListener(first))
	require.Equal(t, 1, distributor.Len())
	require.Equal(t, second, distributor.snapshot()[0].id)
}

func TestLocalPipelineDeliversInOrder(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1", "o2", "o3")
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)
	queue := NewPublishQueue(QueueConfig{Size: 4, MetricSink: fixture.sink})

	pipeline := NewLocalPipeline(queue, fixture.receiver, nil)
	for _, id := range ids {
		require.NoError(t, queue.Put(context.Background(), batchOf(id)))
	}
	require.Eventually(t, func() bool { return len(listener.ids()) == len(ids) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, ids, listener.ids())

	pipeline.Kill()
	require.NoError(t, pipeline.Wait())
}

// memoryBus is a single-topic transport good for one subscriber.
type memoryBus struct {
	mu       sync.Mutex
	messages chan []byte
	failNext bool
	closed   chan struct{}
	once     sync.Once
}

func newMemoryBus() *memoryBus {
	return &memoryBus{messages: make(chan []byte, 16), closed: make(chan struct{})}
}

func (b *memoryBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errors.New("send failed")
	}
	b.messages <- payload
	return nil
}

func (b *memoryBus) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, transport.ErrClosed
	case payload := <-b.messages:
		return payload, nil
	}
}

func (b *memoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestPublishAndSubscribeWorkersCarryBatches(t *testing.T) {
	fixture := newReceiverFixture(t)
	ids := fixture.save(t, "o1", "o2", "o3")
	listener := &recordingListener{}
	fixture.distributor.AddChangeListener(listener)

	bus := newMemoryBus()
	bus.failNext = true
	codec := transport.ProtoCodec{}
	outbound := NewPublishQueue(QueueConfig{Size: 4, MetricSink: fixture.sink})
	inbound := NewPublishQueue(QueueConfig{Size: 4, MetricSink: fixture.sink})

	publisher := NewPublishWorker(PublishWorkerConfig{Queue: outbound, Publisher: bus, Codec: codec, MetricSink: fixture.sink})
	subscriber := NewSubscribeWorker(SubscribeWorkerConfig{Subscriber: bus, Codec: codec, Inbound: inbound, MetricSink: fixture.sink})
	consumer := NewConsumeWorker(inbound, fixture.receiver, nil)

	require.NoError(t, outbound.Put(context.Background(), batchOf("lost-in-transit")))
	require.NoError(t, outbound.Put(context.Background(), batchOf(ids[0], ids[1])))
	require.NoError(t, outbound.Put(context.Background(), batchOf(ids[2])))

	require.Eventually(t, func() bool { return len(listener.ids()) == len(ids) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, ids, listener.ids())
	require.Equal(t, 1.0, counterValue(fixture.sink, MetricPublishErrors))
	require.Equal(t, 2.0, counterValue(fixture.sink, MetricBatchesPublished))

	publisher.Kill()
	require.NoError(t, publisher.Wait())
	consumer.Kill()
	require.NoError(t, consumer.Wait())
	require.NoError(t, bus.Close())
	require.ErrorIs(t, subscriber.Wait(), transport.ErrClosed)
}
