package distribution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConnection struct {
	commitErr error
}

func (c *fakeConnection) DB() *gorm.DB  { return nil }
func (c *fakeConnection) Sync() error   { return nil }
func (c *fakeConnection) Commit() error { return c.commitErr }
func (c *fakeConnection) Abort() error  { return nil }
func (c *fakeConnection) Close() error  { return nil }

type fakeOpener struct {
	mu        sync.Mutex
	opened    int
	commitErr error
}

func (o *fakeOpener) Open(context.Context) (txn.Connection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened++
	return &fakeConnection{commitErr: o.commitErr}, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

type memoryChanges struct {
	mu         sync.Mutex
	next       int
	stored     map[string]*changes.Change
	failures   int
	resolveErr error
}

func newMemoryChanges() *memoryChanges {
	return &memoryChanges{stored: make(map[string]*changes.Change)}
}

func (m *memoryChanges) Save(_ *gorm.DB, change *changes.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	change.ID = fmt.Sprintf("change-%d", m.next)
	m.stored[change.ID] = change.Clone()
	return nil
}

func (m *memoryChanges) Resolve(_ *gorm.DB, id string) (*changes.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("%w: database is locked", txn.ErrConflict)
	}
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	change, ok := m.stored[id]
	if !ok {
		return nil, nil
	}
	return change.Clone(), nil
}

type recordingListener struct {
	mu   sync.Mutex
	seen []string
}

func (l *recordingListener) OnChange(_ context.Context, _ *txn.Context, change *changes.Change, _ map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, change.ID)
	return nil
}

func (l *recordingListener) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func newManager(t *testing.T, opener txn.Opener) *txn.Manager {
	t.Helper()
	manager, err := txn.NewManager(txn.ManagerConfig{Opener: opener})
	require.NoError(t, err)
	return manager
}

func newChange(t *testing.T, objectID string) *changes.Change {
	t.Helper()
	change, err := changes.NewChange(changes.ChangeConfig{
		Kind:        changes.KindShared,
		ObjectID:    objectID,
		Creator:     "alice",
		ContainerID: "c1",
	})
	require.NoError(t, err)
	return change
}

func newSink() *metrics.InmemSink {
	return metrics.NewInmemSink(time.Minute, 5*time.Minute)
}

func counterValue(sink *metrics.InmemSink, key []string) float64 {
	var total float64
	for _, interval := range sink.Data() {
		if sample, ok := interval.Counters[strings.Join(key, ".")]; ok && sample.AggregateSample != nil {
			total += sample.Sum
		}
	}
	return total
}
