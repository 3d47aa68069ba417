package sharing

import (
	"context"
	"slices"
	"testing"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"gorm.io/gorm"
)

type fixtureConnection struct {
	db *gorm.DB
}

func (c fixtureConnection) DB() *gorm.DB  { return c.db }
func (c fixtureConnection) Sync() error   { return nil }
func (c fixtureConnection) Commit() error { return nil }
func (c fixtureConnection) Abort() error  { return nil }
func (c fixtureConnection) Close() error  { return nil }

type fixtureOpener struct {
	db *gorm.DB
}

func (o fixtureOpener) Open(context.Context) (txn.Connection, error) {
	return fixtureConnection{db: o.db}, nil
}

func TestListenerFansOutToRecipients(t *testing.T) {
	f := newGraphFixture(t)
	f.register(entities.KindUser, "alice", "bob", "carol")
	object := f.create("alice", "c1", objects.CreateConfig{}, "bob", "carol")
	change := f.change(changes.KindShared, object)
	change.Recipients = []string{"bob", "ghost", "carol"}

	manager, err := txn.NewManager(txn.ManagerConfig{Opener: fixtureOpener{db: f.db}})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	listener := NewListener(f.graph, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notices, cleanup := f.notifier.SubscribeAll(ctx)
	defer cleanup()

	err = manager.Run(ctx, func(ctx context.Context, tc *txn.Context) error {
		return listener.OnChange(ctx, tc, change, nil)
	})
	if err != nil {
		t.Fatalf("unexpected listener error: %v", err)
	}

	for _, recipient := range []string{"bob", "carol"} {
		if got := f.sharedIDs(recipient, "c1"); !slices.Equal(got, []string{object.ObjectID}) {
			t.Fatalf("expected %s to receive the object, got %v", recipient, got)
		}
	}
	if len(notices) != 2 {
		t.Fatalf("expected two notices after commit, got %d", len(notices))
	}
}
