package sharing

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

type sequenceIDs struct {
	prefix string
	next   int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("%s-%d", s.prefix, s.next), nil
}

type graphFixture struct {
	t        *testing.T
	db       *gorm.DB
	registry *entities.Service
	objects  *objects.Service
	graph    *Graph
	notifier *Notifier
	changeID int
}

func newGraphFixture(t *testing.T) *graphFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sharing.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(
		&entities.Entity{}, &entities.Membership{},
		&objects.Object{}, &objects.SharingTarget{},
		&SharedEntry{}, &StreamEntry{}, &Mute{}, &Relationship{}, &Follow{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &tickingClock{current: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	registry := entities.NewService(entities.ServiceConfig{Clock: clock.now})
	objectService, err := objects.NewService(objects.ServiceConfig{
		IDProvider:  &sequenceIDs{prefix: "object"},
		Memberships: registry,
		Clock:       clock.now,
	})
	if err != nil {
		t.Fatalf("failed to build object service: %v", err)
	}
	notifier := NewNotifier()
	graph, err := NewGraph(GraphConfig{
		Entities: registry,
		Objects:  objectService,
		Notifier: notifier,
		Clock:    clock.now,
	})
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return &graphFixture{t: t, db: db, registry: registry, objects: objectService, graph: graph, notifier: notifier}
}

func (f *graphFixture) register(kind entities.Kind, ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		if _, err := f.registry.Register(f.db, id, kind, ""); err != nil {
			f.t.Fatalf("failed to register %s: %v", id, err)
		}
	}
}

func (f *graphFixture) create(creator, containerID string, cfg objects.CreateConfig, targets ...string) *objects.Object {
	f.t.Helper()
	cfg.Creator = creator
	cfg.ContainerID = containerID
	object, err := f.objects.Create(f.db, cfg)
	if err != nil {
		f.t.Fatalf("failed to create object: %v", err)
	}
	for _, target := range targets {
		if _, err := f.objects.AddSharingTarget(f.db, object, target); err != nil {
			f.t.Fatalf("failed to share with %s: %v", target, err)
		}
	}
	return object
}

func (f *graphFixture) change(kind changes.Kind, object *objects.Object) *changes.Change {
	f.changeID++
	return &changes.Change{
		ID:           fmt.Sprintf("change-%d", f.changeID),
		Kind:         kind,
		ObjectID:     object.ObjectID,
		Creator:      object.Creator,
		ContainerID:  object.ContainerID,
		LastModified: object.LastModified(),
	}
}

func (f *graphFixture) notice(recipient string, change *changes.Change) {
	f.t.Helper()
	if err := f.graph.NoticeChange(context.Background(), f.db, recipient, change); err != nil {
		f.t.Fatalf("notice %s for %s failed: %v", change.Kind, recipient, err)
	}
}

func (f *graphFixture) sharedIDs(entityID, containerID string) []string {
	f.t.Helper()
	entries, err := f.graph.GetSharedContainer(f.db, entityID, containerID)
	if err != nil {
		f.t.Fatalf("failed to read shared container: %v", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ObjectID)
	}
	return ids
}

func (f *graphFixture) mutedIDs(entityID, containerID string) []string {
	f.t.Helper()
	entries, err := f.graph.GetMutedContainer(f.db, entityID, containerID)
	if err != nil {
		f.t.Fatalf("failed to read muted container: %v", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ObjectID)
	}
	return ids
}

func (f *graphFixture) stream(entityID, containerID string) []*changes.Change {
	f.t.Helper()
	stream, err := f.graph.GetContainedStream(f.db, entityID, containerID, time.Time{}, 0)
	if err != nil {
		f.t.Fatalf("failed to read stream: %v", err)
	}
	return stream
}

func (f *graphFixture) streamIDs(entityID, containerID string) []string {
	f.t.Helper()
	stream := f.stream(entityID, containerID)
	ids := make([]string, 0, len(stream))
	for _, change := range stream {
		ids = append(ids, change.ObjectID)
	}
	return ids
}
