package objects

import (
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("object-%d", s.next), nil
}

func newTestService(t *testing.T) (*Service, *entities.Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "objects.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&Object{}, &SharingTarget{}, &entities.Entity{}, &entities.Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry := entities.NewService(entities.ServiceConfig{})
	service, err := NewService(ServiceConfig{IDProvider: &sequenceIDs{}, Memberships: registry})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, registry, db
}

func createObject(t *testing.T, service *Service, db *gorm.DB) *Object {
	t.Helper()
	object, err := service.Create(db, CreateConfig{Creator: "alice", ContainerID: "c1", Body: "hello"})
	if err != nil {
		t.Fatalf("failed to create object: %v", err)
	}
	return object
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected error for missing id provider")
	}
	if _, err := NewService(ServiceConfig{IDProvider: NewULIDProvider()}); err == nil {
		t.Fatalf("expected error for missing memberships")
	}
}

func TestAddSharingTargetIgnoresCreator(t *testing.T) {
	service, _, db := newTestService(t)
	object := createObject(t, service, db)

	added, err := service.AddSharingTarget(db, object, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if added {
		t.Fatalf("sharing with the creator must be a no-op")
	}
	added, err = service.AddSharingTarget(db, object, "bob")
	if err != nil || !added {
		t.Fatalf("expected bob to be added, added=%v err=%v", added, err)
	}
	added, err = service.AddSharingTarget(db, object, "bob")
	if err != nil || added {
		t.Fatalf("expected duplicate add to be a no-op, added=%v err=%v", added, err)
	}
	targets, err := service.SharingTargets(db, object.ObjectID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(targets, []string{"bob"}) {
		t.Fatalf("unexpected targets %v", targets)
	}
}

func TestUpdateSharingTargetsReportsDelta(t *testing.T) {
	service, _, db := newTestService(t)
	object := createObject(t, service, db)
	for _, target := range []string{"bob", "carol"} {
		if _, err := service.AddSharingTarget(db, object, target); err != nil {
			t.Fatalf("failed to add target: %v", err)
		}
	}

	added, removed, err := service.UpdateSharingTargets(db, object, []string{"carol", "dave", "alice", "dave"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(added, []string{"dave"}) || !slices.Equal(removed, []string{"bob"}) {
		t.Fatalf("unexpected delta added=%v removed=%v", added, removed)
	}

	previous, err := service.ClearSharingTargets(db, object)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(previous, []string{"carol", "dave"}) {
		t.Fatalf("unexpected cleared targets %v", previous)
	}
	targets, _ := service.SharingTargets(db, object.ObjectID)
	if len(targets) != 0 {
		t.Fatalf("expected no targets, got %v", targets)
	}
}

func TestIsSharedWithFollowsCommunityMembership(t *testing.T) {
	service, registry, db := newTestService(t)
	for id, kind := range map[string]entities.Kind{
		"alice":   entities.KindUser,
		"bob":     entities.KindUser,
		"erin":    entities.KindUser,
		"gardens": entities.KindCommunity,
	} {
		if _, err := registry.Register(db, id, kind, ""); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}
	if err := registry.Join(db, "erin", "gardens"); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	object := createObject(t, service, db)
	if _, err := service.AddSharingTarget(db, object, "gardens"); err != nil {
		t.Fatalf("failed to share: %v", err)
	}

	cases := map[string]bool{"gardens": true, "erin": true, "bob": false}
	for entityID, expected := range cases {
		shared, err := service.IsSharedWith(db, object, entityID)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", entityID, err)
		}
		if shared != expected {
			t.Fatalf("IsSharedWith(%s) = %v, expected %v", entityID, shared, expected)
		}
	}
}

func TestRefResolvesDeletedObjectToNil(t *testing.T) {
	service, _, db := newTestService(t)
	object := createObject(t, service, db)
	if _, err := service.AddSharingTarget(db, object, "bob"); err != nil {
		t.Fatalf("failed to share: %v", err)
	}
	ref := Ref{ID: object.ObjectID}

	resolved, err := ref.Resolve(db)
	if err != nil || resolved == nil {
		t.Fatalf("expected live object, got %v err=%v", resolved, err)
	}
	if err := service.Delete(db, object.ObjectID); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	resolved, err = ref.Resolve(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != nil {
		t.Fatalf("expected deleted object to resolve to nil")
	}
	targets, _ := service.SharingTargets(db, object.ObjectID)
	if len(targets) != 0 {
		t.Fatalf("expected sharing targets to be removed with the object")
	}
}

func TestConversationIDsNormalizeExternalReferences(t *testing.T) {
	object := Object{ObjectID: "o2", InReplyTo: ExternalIDFor("o1"), References: []string{"o1"}}
	ids := object.ConversationIDs()
	expected := []string{"o2", ExternalIDFor("o2"), "o1", ExternalIDFor("o1")}
	if !slices.Equal(ids, expected) {
		t.Fatalf("unexpected conversation ids %v", ids)
	}
}

func TestConversationIDsIncludeReplyChain(t *testing.T) {
	object := Object{ObjectID: "o1", InReplyTo: "root", References: []string{"r1", "r2"}}
	ids := object.ConversationIDs()
	expected := []string{
		"o1", ExternalIDFor("o1"),
		"root", ExternalIDFor("root"),
		"r1", ExternalIDFor("r1"),
		"r2", ExternalIDFor("r2"),
	}
	if !slices.Equal(ids, expected) {
		t.Fatalf("unexpected conversation ids %v", ids)
	}
}
