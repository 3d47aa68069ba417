package entities

import (
	"errors"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "entities.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entity{}, &Membership{}); err != nil {
		t.Fatalf("failed to migrate entity schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestRegisterIsIdempotentForSameKind(t *testing.T) {
	db := openTestDatabase(t)
	service := NewService(ServiceConfig{})

	first, err := service.Register(db, " alice ", KindUser, "Alice")
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if first.EntityID != "alice" {
		t.Fatalf("expected trimmed id, got %q", first.EntityID)
	}
	if _, err := service.Register(db, "alice", KindUser, "Alice"); err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if _, err := service.Register(db, "alice", KindCommunity, "Alice"); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected kind mismatch, got %v", err)
	}
}

func TestGetReturnsNilForUnknownEntity(t *testing.T) {
	db := openTestDatabase(t)
	service := NewService(ServiceConfig{})

	entity, err := service.Get(db, "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entity != nil {
		t.Fatalf("expected nil entity, got %+v", entity)
	}
	if _, err := service.KindOf(db, "nobody"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected unknown entity error, got %v", err)
	}
}

func TestJoinValidatesCommunity(t *testing.T) {
	db := openTestDatabase(t)
	service := NewService(ServiceConfig{})
	mustRegister(t, service, db, "alice", KindUser)
	mustRegister(t, service, db, "bob", KindUser)
	mustRegister(t, service, db, "chess-club", KindCommunity)

	if err := service.Join(db, "alice", "alice"); !errors.Is(err, ErrSelfMembership) {
		t.Fatalf("expected self membership error, got %v", err)
	}
	if err := service.Join(db, "alice", "bob"); !errors.Is(err, ErrNotCommunity) {
		t.Fatalf("expected not community error, got %v", err)
	}
	if err := service.Join(db, "alice", "chess-club"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := service.Join(db, "alice", "chess-club"); err != nil {
		t.Fatalf("repeated join should be a no-op, got %v", err)
	}

	member, err := service.IsMember(db, "alice", "chess-club")
	if err != nil || !member {
		t.Fatalf("expected alice to be a member, got %v (%v)", member, err)
	}
	members, err := service.Members(db, "chess-club")
	if err != nil || len(members) != 1 || members[0] != "alice" {
		t.Fatalf("unexpected members %v (%v)", members, err)
	}

	if err := service.Leave(db, "alice", "chess-club"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	communities, err := service.Communities(db, "alice")
	if err != nil || len(communities) != 0 {
		t.Fatalf("expected no communities after leaving, got %v (%v)", communities, err)
	}
}

func mustRegister(t *testing.T, service *Service, db *gorm.DB, id string, kind Kind) {
	t.Helper()
	if _, err := service.Register(db, id, kind, id); err != nil {
		t.Fatalf("failed to register %s: %v", id, err)
	}
}
