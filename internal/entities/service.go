package entities

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceConfig describes the dependencies of the entity registry.
type ServiceConfig struct {
	Clock func() time.Time
}

// Service registers entities and tracks community membership. Every method
// runs against the transaction handle supplied by the caller.
type Service struct {
	now   func() time.Time
	kinds sync.Map
}

// NewService constructs the entity registry.
func NewService(cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{now: clock}
}

// Register creates the entity or returns the stored one when it already exists
// with the same kind.
func (s *Service) Register(db *gorm.DB, rawID string, kind Kind, displayName string) (Entity, error) {
	entityID, err := NewEntityID(rawID)
	if err != nil {
		return Entity{}, err
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return Entity{}, err
	}

	var existing Entity
	err = db.Where("entity_id = ?", entityID).Take(&existing).Error
	if err == nil {
		if existing.Kind != kind {
			return Entity{}, fmt.Errorf("%w: %s is %s", ErrKindMismatch, entityID, existing.Kind)
		}
		s.kinds.Store(entityID, existing.Kind)
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, err
	}

	entity := Entity{
		EntityID:    entityID,
		Kind:        kind,
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := db.Create(&entity).Error; err != nil {
		return Entity{}, err
	}
	s.kinds.Store(entityID, kind)
	return entity, nil
}

// Get returns the entity or nil when it is not registered.
func (s *Service) Get(db *gorm.DB, entityID string) (*Entity, error) {
	var entity Entity
	err := db.Where("entity_id = ?", entityID).Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.kinds.Store(entity.EntityID, entity.Kind)
	return &entity, nil
}

// KindOf returns the kind of a registered entity. Kinds never change, so they
// are cached after the first lookup.
func (s *Service) KindOf(db *gorm.DB, entityID string) (Kind, error) {
	if cached, ok := s.kinds.Load(entityID); ok {
		if kind, ok := cached.(Kind); ok {
			return kind, nil
		}
	}
	entity, err := s.Get(db, entityID)
	if err != nil {
		return "", err
	}
	if entity == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	return entity.Kind, nil
}

// Join adds entityID to the community.
func (s *Service) Join(db *gorm.DB, entityID, communityID string) error {
	if entityID == communityID {
		return ErrSelfMembership
	}
	if _, err := s.KindOf(db, entityID); err != nil {
		return err
	}
	kind, err := s.KindOf(db, communityID)
	if err != nil {
		return err
	}
	if kind != KindCommunity {
		return fmt.Errorf("%w: %s", ErrNotCommunity, communityID)
	}
	membership := Membership{
		EntityID:       entityID,
		CommunityID:    communityID,
		JoinedAtMillis: s.now().UTC().UnixMilli(),
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&membership).Error
}

// Leave removes entityID from the community.
func (s *Service) Leave(db *gorm.DB, entityID, communityID string) error {
	return db.Where("entity_id = ? AND community_id = ?", entityID, communityID).
		Delete(&Membership{}).Error
}

// IsMember reports whether entityID belongs to the community.
func (s *Service) IsMember(db *gorm.DB, entityID, communityID string) (bool, error) {
	var count int64
	err := db.Model(&Membership{}).
		Where("entity_id = ? AND community_id = ?", entityID, communityID).
		Count(&count).Error
	return count > 0, err
}

// Communities lists the communities entityID has joined.
func (s *Service) Communities(db *gorm.DB, entityID string) ([]string, error) {
	var communityIDs []string
	err := db.Model(&Membership{}).
		Where("entity_id = ?", entityID).
		Order("community_id ASC").
		Pluck("community_id", &communityIDs).Error
	return communityIDs, err
}

// Members lists the members of a community.
func (s *Service) Members(db *gorm.DB, communityID string) ([]string, error) {
	var memberIDs []string
	err := db.Model(&Membership{}).
		Where("community_id = ?", communityID).
		Order("entity_id ASC").
		Pluck("entity_id", &memberIDs).Error
	return memberIDs, err
}
