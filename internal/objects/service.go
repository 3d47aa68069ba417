package objects

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingIDProvider  = errors.New("objects: id provider is required")
	errMissingMemberships = errors.New("objects: membership checker is required")
)

// MembershipChecker answers whether an entity belongs to a community.
type MembershipChecker interface {
	IsMember(db *gorm.DB, entityID, communityID string) (bool, error)
}

// ServiceConfig describes the dependencies of the object service.
type ServiceConfig struct {
	IDProvider  IDProvider
	Memberships MembershipChecker
	Clock       func() time.Time
}

// Service stores objects and their sharing targets.
type Service struct {
	ids         IDProvider
	memberships MembershipChecker
	now         func() time.Time
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Memberships == nil {
		return nil, errMissingMemberships
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{ids: cfg.IDProvider, memberships: cfg.Memberships, now: clock}, nil
}

// CreateConfig carries the attributes of a new object.
type CreateConfig struct {
	Creator     string
	ContainerID string
	Body        string
	InReplyTo   string
	References  []string
}

// Create stores a new object.
func (s *Service) Create(db *gorm.DB, cfg CreateConfig) (*Object, error) {
	creator := strings.TrimSpace(cfg.Creator)
	if creator == "" {
		return nil, fmt.Errorf("%w: empty creator", ErrInvalidObject)
	}
	containerID := strings.TrimSpace(cfg.ContainerID)
	if containerID == "" {
		return nil, fmt.Errorf("%w: empty container id", ErrInvalidObject)
	}
	objectID, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC().UnixMilli()
	object := Object{
		ObjectID:           objectID,
		Creator:            creator,
		ContainerID:        containerID,
		Body:               cfg.Body,
		InReplyTo:          strings.TrimSpace(cfg.InReplyTo),
		References:         cfg.References,
		CreatedAtMillis:    now,
		LastModifiedMillis: now,
	}
	if err := db.Create(&object).Error; err != nil {
		return nil, err
	}
	return &object, nil
}

// Get returns the object or nil when it does not exist.
func (s *Service) Get(db *gorm.DB, objectID string) (*Object, error) {
	return Ref{ID: objectID}.Resolve(db)
}

// UpdateBody replaces the body and bumps the modification time.
func (s *Service) UpdateBody(db *gorm.DB, object *Object, body string) error {
	object.Body = body
	return s.Touch(db, object)
}

// Touch bumps the modification time of object.
func (s *Service) Touch(db *gorm.DB, object *Object) error {
	object.LastModifiedMillis = s.now().UTC().UnixMilli()
	return db.Model(&Object{}).
		Where("object_id = ?", object.ObjectID).
		Updates(map[string]interface{}{
			"body":             object.Body,
			"last_modified_ms": object.LastModifiedMillis,
		}).Error
}

// Delete removes the object and its sharing targets.
func (s *Service) Delete(db *gorm.DB, objectID string) error {
	if err := db.Where("object_id = ?", objectID).Delete(&SharingTarget{}).Error; err != nil {
		return err
	}
	return db.Where("object_id = ?", objectID).Delete(&Object{}).Error
}

// SharingTargets lists the entities the object is shared with.
func (s *Service) SharingTargets(db *gorm.DB, objectID string) ([]string, error) {
	var targets []string
	err := db.Model(&SharingTarget{}).
		Where("object_id = ?", objectID).
		Order("entity_id ASC").
		Pluck("entity_id", &targets).Error
	return targets, err
}

// AddSharingTarget shares object with target. Sharing with the creator is a
// no-op. It reports whether the target was newly added.
func (s *Service) AddSharingTarget(db *gorm.DB, object *Object, target string) (bool, error) {
	target = strings.TrimSpace(target)
	if target == "" || target == object.Creator {
		return false, nil
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SharingTarget{ObjectID: object.ObjectID, EntityID: target})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ClearSharingTargets unshares object with everyone and returns the former targets.
func (s *Service) ClearSharingTargets(db *gorm.DB, object *Object) ([]string, error) {
	previous, err := s.SharingTargets(db, object.ObjectID)
	if err != nil {
		return nil, err
	}
	if err := db.Where("object_id = ?", object.ObjectID).Delete(&SharingTarget{}).Error; err != nil {
		return nil, err
	}
	return previous, nil
}

// UpdateSharingTargets replaces the target set and reports what was added and removed.
func (s *Service) UpdateSharingTargets(db *gorm.DB, object *Object, replacement []string) (added, removed []string, err error) {
	previous, err := s.SharingTargets(db, object.ObjectID)
	if err != nil {
		return nil, nil, err
	}
	wanted := make([]string, 0, len(replacement))
	for _, target := range replacement {
		target = strings.TrimSpace(target)
		if target == "" || target == object.Creator || slices.Contains(wanted, target) {
			continue
		}
		wanted = append(wanted, target)
	}
	for _, target := range previous {
		if slices.Contains(wanted, target) {
			continue
		}
		if err := db.Where("object_id = ? AND entity_id = ?", object.ObjectID, target).
			Delete(&SharingTarget{}).Error; err != nil {
			return nil, nil, err
		}
		removed = append(removed, target)
	}
	for _, target := range wanted {
		if slices.Contains(previous, target) {
			continue
		}
		if _, err := s.AddSharingTarget(db, object, target); err != nil {
			return nil, nil, err
		}
		added = append(added, target)
	}
	return added, removed, nil
}

// IsSharedWith reports whether object is shared with entityID directly or
// through a community entityID belongs to.
func (s *Service) IsSharedWith(db *gorm.DB, object *Object, entityID string) (bool, error) {
	if object == nil {
		return false, nil
	}
	targets, err := s.SharingTargets(db, object.ObjectID)
	if err != nil {
		return false, err
	}
	if slices.Contains(targets, entityID) {
		return true, nil
	}
	for _, target := range targets {
		member, err := s.memberships.IsMember(db, entityID, target)
		if err != nil {
			return false, err
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}
