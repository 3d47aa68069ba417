package sharing

import (
	"errors"

	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (g *Graph) relationship(db *gorm.DB, entityID, otherID string) (Relationship, error) {
	relationship := Relationship{EntityID: entityID, OtherID: otherID}
	err := db.Where("entity_id = ? AND other_id = ?", entityID, otherID).Take(&relationship).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return relationship, nil
	}
	return relationship, err
}

func (g *Graph) storeRelationship(db *gorm.DB, relationship Relationship) error {
	if !relationship.Accepted && !relationship.Ignored {
		return db.Where("entity_id = ? AND other_id = ?", relationship.EntityID, relationship.OtherID).
			Delete(&Relationship{}).Error
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}, {Name: "other_id"}},
		UpdateAll: true,
	}).Create(&relationship).Error
}

func (g *Graph) updateRelationship(db *gorm.DB, entityID, otherID string, mutate func(*Relationship)) error {
	relationship, err := g.relationship(db, entityID, otherID)
	if err != nil {
		return err
	}
	mutate(&relationship)
	return g.storeRelationship(db, relationship)
}

// AcceptSharedDataFrom makes a passive target accept data shared by otherID.
// Users and communities already accept by default, so for them it is a no-op.
// An existing ignore is left in place and keeps winning until
// StopIgnoringSharedDataFrom withdraws it.
func (g *Graph) AcceptSharedDataFrom(db *gorm.DB, entityID, otherID string) error {
	if entityID == otherID {
		return nil
	}
	kind, err := g.entities.KindOf(db, entityID)
	if err != nil {
		return err
	}
	if kind != entities.KindTarget {
		return nil
	}
	return g.updateRelationship(db, entityID, otherID, func(r *Relationship) { r.Accepted = true })
}

// ResetSharedDataFrom withdraws an explicit accept.
func (g *Graph) ResetSharedDataFrom(db *gorm.DB, entityID, otherID string) error {
	return g.updateRelationship(db, entityID, otherID, func(r *Relationship) { r.Accepted = false })
}

// IgnoreSharedDataFrom drops all future data shared by otherID. Communities
// never ignore.
func (g *Graph) IgnoreSharedDataFrom(db *gorm.DB, entityID, otherID string) error {
	kind, err := g.entities.KindOf(db, entityID)
	if err != nil {
		return err
	}
	if kind == entities.KindCommunity {
		return ErrUnsupported
	}
	if entityID == otherID {
		return nil
	}
	return g.updateRelationship(db, entityID, otherID, func(r *Relationship) { r.Ignored = true })
}

// StopIgnoringSharedDataFrom withdraws an explicit ignore.
func (g *Graph) StopIgnoringSharedDataFrom(db *gorm.DB, entityID, otherID string) error {
	return g.updateRelationship(db, entityID, otherID, func(r *Relationship) { r.Ignored = false })
}

// IsIgnoringSharedDataFrom reports whether entityID ignores otherID. Every
// entity ignores itself.
func (g *Graph) IsIgnoringSharedDataFrom(db *gorm.DB, entityID, otherID string) (bool, error) {
	if entityID == otherID {
		return true, nil
	}
	kind, err := g.entities.KindOf(db, entityID)
	if err != nil {
		return false, err
	}
	if kind == entities.KindCommunity {
		return false, nil
	}
	relationship, err := g.relationship(db, entityID, otherID)
	return relationship.Ignored, err
}

// IsAcceptingSharedDataFrom reports whether data shared by otherID reaches
// entityID. Ignoring always wins over accepting.
//
//	user       accepts unless ignoring
//	target     accepts only after an explicit accept
//	community  always accepts
func (g *Graph) IsAcceptingSharedDataFrom(db *gorm.DB, entityID, otherID string) (bool, error) {
	if entityID == otherID {
		return false, nil
	}
	kind, err := g.entities.KindOf(db, entityID)
	if err != nil {
		return false, err
	}
	if kind == entities.KindCommunity {
		return true, nil
	}
	relationship, err := g.relationship(db, entityID, otherID)
	if err != nil {
		return false, err
	}
	if relationship.Ignored {
		return false, nil
	}
	if kind == entities.KindTarget {
		return relationship.Accepted, nil
	}
	return true, nil
}
