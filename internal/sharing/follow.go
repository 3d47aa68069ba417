package sharing

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Follow makes entityID pull activity from followedID at stream read time.
func (g *Graph) Follow(db *gorm.DB, entityID, followedID string) error {
	if entityID == followedID {
		return ErrSelfRelationship
	}
	for _, id := range []string{entityID, followedID} {
		if _, err := g.entities.KindOf(db, id); err != nil {
			return err
		}
	}
	follow := Follow{EntityID: entityID, FollowedID: followedID, CreatedAtMillis: g.now().UTC().UnixMilli()}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&follow).Error
}

// Unfollow stops pulling activity from followedID.
func (g *Graph) Unfollow(db *gorm.DB, entityID, followedID string) error {
	return db.Where("entity_id = ? AND followed_id = ?", entityID, followedID).Delete(&Follow{}).Error
}

// Following lists the entities entityID follows.
func (g *Graph) Following(db *gorm.DB, entityID string) ([]string, error) {
	var followed []string
	err := db.Model(&Follow{}).
		Where("entity_id = ?", entityID).
		Order("followed_id ASC").
		Pluck("followed_id", &followed).Error
	return followed, err
}

// IsFollowing reports whether entityID follows followedID.
func (g *Graph) IsFollowing(db *gorm.DB, entityID, followedID string) (bool, error) {
	var count int64
	err := db.Model(&Follow{}).
		Where("entity_id = ? AND followed_id = ?", entityID, followedID).
		Count(&count).Error
	return count > 0, err
}

// JoinCommunity adds entityID to a community. Joining oneself is rejected.
func (g *Graph) JoinCommunity(db *gorm.DB, entityID, communityID string) error {
	return g.entities.Join(db, entityID, communityID)
}

// LeaveCommunity removes entityID from a community.
func (g *Graph) LeaveCommunity(db *gorm.DB, entityID, communityID string) error {
	return g.entities.Leave(db, entityID, communityID)
}
