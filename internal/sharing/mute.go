package sharing

import (
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (g *Graph) mutedIDs(db *gorm.DB, entityID string) ([]string, error) {
	var ids []string
	err := db.Model(&Mute{}).Where("entity_id = ?", entityID).Pluck("muted_id", &ids).Error
	return ids, err
}

func (g *Graph) anyMuted(db *gorm.DB, entityID string, candidates []string) (bool, error) {
	muted, err := g.mutedIDs(db, entityID)
	if err != nil || len(muted) == 0 {
		return false, err
	}
	for _, candidate := range candidates {
		if slices.Contains(muted, candidate) {
			return true, nil
		}
	}
	return false, nil
}

// conversationIDs lists the ids a mute can match for objectID. A deleted object
// can only be matched by its own ids.
func (g *Graph) conversationIDs(db *gorm.DB, objectID string) ([]string, error) {
	object, err := g.objects.Get(db, objectID)
	if err != nil {
		return nil, err
	}
	if object == nil {
		return []string{objectID, objects.ExternalIDFor(objectID)}, nil
	}
	return object.ConversationIDs(), nil
}

// IsMuted reports whether objectID, or any conversation it belongs to, is
// muted by entityID.
func (g *Graph) IsMuted(db *gorm.DB, entityID, objectID string) (bool, error) {
	ids, err := g.conversationIDs(db, objectID)
	if err != nil {
		return false, err
	}
	return g.anyMuted(db, entityID, ids)
}

// MuteConversation mutes rootID and moves every matching shared object and
// stream entry into the muted partition.
func (g *Graph) MuteConversation(db *gorm.DB, entityID, rootID string) error {
	rootID = strings.TrimSpace(rootID)
	if rootID == "" {
		return nil
	}
	mute := Mute{EntityID: entityID, MutedID: rootID, CreatedAtMillis: g.now().UTC().UnixMilli()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&mute).Error; err != nil {
		return err
	}
	return g.repartition(db, entityID, false)
}

// UnmuteConversation removes rootID from the mute set and restores every
// object no other mute still covers.
func (g *Graph) UnmuteConversation(db *gorm.DB, entityID, rootID string) error {
	if err := db.Where("entity_id = ? AND muted_id = ?", entityID, strings.TrimSpace(rootID)).
		Delete(&Mute{}).Error; err != nil {
		return err
	}
	return g.repartition(db, entityID, true)
}

// repartition re-evaluates the objects currently in one partition and moves
// those whose mute state changed.
func (g *Graph) repartition(db *gorm.DB, entityID string, fromMuted bool) error {
	var objectIDs []string
	if err := db.Model(&SharedEntry{}).
		Where("entity_id = ? AND muted = ?", entityID, fromMuted).
		Pluck("object_id", &objectIDs).Error; err != nil {
		return err
	}
	var streamed []string
	if err := db.Model(&StreamEntry{}).
		Where("entity_id = ? AND muted = ?", entityID, fromMuted).
		Pluck("object_id", &streamed).Error; err != nil {
		return err
	}
	for _, objectID := range streamed {
		if !slices.Contains(objectIDs, objectID) {
			objectIDs = append(objectIDs, objectID)
		}
	}

	var moving []string
	for _, objectID := range objectIDs {
		muted, err := g.IsMuted(db, entityID, objectID)
		if err != nil {
			return err
		}
		if muted == fromMuted {
			continue
		}
		moving = append(moving, objectID)
	}
	if len(moving) == 0 {
		return nil
	}
	if err := db.Model(&SharedEntry{}).
		Where("entity_id = ? AND object_id IN ?", entityID, moving).
		Update("muted", !fromMuted).Error; err != nil {
		return err
	}
	return db.Model(&StreamEntry{}).
		Where("entity_id = ? AND object_id IN ?", entityID, moving).
		Update("muted", !fromMuted).Error
}
