package sharing

import (
	"slices"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"gorm.io/gorm"
)

type streamCollector struct {
	minAge   time.Time
	seen     map[string]struct{}
	collated []*changes.Change
}

func (c *streamCollector) add(change *changes.Change) {
	if !c.minAge.IsZero() && change.LastModified.Before(c.minAge) {
		return
	}
	if _, ok := c.seen[change.ObjectID]; ok {
		return
	}
	c.seen[change.ObjectID] = struct{}{}
	c.collated = append(c.collated, change)
}

// GetContainedStream returns the recent activity entityID sees in a
// container, newest first. It merges the entity's own stream cache with the
// caches of joined communities and of followed communities, the latter
// limited to creators the entity follows. When the caches hold fewer than
// maxCount entries, unmuted objects from the shared index are added as
// synthesized Shared changes. Entries modified before minAge are skipped; a
// non-positive maxCount means the configured default.
func (g *Graph) GetContainedStream(db *gorm.DB, entityID, containerID string, minAge time.Time, maxCount int) ([]*changes.Change, error) {
	if maxCount <= 0 {
		maxCount = g.maxStreamSize
	}
	collector := &streamCollector{minAge: minAge, seen: make(map[string]struct{})}

	own, err := g.streamEntries(db, entityID, containerID)
	if err != nil {
		return nil, err
	}
	for _, entry := range own {
		collector.add(entry.change())
	}

	kind, err := g.entities.KindOf(db, entityID)
	if err != nil {
		return nil, err
	}
	if kind == entities.KindUser {
		if err := g.collectCommunities(db, entityID, containerID, collector); err != nil {
			return nil, err
		}
	}

	if len(collector.collated) < maxCount {
		shared, err := g.GetSharedContainer(db, entityID, containerID)
		if err != nil {
			return nil, err
		}
		for _, entry := range shared {
			collector.add(&changes.Change{
				Kind:         changes.KindShared,
				ObjectID:     entry.ObjectID,
				Creator:      entry.Creator,
				ContainerID:  entry.ContainerID,
				LastModified: entry.LastModified(),
			})
		}
	}

	stream := collector.collated
	sort.SliceStable(stream, func(i, j int) bool {
		return stream[i].LastModified.After(stream[j].LastModified)
	})
	if len(stream) > maxCount {
		stream = stream[:maxCount]
	}
	return stream, nil
}

// collectCommunities merges the caches of followed communities whole, and
// the caches of joined communities limited to creators entityID follows.
func (g *Graph) collectCommunities(db *gorm.DB, entityID, containerID string, collector *streamCollector) error {
	joined, err := g.entities.Communities(db, entityID)
	if err != nil {
		return err
	}
	followed, err := g.Following(db, entityID)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for _, followedID := range followed {
		kind, err := g.entities.KindOf(db, followedID)
		if err != nil {
			return err
		}
		if kind != entities.KindCommunity {
			continue
		}
		seen[followedID] = struct{}{}
		entries, err := g.streamEntries(db, followedID, containerID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			collector.add(entry.change())
		}
	}

	for _, communityID := range joined {
		if _, ok := seen[communityID]; ok {
			continue
		}
		entries, err := g.streamEntries(db, communityID, containerID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if slices.Contains(followed, entry.Creator) {
				collector.add(entry.change())
			}
		}
	}
	return nil
}

func (g *Graph) streamEntries(db *gorm.DB, entityID, containerID string) ([]StreamEntry, error) {
	var entries []StreamEntry
	err := db.Where("entity_id = ? AND container_id = ? AND muted = ?", entityID, containerID, false).
		Order("last_modified_ms DESC").
		Order("object_id ASC").
		Find(&entries).Error
	return entries, err
}
