package sharing

import (
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
)

// SharedEntry is one object in an entity's permanent shared index. Muted
// entries form the parallel muted index, so an object is in exactly one of
// the two.
type SharedEntry struct {
	EntityID           string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ContainerID        string `gorm:"column:container_id;primaryKey;size:190;not null"`
	ObjectID           string `gorm:"column:object_id;primaryKey;size:64;not null;index"`
	Creator            string `gorm:"column:creator;size:190;not null"`
	Muted              bool   `gorm:"column:muted;not null"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SharedEntry) TableName() string {
	return "shared_entries"
}

// LastModified returns the modification time of the shared object.
func (e SharedEntry) LastModified() time.Time {
	return time.UnixMilli(e.LastModifiedMillis).UTC()
}

// StreamEntry caches the most recent change per object for an entity's stream.
type StreamEntry struct {
	EntityID           string       `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ContainerID        string       `gorm:"column:container_id;primaryKey;size:190;not null"`
	ObjectID           string       `gorm:"column:object_id;primaryKey;size:190;not null;index"`
	ChangeID           string       `gorm:"column:change_id;size:64;not null;index"`
	Kind               changes.Kind `gorm:"column:kind;not null"`
	Creator            string       `gorm:"column:creator;size:190;not null"`
	Muted              bool         `gorm:"column:muted;not null"`
	LastModifiedMillis int64        `gorm:"column:last_modified_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (StreamEntry) TableName() string {
	return "stream_entries"
}

func (e StreamEntry) change() *changes.Change {
	return &changes.Change{
		ID:           e.ChangeID,
		Kind:         e.Kind,
		ObjectID:     e.ObjectID,
		Creator:      e.Creator,
		ContainerID:  e.ContainerID,
		LastModified: time.UnixMilli(e.LastModifiedMillis).UTC(),
	}
}

// Mute records a muted conversation root for an entity.
type Mute struct {
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	MutedID         string `gorm:"column:muted_id;primaryKey;size:255;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Mute) TableName() string {
	return "conversation_mutes"
}

// Relationship stores the explicit accept and ignore flags an entity holds
// toward another entity. A missing row means neither flag is set.
type Relationship struct {
	EntityID string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	OtherID  string `gorm:"column:other_id;primaryKey;size:190;not null"`
	Accepted bool   `gorm:"column:accepted;not null"`
	Ignored  bool   `gorm:"column:ignored;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Relationship) TableName() string {
	return "sharing_relationships"
}

// Follow records that EntityID pulls activity from FollowedID.
type Follow struct {
	EntityID        string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	FollowedID      string `gorm:"column:followed_id;primaryKey;size:190;not null;index"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Follow) TableName() string {
	return "follows"
}
