package objects

import (
	"errors"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"
)

const externalIDPrefix = "urn:sharestream:object:"

var (
	// ErrInvalidObject indicates an object missing required attributes.
	ErrInvalidObject = errors.New("objects: invalid object")
	// ErrUnknownObject indicates the referenced object does not exist.
	ErrUnknownObject = errors.New("objects: unknown object")
)

// Object is a unit of user-owned content that can be shared with other entities.
type Object struct {
	ObjectID           string   `gorm:"column:object_id;primaryKey;size:64;not null"`
	Creator            string   `gorm:"column:creator;size:190;not null;index"`
	ContainerID        string   `gorm:"column:container_id;size:190;not null;index"`
	Body               string   `gorm:"column:body;type:text;not null"`
	InReplyTo          string   `gorm:"column:in_reply_to;size:190"`
	References         []string `gorm:"column:references_json;type:text;serializer:json"`
	CreatedAtMillis    int64    `gorm:"column:created_at_ms;not null"`
	LastModifiedMillis int64    `gorm:"column:last_modified_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Object) TableName() string {
	return "objects"
}

// ExternalID returns the externally addressable identifier of the object.
func (o *Object) ExternalID() string {
	return ExternalIDFor(o.ObjectID)
}

// ExternalIDFor returns the externally addressable identifier of objectID.
func ExternalIDFor(objectID string) string {
	return externalIDPrefix + objectID
}

// LastModified returns the modification time.
func (o *Object) LastModified() time.Time {
	return time.UnixMilli(o.LastModifiedMillis).UTC()
}

// ConversationIDs lists every identifier a mute can match: the object's own
// id and its reply chain, each in local and external form.
func (o *Object) ConversationIDs() []string {
	ids := appendIDForms(nil, o.ObjectID)
	if o.InReplyTo != "" {
		ids = appendIDForms(ids, o.InReplyTo)
	}
	for _, reference := range o.References {
		ids = appendIDForms(ids, reference)
	}
	return ids
}

// LocalID strips the external prefix from id when present.
func LocalID(id string) string {
	return strings.TrimPrefix(id, externalIDPrefix)
}

func appendIDForms(ids []string, id string) []string {
	local := LocalID(id)
	for _, form := range []string{local, ExternalIDFor(local)} {
		if !slices.Contains(ids, form) {
			ids = append(ids, form)
		}
	}
	return ids
}

// SharingTarget records that an object is shared with an entity.
type SharingTarget struct {
	ObjectID string `gorm:"column:object_id;primaryKey;size:64;not null"`
	EntityID string `gorm:"column:entity_id;primaryKey;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (SharingTarget) TableName() string {
	return "object_sharing_targets"
}

// Ref refers to an object by identifier only. Resolving a Ref whose object has
// been deleted yields nil rather than a stale value.
type Ref struct {
	ID string
}

// Resolve loads the referenced object, returning nil when it no longer exists.
func (r Ref) Resolve(db *gorm.DB) (*Object, error) {
	if r.ID == "" {
		return nil, nil
	}
	var object Object
	err := db.Where("object_id = ?", r.ID).Take(&object).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &object, nil
}
