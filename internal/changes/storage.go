package changes

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var errMissingIDProvider = errors.New("changes: id provider is required")

// Record stores a committed change so receivers can resolve it by identifier.
type Record struct {
	ChangeID           string            `gorm:"column:change_id;primaryKey;size:64;not null"`
	Kind               string            `gorm:"column:kind;size:16;not null"`
	ObjectID           string            `gorm:"column:object_id;size:190;not null;index:idx_changes_object"`
	Creator            string            `gorm:"column:creator;size:190;not null"`
	ContainerID        string            `gorm:"column:container_id;size:190;not null"`
	LastModifiedMillis int64             `gorm:"column:last_modified_ms;not null"`
	Metadata           map[string]string `gorm:"column:metadata_json;type:text;serializer:json"`
	Recipients         []string          `gorm:"column:recipients_json;type:text;serializer:json"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "changes"
}

func recordFromChange(change *Change) Record {
	return Record{
		ChangeID:           change.ID,
		Kind:               change.Kind.String(),
		ObjectID:           change.ObjectID,
		Creator:            change.Creator,
		ContainerID:        change.ContainerID,
		LastModifiedMillis: change.LastModified.UnixMilli(),
		Metadata:           change.Metadata,
		Recipients:         change.Recipients,
	}
}

func (r Record) toChange() (*Change, error) {
	kind, err := ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	return &Change{
		ID:           r.ChangeID,
		Kind:         kind,
		ObjectID:     r.ObjectID,
		Creator:      r.Creator,
		ContainerID:  r.ContainerID,
		LastModified: time.UnixMilli(r.LastModifiedMillis).UTC(),
		Metadata:     r.Metadata,
		Recipients:   r.Recipients,
	}, nil
}

// Repository persists and resolves changes inside a caller-provided transaction.
type Repository struct {
	ids IDProvider
}

// NewRepository constructs a Repository issuing identifiers from ids.
func NewRepository(ids IDProvider) (*Repository, error) {
	if ids == nil {
		return nil, errMissingIDProvider
	}
	return &Repository{ids: ids}, nil
}

// Save assigns an identifier to an unsaved change and inserts it.
func (r *Repository) Save(db *gorm.DB, change *Change) error {
	if change == nil {
		return fmt.Errorf("%w: nil change", ErrInvalidChange)
	}
	if change.Saved() {
		return nil
	}
	id, err := r.ids.NewID()
	if err != nil {
		return err
	}
	change.ID = id
	record := recordFromChange(change)
	if err := db.Create(&record).Error; err != nil {
		change.ID = ""
		return err
	}
	return nil
}

// Resolve loads the change with the given identifier. Unknown identifiers
// resolve to nil without an error.
func (r *Repository) Resolve(db *gorm.DB, id string) (*Change, error) {
	var record Record
	err := db.Where("change_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.toChange()
}
