package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Kind selects the sharing role an entity plays.
type Kind string

const (
	// KindUser is an individual that actively follows others and accepts by default.
	KindUser Kind = "user"
	// KindTarget is a passive sharing target that accepts nothing until told to.
	KindTarget Kind = "target"
	// KindCommunity is a dynamic sharing target that always accepts and never ignores.
	KindCommunity Kind = "community"
)

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrInvalidKind indicates an unknown entity kind.
	ErrInvalidKind = errors.New("entities: invalid kind")
	// ErrUnknownEntity indicates the referenced entity is not registered.
	ErrUnknownEntity = errors.New("entities: unknown entity")
	// ErrKindMismatch indicates a registration that disagrees with the stored kind.
	ErrKindMismatch = errors.New("entities: kind mismatch")
	// ErrSelfMembership indicates an entity tried to join itself.
	ErrSelfMembership = errors.New("entities: cannot join self")
	// ErrNotCommunity indicates a membership in an entity that is not a community.
	ErrNotCommunity = errors.New("entities: not a community")
)

// NewEntityID validates raw input and returns a trimmed identifier.
func NewEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseKind validates a kind name.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindUser:
		return KindUser, nil
	case KindTarget:
		return KindTarget, nil
	case KindCommunity:
		return KindCommunity, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, value)
	}
}

// Entity is a participant in the sharing graph.
type Entity struct {
	EntityID    string    `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Kind        Kind      `gorm:"column:kind;size:16;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing entities.
func (Entity) TableName() string {
	return "entities"
}

// Membership records that an entity joined a community.
type Membership struct {
	EntityID       string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	CommunityID    string `gorm:"column:community_id;primaryKey;size:190;not null;index"`
	JoinedAtMillis int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName exposes the table backing community memberships.
func (Membership) TableName() string {
	return "community_memberships"
}
