package changes

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind enumerates the mutations a Change can describe.
type Kind int

const (
	// KindCreated marks a newly created object.
	KindCreated Kind = iota + 1
	// KindModified marks an edit of an existing object, including edits of its sharing targets.
	KindModified
	// KindDeleted marks an object that no longer exists.
	KindDeleted
	// KindShared marks an object that was explicitly shared with additional entities.
	KindShared
	// KindCircled marks that an entity began following the recipient.
	KindCircled
)

var kindNames = map[Kind]string{
	KindCreated:  "created",
	KindModified: "modified",
	KindDeleted:  "deleted",
	KindShared:   "shared",
	KindCircled:  "circled",
}

var (
	// ErrInvalidKind indicates an unknown change kind.
	ErrInvalidKind = errors.New("changes: invalid kind")
	// ErrInvalidChange indicates a change missing required attributes.
	ErrInvalidChange = errors.New("changes: invalid change")
)

// ParseKind maps a kind name back onto a Kind.
func ParseKind(value string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for kind, name := range kindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, value)
}

// String returns the stable name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Change describes one mutation of a shared object. It is not modified after
// it has been saved and given an ID.
type Change struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"kind"`
	ObjectID     string            `json:"object_id"`
	Creator      string            `json:"creator"`
	ContainerID  string            `json:"container_id"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// Recipients are the entities whose sharing state must react to the change.
	Recipients []string `json:"recipients,omitempty"`
}

// ChangeConfig carries the attributes of a new change.
type ChangeConfig struct {
	Kind         Kind
	ObjectID     string
	Creator      string
	ContainerID  string
	LastModified time.Time
	Metadata     map[string]string
	Recipients   []string
}

// NewChange validates the configuration and builds an unsaved Change.
func NewChange(cfg ChangeConfig) (*Change, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int(cfg.Kind))
	}
	objectID := strings.TrimSpace(cfg.ObjectID)
	if objectID == "" {
		return nil, fmt.Errorf("%w: empty object id", ErrInvalidChange)
	}
	creator := strings.TrimSpace(cfg.Creator)
	if creator == "" {
		return nil, fmt.Errorf("%w: empty creator", ErrInvalidChange)
	}
	lastModified := cfg.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now()
	}
	return &Change{
		Kind:         cfg.Kind,
		ObjectID:     objectID,
		Creator:      creator,
		ContainerID:  strings.TrimSpace(cfg.ContainerID),
		LastModified: lastModified.UTC(),
		Metadata:     maps.Clone(cfg.Metadata),
		Recipients:   uniqueStrings(cfg.Recipients),
	}, nil
}

// Saved reports whether the change has been assigned a durable identifier.
func (c *Change) Saved() bool {
	return c != nil && c.ID != ""
}

// Clone returns a deep copy of the change.
func (c *Change) Clone() *Change {
	if c == nil {
		return nil
	}
	copied := *c
	copied.Metadata = maps.Clone(c.Metadata)
	copied.Recipients = append([]string(nil), c.Recipients...)
	return &copied
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	return unique
}
