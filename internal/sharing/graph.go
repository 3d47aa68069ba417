// Package sharing maintains, for every entity, the objects shared with it,
// the recent-activity stream cache, muted conversations, and the
// relationships that decide whose shared data it accepts.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxStreamSize bounds stream reads when the caller passes no limit.
const DefaultMaxStreamSize = 50

var (
	// ErrUnsupported indicates a relationship operation the entity's role does not allow.
	ErrUnsupported = errors.New("sharing: operation not supported for entity")
	// ErrSelfRelationship indicates an entity trying to follow itself.
	ErrSelfRelationship = errors.New("sharing: entity cannot follow itself")

	errMissingEntities = errors.New("sharing: entity directory is required")
	errMissingObjects  = errors.New("sharing: object source is required")
)

// EntityDirectory resolves entity roles and community membership.
type EntityDirectory interface {
	KindOf(db *gorm.DB, entityID string) (entities.Kind, error)
	Join(db *gorm.DB, entityID, communityID string) error
	Leave(db *gorm.DB, entityID, communityID string) error
	Communities(db *gorm.DB, entityID string) ([]string, error)
	Members(db *gorm.DB, communityID string) ([]string, error)
}

// ObjectSource loads shared objects and answers sharing questions about them.
type ObjectSource interface {
	Get(db *gorm.DB, objectID string) (*objects.Object, error)
	IsSharedWith(db *gorm.DB, object *objects.Object, entityID string) (bool, error)
}

// GraphConfig describes the dependencies of a Graph.
type GraphConfig struct {
	Entities      EntityDirectory
	Objects       ObjectSource
	Notifier      *Notifier
	MaxStreamSize int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Graph applies sharing semantics to per-entity state stored in the object
// store. Every method runs against the caller's transaction handle.
type Graph struct {
	entities      EntityDirectory
	objects       ObjectSource
	notifier      *Notifier
	maxStreamSize int
	now           func() time.Time
	logger        *zap.Logger
}

// NewGraph validates the configuration and constructs a Graph.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	if cfg.Entities == nil {
		return nil, errMissingEntities
	}
	if cfg.Objects == nil {
		return nil, errMissingObjects
	}
	graph := &Graph{
		entities:      cfg.Entities,
		objects:       cfg.Objects,
		notifier:      cfg.Notifier,
		maxStreamSize: cfg.MaxStreamSize,
		now:           cfg.Clock,
		logger:        cfg.Logger,
	}
	if graph.maxStreamSize <= 0 {
		graph.maxStreamSize = DefaultMaxStreamSize
	}
	if graph.now == nil {
		graph.now = time.Now
	}
	if graph.logger == nil {
		graph.logger = zap.NewNop()
	}
	return graph, nil
}

// NoticeChange applies change to recipient's shared index, stream cache and
// muted partition, then announces it once the surrounding transaction commits.
func (g *Graph) NoticeChange(ctx context.Context, db *gorm.DB, recipient string, change *changes.Change) error {
	accepted, err := g.applyChange(db, recipient, change)
	if err != nil {
		return err
	}
	if accepted {
		g.announce(ctx, Notice{Recipient: recipient, Change: change.Clone()})
	}
	return nil
}

func (g *Graph) applyChange(db *gorm.DB, recipient string, change *changes.Change) (bool, error) {
	switch change.Kind {
	case changes.KindCreated, changes.KindShared:
		object, shared, err := g.sharedObject(db, recipient, change)
		if err != nil || !shared {
			return false, err
		}
		accepting, err := g.IsAcceptingSharedDataFrom(db, recipient, change.Creator)
		if err != nil || !accepting {
			return false, err
		}
		return true, g.addShared(db, recipient, object, change)
	case changes.KindModified:
		object, shared, err := g.sharedObject(db, recipient, change)
		if err != nil {
			return false, err
		}
		if !shared {
			return true, g.removeShared(db, recipient, change.ObjectID)
		}
		accepting, err := g.IsAcceptingSharedDataFrom(db, recipient, change.Creator)
		if err != nil {
			return false, err
		}
		if !accepting {
			// An earlier version received before the ignore would never be
			// refreshed again.
			return false, g.removeShared(db, recipient, change.ObjectID)
		}
		return true, g.addShared(db, recipient, object, change)
	case changes.KindDeleted:
		return true, g.removeShared(db, recipient, change.ObjectID)
	case changes.KindCircled:
		muted, err := g.anyMuted(db, recipient, []string{change.ObjectID})
		if err != nil {
			return false, err
		}
		return true, g.putStreamEntry(db, recipient, change, muted)
	default:
		return false, fmt.Errorf("%w: %d", changes.ErrInvalidKind, int(change.Kind))
	}
}

func (g *Graph) sharedObject(db *gorm.DB, recipient string, change *changes.Change) (*objects.Object, bool, error) {
	object, err := g.objects.Get(db, change.ObjectID)
	if err != nil || object == nil {
		return nil, false, err
	}
	shared, err := g.objects.IsSharedWith(db, object, recipient)
	if err != nil {
		return nil, false, err
	}
	return object, shared, nil
}

func (g *Graph) announce(ctx context.Context, notice Notice) {
	if g.notifier == nil {
		return
	}
	tc, ok := txn.FromContext(ctx)
	if !ok {
		g.notifier.Publish(notice)
		return
	}
	tc.AddAfterCommitHook(txn.AfterCommitFunc(func(worked bool) {
		if worked {
			g.notifier.Publish(notice)
		}
	}))
}

func (g *Graph) addShared(db *gorm.DB, recipient string, object *objects.Object, change *changes.Change) error {
	muted, err := g.anyMuted(db, recipient, object.ConversationIDs())
	if err != nil {
		return err
	}
	entry := SharedEntry{
		EntityID:           recipient,
		ContainerID:        object.ContainerID,
		ObjectID:           object.ObjectID,
		Creator:            object.Creator,
		Muted:              muted,
		LastModifiedMillis: change.LastModified.UnixMilli(),
	}
	// An object that moved containers leaves no stale entry behind.
	if err := g.removeShared(db, recipient, object.ObjectID); err != nil {
		return err
	}
	if err := db.Create(&entry).Error; err != nil {
		return err
	}
	streamed := change.Clone()
	streamed.ContainerID = object.ContainerID
	return g.putStreamEntry(db, recipient, streamed, muted)
}

// putStreamEntry keeps the latest change per object, last write wins.
func (g *Graph) putStreamEntry(db *gorm.DB, recipient string, change *changes.Change, muted bool) error {
	entry := StreamEntry{
		EntityID:           recipient,
		ContainerID:        change.ContainerID,
		ObjectID:           change.ObjectID,
		ChangeID:           change.ID,
		Kind:               change.Kind,
		Creator:            change.Creator,
		Muted:              muted,
		LastModifiedMillis: change.LastModified.UnixMilli(),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}, {Name: "container_id"}, {Name: "object_id"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

// removeShared drops the object from the shared and muted indexes and from the stream cache.
func (g *Graph) removeShared(db *gorm.DB, recipient, objectID string) error {
	if err := db.Where("entity_id = ? AND object_id = ?", recipient, objectID).Delete(&SharedEntry{}).Error; err != nil {
		return err
	}
	return db.Where("entity_id = ? AND object_id = ?", recipient, objectID).Delete(&StreamEntry{}).Error
}

// GetSharedContainer lists the unmuted objects shared with entityID in a
// container, most recently modified first.
func (g *Graph) GetSharedContainer(db *gorm.DB, entityID, containerID string) ([]SharedEntry, error) {
	var entries []SharedEntry
	err := db.Where("entity_id = ? AND container_id = ? AND muted = ?", entityID, containerID, false).
		Order("last_modified_ms DESC").
		Order("object_id ASC").
		Find(&entries).Error
	return entries, err
}

// GetMutedContainer lists the muted objects shared with entityID in a container.
func (g *Graph) GetMutedContainer(db *gorm.DB, entityID, containerID string) ([]SharedEntry, error) {
	var entries []SharedEntry
	err := db.Where("entity_id = ? AND container_id = ? AND muted = ?", entityID, containerID, true).
		Order("last_modified_ms DESC").
		Order("object_id ASC").
		Find(&entries).Error
	return entries, err
}
