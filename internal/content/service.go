// Package content is the application layer that mutates shared objects and
// emits the changes describing those mutations.
package content

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
	"go.uber.org/zap"
)

// CirclesContainer holds the Circled changes announcing new followers.
const CirclesContainer = "circles"

// Enqueuer hands changes to the distribution pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, change *changes.Change, metadata map[string]string) error
}

// ServiceConfig describes the dependencies of the content service.
type ServiceConfig struct {
	Transactions *txn.Manager
	Entities     *entities.Service
	Objects      *objects.Service
	Graph        *sharing.Graph
	Enqueuer     Enqueuer
	Logger       *zap.Logger
}

// Service runs each operation in its own unit of work, or joins the caller's.
type Service struct {
	transactions *txn.Manager
	entities     *entities.Service
	objects      *objects.Service
	graph        *sharing.Graph
	enqueuer     Enqueuer
	logger       *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Transactions == nil:
		return nil, newServiceError(opServiceNew, "missing_transactions", errMissingTransactions)
	case cfg.Entities == nil:
		return nil, newServiceError(opServiceNew, "missing_entities", errMissingEntities)
	case cfg.Objects == nil:
		return nil, newServiceError(opServiceNew, "missing_objects", errMissingObjects)
	case cfg.Graph == nil:
		return nil, newServiceError(opServiceNew, "missing_graph", errMissingGraph)
	case cfg.Enqueuer == nil:
		return nil, newServiceError(opServiceNew, "missing_enqueuer", errMissingEnqueuer)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transactions: cfg.Transactions,
		entities:     cfg.Entities,
		objects:      cfg.Objects,
		graph:        cfg.Graph,
		enqueuer:     cfg.Enqueuer,
		logger:       logger,
	}, nil
}

// CreateRequest describes a new object.
type CreateRequest struct {
	Creator     string
	ContainerID string
	Body        string
	InReplyTo   string
	References  []string
	Targets     []string
	Metadata    map[string]string
}

// ModifyRequest describes an edit. Nil fields are left unchanged; a non-nil
// Targets replaces the whole target set.
type ModifyRequest struct {
	Actor    string
	ObjectID string
	Body     *string
	Targets  *[]string
	Metadata map[string]string
}

// RegisterEntity creates or returns the entity.
func (s *Service) RegisterEntity(ctx context.Context, entityID string, kind entities.Kind, displayName string) (entities.Entity, error) {
	var entity entities.Entity
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		registered, err := s.entities.Register(tc.DB(), entityID, kind, displayName)
		entity = registered
		return err
	})
	if err != nil {
		s.logError(opRegisterEntity, "register_failed", err, zap.String("entity_id", entityID))
		return entities.Entity{}, classify(opRegisterEntity, "register_failed", err)
	}
	return entity, nil
}

// CreateObject stores an object, shares it with the requested targets and
// emits a Created change.
func (s *Service) CreateObject(ctx context.Context, request CreateRequest) (*objects.Object, error) {
	var created *objects.Object
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		if err := s.requireEntity(tc, request.Creator); err != nil {
			return err
		}
		object, err := s.objects.Create(tc.DB(), objects.CreateConfig{
			Creator:     request.Creator,
			ContainerID: request.ContainerID,
			Body:        request.Body,
			InReplyTo:   request.InReplyTo,
			References:  request.References,
		})
		if err != nil {
			return err
		}
		for _, target := range request.Targets {
			if _, err := s.objects.AddSharingTarget(tc.DB(), object, target); err != nil {
				return err
			}
		}
		targets, err := s.objects.SharingTargets(tc.DB(), object.ObjectID)
		if err != nil {
			return err
		}
		created = object
		return s.emit(ctx, changes.KindCreated, object, targets, request.Metadata)
	})
	if err != nil {
		s.logError(opCreateObject, "create_failed", err, zap.String("creator", request.Creator))
		return nil, classify(opCreateObject, "create_failed", err)
	}
	return created, nil
}

// ModifyObject edits the object and emits a Modified change to every entity
// it was or is now shared with.
func (s *Service) ModifyObject(ctx context.Context, request ModifyRequest) (*objects.Object, error) {
	var modified *objects.Object
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		object, err := s.ownedObject(tc, request.Actor, request.ObjectID)
		if err != nil {
			return err
		}
		previous, err := s.objects.SharingTargets(tc.DB(), object.ObjectID)
		if err != nil {
			return err
		}
		if request.Targets != nil {
			if _, _, err := s.objects.UpdateSharingTargets(tc.DB(), object, *request.Targets); err != nil {
				return err
			}
		}
		if request.Body != nil {
			object.Body = *request.Body
		}
		if err := s.objects.Touch(tc.DB(), object); err != nil {
			return err
		}
		current, err := s.objects.SharingTargets(tc.DB(), object.ObjectID)
		if err != nil {
			return err
		}
		modified = object
		return s.emit(ctx, changes.KindModified, object, union(previous, current), request.Metadata)
	})
	if err != nil {
		s.logError(opModifyObject, "modify_failed", err, zap.String("object_id", request.ObjectID))
		return nil, classify(opModifyObject, "modify_failed", err)
	}
	return modified, nil
}

// DeleteObject removes the object and emits a Deleted change to its former targets.
func (s *Service) DeleteObject(ctx context.Context, actor, objectID string, metadata map[string]string) error {
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		object, err := s.ownedObject(tc, actor, objectID)
		if err != nil {
			return err
		}
		previous, err := s.objects.SharingTargets(tc.DB(), object.ObjectID)
		if err != nil {
			return err
		}
		if err := s.objects.Delete(tc.DB(), object.ObjectID); err != nil {
			return err
		}
		return s.emit(ctx, changes.KindDeleted, object, previous, metadata)
	})
	if err != nil {
		s.logError(opDeleteObject, "delete_failed", err, zap.String("object_id", objectID))
		return classify(opDeleteObject, "delete_failed", err)
	}
	return nil
}

// ShareObject adds sharing targets and emits a Shared change to the new ones.
// It returns the targets that were actually added.
func (s *Service) ShareObject(ctx context.Context, actor, objectID string, targets []string, metadata map[string]string) ([]string, error) {
	var added []string
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		object, err := s.ownedObject(tc, actor, objectID)
		if err != nil {
			return err
		}
		for _, target := range targets {
			ok, err := s.objects.AddSharingTarget(tc.DB(), object, target)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, strings.TrimSpace(target))
			}
		}
		if len(added) == 0 {
			return nil
		}
		return s.emit(ctx, changes.KindShared, object, added, metadata)
	})
	if err != nil {
		s.logError(opShareObject, "share_failed", err, zap.String("object_id", objectID))
		return nil, classify(opShareObject, "share_failed", err)
	}
	return added, nil
}

// GetObject returns an object visible to viewer: its own or one shared with it.
func (s *Service) GetObject(ctx context.Context, viewer, objectID string) (*objects.Object, error) {
	var found *objects.Object
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		object, err := s.objects.Get(tc.DB(), objectID)
		if err != nil {
			return err
		}
		if object == nil {
			return ErrNotFound
		}
		if object.Creator != viewer {
			shared, err := s.objects.IsSharedWith(tc.DB(), object, viewer)
			if err != nil {
				return err
			}
			if !shared {
				return ErrNotFound
			}
		}
		found = object
		return nil
	})
	if err != nil {
		return nil, classify(opGetObject, "get_failed", err)
	}
	return found, nil
}

// FollowEntity makes follower pull activity from followed and tells followed
// through a Circled change.
func (s *Service) FollowEntity(ctx context.Context, follower, followed string) error {
	err := s.transactions.RunNested(ctx, func(ctx context.Context, tc *txn.Context) error {
		if err := s.graph.Follow(tc.DB(), follower, followed); err != nil {
			return err
		}
		change, err := changes.NewChange(changes.ChangeConfig{
			Kind:        changes.KindCircled,
			ObjectID:    follower,
			Creator:     follower,
			ContainerID: CirclesContainer,
			Recipients:  []string{followed},
		})
		if err != nil {
			return err
		}
		return s.enqueuer.Enqueue(ctx, change, nil)
	})
	if err != nil {
		s.logError(opFollowEntity, "follow_failed", err, zap.String("follower", follower), zap.String("followed", followed))
		return classify(opFollowEntity, "follow_failed", err)
	}
	return nil
}

// UnfollowEntity stops follower from pulling activity from followed.
func (s *Service) UnfollowEntity(ctx context.Context, follower, followed string) error {
	return s.graphOperation(ctx, opUnfollowEntity, func(tc *txn.Context) error {
		return s.graph.Unfollow(tc.DB(), follower, followed)
	})
}

func (s *Service) requireEntity(tc *txn.Context, entityID string) error {
	if strings.TrimSpace(entityID) == "" {
		return ErrInvalidRequest
	}
	if _, err := s.entities.KindOf(tc.DB(), entityID); err != nil {
		return err
	}
	return nil
}

func (s *Service) ownedObject(tc *txn.Context, actor, objectID string) (*objects.Object, error) {
	object, err := s.objects.Get(tc.DB(), objectID)
	if err != nil {
		return nil, err
	}
	if object == nil {
		return nil, ErrNotFound
	}
	if object.Creator != actor {
		return nil, ErrForbidden
	}
	return object, nil
}

func (s *Service) emit(ctx context.Context, kind changes.Kind, object *objects.Object, recipients []string, metadata map[string]string) error {
	change, err := changes.NewChange(changes.ChangeConfig{
		Kind:         kind,
		ObjectID:     object.ObjectID,
		Creator:      object.Creator,
		ContainerID:  object.ContainerID,
		LastModified: time.UnixMilli(object.LastModifiedMillis),
		Metadata:     metadata,
		Recipients:   recipients,
	})
	if err != nil {
		return err
	}
	return s.enqueuer.Enqueue(ctx, change, metadata)
}

func union(first, second []string) []string {
	merged := append([]string(nil), first...)
	for _, value := range second {
		if !slices.Contains(merged, value) {
			merged = append(merged, value)
		}
	}
	return merged
}

func classify(operation, reason string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, entities.ErrUnknownEntity), errors.Is(err, objects.ErrUnknownObject):
		return newServiceError(operation, "not_found", err)
	case errors.Is(err, ErrForbidden):
		return newServiceError(operation, "forbidden", err)
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, objects.ErrInvalidObject),
		errors.Is(err, entities.ErrInvalidEntityID),
		errors.Is(err, entities.ErrInvalidKind),
		errors.Is(err, entities.ErrKindMismatch),
		errors.Is(err, entities.ErrSelfMembership),
		errors.Is(err, entities.ErrNotCommunity),
		errors.Is(err, sharing.ErrSelfRelationship),
		errors.Is(err, sharing.ErrUnsupported):
		return newServiceError(operation, "invalid", err)
	default:
		return newServiceError(operation, reason, err)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("content service error", attrs...)
}
