package content

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"github.com/MarcoPoloResearchLab/sharestream/internal/txn"
)

// RelationshipAction names a change to whose shared data an entity accepts.
type RelationshipAction string

const (
	RelationshipAccept       RelationshipAction = "accept"
	RelationshipReset        RelationshipAction = "reset"
	RelationshipIgnore       RelationshipAction = "ignore"
	RelationshipStopIgnoring RelationshipAction = "stop_ignoring"
)

// RelationshipState reports how entity treats data shared by other.
type RelationshipState struct {
	Accepting bool `json:"accepting"`
	Ignoring  bool `json:"ignoring"`
}

// JoinCommunity adds entity to the community.
func (s *Service) JoinCommunity(ctx context.Context, entityID, communityID string) error {
	return s.graphOperation(ctx, opJoinCommunity, func(tc *txn.Context) error {
		return s.graph.JoinCommunity(tc.DB(), entityID, communityID)
	})
}

// LeaveCommunity removes entity from the community.
func (s *Service) LeaveCommunity(ctx context.Context, entityID, communityID string) error {
	return s.graphOperation(ctx, opLeaveCommunity, func(tc *txn.Context) error {
		return s.graph.LeaveCommunity(tc.DB(), entityID, communityID)
	})
}

// MuteConversation hides the conversation rooted at rootID from entity.
func (s *Service) MuteConversation(ctx context.Context, entityID, rootID string) error {
	return s.graphOperation(ctx, opMuteConversation, func(tc *txn.Context) error {
		return s.graph.MuteConversation(tc.DB(), entityID, rootID)
	})
}

// UnmuteConversation restores a previously muted conversation.
func (s *Service) UnmuteConversation(ctx context.Context, entityID, rootID string) error {
	return s.graphOperation(ctx, opMuteConversation, func(tc *txn.Context) error {
		return s.graph.UnmuteConversation(tc.DB(), entityID, rootID)
	})
}

// UpdateRelationship applies action to entity's view of other.
func (s *Service) UpdateRelationship(ctx context.Context, entityID, otherID string, action RelationshipAction) error {
	return s.graphOperation(ctx, opUpdateRelation, func(tc *txn.Context) error {
		db := tc.DB()
		switch RelationshipAction(strings.ToLower(string(action))) {
		case RelationshipAccept:
			return s.graph.AcceptSharedDataFrom(db, entityID, otherID)
		case RelationshipReset:
			return s.graph.ResetSharedDataFrom(db, entityID, otherID)
		case RelationshipIgnore:
			return s.graph.IgnoreSharedDataFrom(db, entityID, otherID)
		case RelationshipStopIgnoring:
			return s.graph.StopIgnoringSharedDataFrom(db, entityID, otherID)
		default:
			return ErrInvalidRequest
		}
	})
}

// Relationship reports whether entity accepts or ignores data from other.
func (s *Service) Relationship(ctx context.Context, entityID, otherID string) (RelationshipState, error) {
	var state RelationshipState
	err := s.graphOperation(ctx, opReadRelation, func(tc *txn.Context) error {
		accepting, err := s.graph.IsAcceptingSharedDataFrom(tc.DB(), entityID, otherID)
		if err != nil {
			return err
		}
		ignoring, err := s.graph.IsIgnoringSharedDataFrom(tc.DB(), entityID, otherID)
		if err != nil {
			return err
		}
		state = RelationshipState{Accepting: accepting, Ignoring: ignoring}
		return nil
	})
	return state, err
}

// SharedContainer lists what is shared with entity in the container. With
// muted set it lists the muted partition instead.
func (s *Service) SharedContainer(ctx context.Context, entityID, containerID string, muted bool) ([]sharing.SharedEntry, error) {
	var entries []sharing.SharedEntry
	err := s.graphOperation(ctx, opSharedContainer, func(tc *txn.Context) error {
		var err error
		if muted {
			entries, err = s.graph.GetMutedContainer(tc.DB(), entityID, containerID)
		} else {
			entries, err = s.graph.GetSharedContainer(tc.DB(), entityID, containerID)
		}
		return err
	})
	return entries, err
}

// ContainedStream returns recent activity visible to entity in the container.
func (s *Service) ContainedStream(ctx context.Context, entityID, containerID string, minAge time.Time, maxCount int) ([]*changes.Change, error) {
	var stream []*changes.Change
	err := s.graphOperation(ctx, opContainedStream, func(tc *txn.Context) error {
		var err error
		stream, err = s.graph.GetContainedStream(tc.DB(), entityID, containerID, minAge, maxCount)
		return err
	})
	return stream, err
}

func (s *Service) graphOperation(ctx context.Context, operation string, fn func(tc *txn.Context) error) error {
	err := s.transactions.RunNested(ctx, func(_ context.Context, tc *txn.Context) error {
		return fn(tc)
	})
	if err != nil {
		s.logError(operation, "graph_failed", err)
		return classify(operation, "graph_failed", err)
	}
	return nil
}
