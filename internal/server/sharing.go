package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/MarcoPoloResearchLab/sharestream/internal/content"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleMute(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.MuteConversation(c.Request.Context(), actor, c.Param("id"))
	})
}

func (h *httpHandler) handleUnmute(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.UnmuteConversation(c.Request.Context(), actor, c.Param("id"))
	})
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.FollowEntity(c.Request.Context(), actor, c.Param("entity"))
	})
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.UnfollowEntity(c.Request.Context(), actor, c.Param("entity"))
	})
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.JoinCommunity(c.Request.Context(), actor, c.Param("community"))
	})
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	h.runActorOperation(c, func(actor string) error {
		return h.content.LeaveCommunity(c.Request.Context(), actor, c.Param("community"))
	})
}

type relationshipPayload struct {
	Action string `json:"action"`
}

func (h *httpHandler) handleUpdateRelationship(c *gin.Context) {
	var request relationshipPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Action) == "" {
		badRequest(c)
		return
	}
	h.runActorOperation(c, func(actor string) error {
		return h.content.UpdateRelationship(c.Request.Context(), actor, c.Param("entity"), content.RelationshipAction(request.Action))
	})
}

func (h *httpHandler) handleGetRelationship(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	state, err := h.content.Relationship(c.Request.Context(), actor, c.Param("entity"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) runActorOperation(c *gin.Context, operation func(actor string) error) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	if err := operation(actor); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type sharedEntryPayload struct {
	ObjectID           string `json:"object_id"`
	ContainerID        string `json:"container_id"`
	Creator            string `json:"creator"`
	Muted              bool   `json:"muted"`
	LastModifiedMillis int64  `json:"last_modified_ms"`
}

func (h *httpHandler) handleSharedContainer(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	muted, err := parseOptionalBool(c.Query("muted"))
	if err != nil {
		badRequest(c)
		return
	}

	entries, err := h.content.SharedContainer(c.Request.Context(), actor, c.Param("id"), muted)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": sharedEntryPayloads(entries)})
}

func sharedEntryPayloads(entries []sharing.SharedEntry) []sharedEntryPayload {
	payloads := make([]sharedEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, sharedEntryPayload{
			ObjectID:           entry.ObjectID,
			ContainerID:        entry.ContainerID,
			Creator:            entry.Creator,
			Muted:              entry.Muted,
			LastModifiedMillis: entry.LastModifiedMillis,
		})
	}
	return payloads
}

func (h *httpHandler) handleContainedStream(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	minAge, err := parseMinAge(c.Query("min_age"))
	if err != nil {
		badRequest(c)
		return
	}
	maxCount := 0
	if raw := strings.TrimSpace(c.Query("max_count")); raw != "" {
		maxCount, err = strconv.Atoi(raw)
		if err != nil || maxCount < 0 {
			badRequest(c)
			return
		}
	}

	stream, err := h.content.ContainedStream(c.Request.Context(), actor, c.Param("id"), minAge, maxCount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if stream == nil {
		stream = []*changes.Change{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": stream})
}

// parseMinAge accepts RFC 3339 timestamps or unix milliseconds.
func parseMinAge(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseOptionalBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
