package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/sharestream/internal/content"
	"github.com/MarcoPoloResearchLab/sharestream/internal/entities"
	"github.com/MarcoPoloResearchLab/sharestream/internal/objects"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type registerRequestPayload struct {
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
}

type registerResponsePayload struct {
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleRegisterEntity(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.EntityID) == "" {
		badRequest(c)
		return
	}
	kind, err := entities.ParseKind(request.Kind)
	if err != nil {
		badRequest(c)
		return
	}

	entity, err := h.content.RegisterEntity(c.Request.Context(), request.EntityID, kind, request.DisplayName)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueEntityToken(c.Request.Context(), entity.EntityID, string(entity.Kind))
	if err != nil {
		h.logger.Error("failed to issue entity token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, registerResponsePayload{
		EntityID:    entity.EntityID,
		Kind:        string(entity.Kind),
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type objectPayload struct {
	ObjectID           string   `json:"object_id"`
	ExternalID         string   `json:"external_id"`
	Creator            string   `json:"creator"`
	ContainerID        string   `json:"container_id"`
	Body               string   `json:"body"`
	InReplyTo          string   `json:"in_reply_to,omitempty"`
	References         []string `json:"references,omitempty"`
	CreatedAtMillis    int64    `json:"created_at_ms"`
	LastModifiedMillis int64    `json:"last_modified_ms"`
}

func newObjectPayload(object *objects.Object) objectPayload {
	return objectPayload{
		ObjectID:           object.ObjectID,
		ExternalID:         object.ExternalID(),
		Creator:            object.Creator,
		ContainerID:        object.ContainerID,
		Body:               object.Body,
		InReplyTo:          object.InReplyTo,
		References:         object.References,
		CreatedAtMillis:    object.CreatedAtMillis,
		LastModifiedMillis: object.LastModifiedMillis,
	}
}

type createObjectPayload struct {
	ContainerID string            `json:"container_id"`
	Body        string            `json:"body"`
	InReplyTo   string            `json:"in_reply_to"`
	References  []string          `json:"references"`
	Targets     []string          `json:"targets"`
	Metadata    map[string]string `json:"metadata"`
}

func (h *httpHandler) handleCreateObject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var request createObjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}

	object, err := h.content.CreateObject(c.Request.Context(), content.CreateRequest{
		Creator:     actor,
		ContainerID: request.ContainerID,
		Body:        request.Body,
		InReplyTo:   request.InReplyTo,
		References:  request.References,
		Targets:     request.Targets,
		Metadata:    request.Metadata,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newObjectPayload(object))
}

func (h *httpHandler) handleGetObject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	object, err := h.content.GetObject(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newObjectPayload(object))
}

type modifyObjectPayload struct {
	Body     *string           `json:"body"`
	Targets  *[]string         `json:"targets"`
	Metadata map[string]string `json:"metadata"`
}

func (h *httpHandler) handleModifyObject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var request modifyObjectPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}

	object, err := h.content.ModifyObject(c.Request.Context(), content.ModifyRequest{
		Actor:    actor,
		ObjectID: c.Param("id"),
		Body:     request.Body,
		Targets:  request.Targets,
		Metadata: request.Metadata,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newObjectPayload(object))
}

func (h *httpHandler) handleDeleteObject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	if err := h.content.DeleteObject(c.Request.Context(), actor, c.Param("id"), nil); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type shareObjectPayload struct {
	Targets  []string          `json:"targets"`
	Metadata map[string]string `json:"metadata"`
}

func (h *httpHandler) handleShareObject(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var request shareObjectPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Targets) == 0 {
		badRequest(c)
		return
	}

	added, err := h.content.ShareObject(c.Request.Context(), actor, c.Param("id"), request.Targets, request.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}
