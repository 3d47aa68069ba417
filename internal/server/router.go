package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/auth"
	"github.com/MarcoPoloResearchLab/sharestream/internal/content"
	"github.com/MarcoPoloResearchLab/sharestream/internal/sharing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	entityIDContextKey       = "sharestream_entity_id"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingContent       = errors.New("content service dependency required")
	errMissingNotifier      = errors.New("notifier dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues entity tokens and authenticates requests carrying them.
type TokenManager interface {
	IssueEntityToken(ctx context.Context, entityID, kind string) (string, int64, error)
	ValidateRequest(r *http.Request) (auth.EntityClaims, error)
}

type Dependencies struct {
	TokenManager      TokenManager
	Content           *content.Service
	Notifier          *sharing.Notifier
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	// Metrics, when set, is served unauthenticated at /metrics.
	Metrics http.Handler
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Content == nil {
		return nil, errMissingContent
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		content:   deps.Content,
		notifier:  deps.Notifier,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.POST("/entities", handler.handleRegisterEntity)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/objects", handler.handleCreateObject)
	protected.GET("/objects/:id", handler.handleGetObject)
	protected.PATCH("/objects/:id", handler.handleModifyObject)
	protected.DELETE("/objects/:id", handler.handleDeleteObject)
	protected.POST("/objects/:id/targets", handler.handleShareObject)

	protected.PUT("/mutes/:id", handler.handleMute)
	protected.DELETE("/mutes/:id", handler.handleUnmute)
	protected.GET("/relationships/:entity", handler.handleGetRelationship)
	protected.POST("/relationships/:entity", handler.handleUpdateRelationship)
	protected.PUT("/follows/:entity", handler.handleFollow)
	protected.DELETE("/follows/:entity", handler.handleUnfollow)
	protected.PUT("/memberships/:community", handler.handleJoin)
	protected.DELETE("/memberships/:community", handler.handleLeave)

	protected.GET("/containers/:id/shared", handler.handleSharedContainer)
	protected.GET("/containers/:id/stream", handler.handleContainedStream)
	protected.GET("/notices/stream", handler.handleNoticeStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenManager
	content   *content.Service
	notifier  *sharing.Notifier
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(entityIDContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) actor(c *gin.Context) (string, bool) {
	entityID := c.GetString(entityIDContextKey)
	if entityID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return entityID, true
}

// respondError maps content service failures onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *content.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("unexpected handler error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	code := serviceErr.Code()
	status := http.StatusInternalServerError
	switch {
	case strings.HasSuffix(code, ".not_found"):
		status = http.StatusNotFound
	case strings.HasSuffix(code, ".forbidden"):
		status = http.StatusForbidden
	case strings.HasSuffix(code, ".invalid"):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": code})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}
