package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/changes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	noticeEventReady     = "ready"
	noticeEventChange    = "change-noticed"
	noticeEventHeartbeat = "heartbeat"
)

type noticePayload struct {
	Recipient string          `json:"recipient"`
	Change    *changes.Change `json:"change"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleNoticeStream pushes the caller's sharing notices as server-sent events.
func (h *httpHandler) handleNoticeStream(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	notices, cleanup := h.notifier.Subscribe(ctx, actor)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("notice stream opened", zap.String("entity_id", actor))
	ready := false
	c.Stream(func(io.Writer) bool {
		if !ready {
			ready = true
			c.SSEvent(noticeEventReady, gin.H{"entity_id": actor})
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case notice, open := <-notices:
			if !open {
				return false
			}
			c.SSEvent(noticeEventChange, noticePayload{
				Recipient: notice.Recipient,
				Change:    notice.Change,
				Timestamp: notice.Timestamp,
			})
			return true
		case now := <-ticker.C:
			c.SSEvent(noticeEventHeartbeat, gin.H{"ts": now.UTC().Unix()})
			return true
		}
	})
	h.logger.Debug("notice stream closed", zap.String("entity_id", actor))
}
