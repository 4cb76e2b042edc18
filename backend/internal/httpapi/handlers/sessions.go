package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jinkaiteo/scientific-protocol-builder-sub000/backend/internal/collab"
)

// SessionInfo 拉取会话快照（重连/对账用的 HTTP 入口，与 ws 的 session_info 等价）
func SessionInfo(svc collab.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docId")
		if docID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
			return
		}
		info, err := svc.SessionInfo(c.Request.Context(), docID)
		if err != nil {
			if errors.Is(err, collab.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": collab.ErrSessionNotFound.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
