package replay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chapterhub/internal/auth"
	"chapterhub/internal/realtime"
	"chapterhub/pkg/models"
)

type Handler struct {
	Engine *Engine
	Hub    *realtime.Hub
}

func NewHandler(engine *Engine, hub *realtime.Hub) *Handler {
	return &Handler{Engine: engine, Hub: hub}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sync/actions", h.replay)
}

type replayReq struct {
	Actions []models.SyncAction `json:"actions"`
}

type replayResp struct {
	Results []models.ActionResult `json:"results"`
}

func (h *Handler) replay(c *gin.Context) {
	claims := auth.MustGetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req replayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	results, err := h.Engine.Replay(c.Request.Context(), claims.UserID, req.Actions)
	if err != nil {
		if errors.Is(err, ErrBatchTooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch too large"})
			return
		}
		// The client retries the whole batch; the LWW guards make that safe.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
		return
	}

	if h.Hub != nil {
		applied := 0
		for _, r := range results {
			if r.Applied != nil && *r.Applied {
				applied++
			}
		}
		ev := realtime.ReplayEvent{
			Type:    "sync.replayed",
			UserID:  claims.UserID,
			Actions: len(results),
			Applied: applied,
			At:      time.Now().UTC(),
		}
		go h.Hub.BroadcastJSON(ev)
	}

	c.JSON(http.StatusOK, replayResp{Results: results})
}
