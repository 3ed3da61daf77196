package feed

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"chapterhub/internal/auth"
	"chapterhub/internal/cache"
)

type Handler struct {
	Repo     *Repo
	Versions cache.VersionStore
}

func NewHandler(repo *Repo, versions cache.VersionStore) *Handler {
	return &Handler{Repo: repo, Versions: versions}
}

// RegisterPublicRoutes exposes per-series aggregated entries.
func (h *Handler) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.GET("/:series_id/feed", h.seriesFeed)
}

// RegisterUserRoutes exposes the authenticated per-user feed.
func (h *Handler) RegisterUserRoutes(rg *gin.RouterGroup) {
	rg.GET("/feed", h.userFeed)
}

func (h *Handler) seriesFeed(c *gin.Context) {
	seriesID := strings.TrimSpace(c.Param("series_id"))
	if seriesID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "series_id required"})
		return
	}

	entries, err := h.Repo.Entries(c.Request.Context(), seriesID,
		parseInt(c.Query("limit"), 50), parseInt(c.Query("offset"), 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries})
}

func (h *Handler) userFeed(c *gin.Context) {
	claims := auth.MustGetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	items, err := h.Repo.UserFeed(c.Request.Context(), claims.UserID,
		parseInt(c.Query("limit"), 50), parseInt(c.Query("offset"), 0))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}

	// Clients compare the version against their cached copy; a bump means
	// the cache is stale.
	version, err := h.Versions.Get(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "version lookup failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"items":   items,
	})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
