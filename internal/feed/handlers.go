package feed

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mealtrust/mealtrust/internal/validation"
)

// Handler provides the public transparency feed endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a new feed handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public feed routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/feed", h.List)
	r.GET("/feed/:escrowId", h.Get)
}

// List handles GET /v1/feed with cursor pagination (?after=<entry id>).
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	var afterID int64
	if a := c.Query("after"); a != "" {
		parsed, err := strconv.ParseInt(a, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "after must be a non-negative entry id",
			})
			return
		}
		afterID = parsed
	}

	entries, err := h.store.List(c.Request.Context(), afterID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	var nextAfter int64
	if len(entries) == limit {
		nextAfter = entries[len(entries)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"count":     len(entries),
		"nextAfter": nextAfter,
	})
}

// Get handles GET /v1/feed/:escrowId
func (h *Handler) Get(c *gin.Context) {
	escrowID := c.Param("escrowId")
	if !validation.IsValidEscrowID(escrowID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed escrow identifier",
		})
		return
	}

	entry, err := h.store.GetByEscrowID(c.Request.Context(), escrowID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No feed entry for this escrow",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, entry)
}
