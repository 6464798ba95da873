package reconciler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes admin endpoints for reconciliation evidence.
type Handler struct {
	mismatches MismatchStore
	sweeper    *Sweeper
}

// NewHandler creates a reconciliation admin handler. sweeper may be nil in
// demo setups without a chain connection.
func NewHandler(mismatches MismatchStore, sweeper *Sweeper) *Handler {
	return &Handler{mismatches: mismatches, sweeper: sweeper}
}

// RegisterAdminRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/mismatches", h.ListMismatches)
	r.POST("/sweep", h.RunSweep)
}

// ListMismatches handles GET /v1/admin/mismatches
func (h *Handler) ListMismatches(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	mismatches, err := h.mismatches.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mismatches": mismatches,
		"count":      len(mismatches),
	})
}

// RunSweep handles POST /v1/admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "sweep_unavailable",
			"message": "No ledger connection configured",
		})
		return
	}

	result, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
