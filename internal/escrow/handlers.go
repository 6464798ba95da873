package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealtrust/mealtrust/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:escrowId", h.GetDetails)
}

// RegisterAdminRoutes sets up admin (secret-required) escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Lock)
	r.POST("/escrows/:escrowId/release", h.Release)
	r.POST("/escrows/:escrowId/cancel", h.Cancel)
	r.GET("/escrows/unconfirmed", h.ListUnconfirmed)
}

// Lock handles POST /v1/admin/escrows
func (h *Handler) Lock(c *gin.Context) {
	var req LockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.service.Lock(c.Request.Context(), req)
	if err != nil {
		respondCommandError(c, err, "lock_failed", "Failed to lock funds")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// Release handles POST /v1/admin/escrows/:escrowId/release
func (h *Handler) Release(c *gin.Context) {
	escrowID := c.Param("escrowId")
	if !validation.IsValidEscrowID(escrowID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed escrow identifier",
		})
		return
	}

	receipt, err := h.service.Release(c.Request.Context(), escrowID)
	if err != nil {
		respondCommandError(c, err, "release_failed", "Failed to release funds")
		return
	}

	// Funds are only reported moved once the reconciler confirms the event.
	c.JSON(http.StatusAccepted, gin.H{
		"escrowId": escrowID,
		"receipt":  receipt,
	})
}

// cancelRequest is the body for POST /v1/admin/escrows/:escrowId/cancel
type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/admin/escrows/:escrowId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	escrowID := c.Param("escrowId")
	if !validation.IsValidEscrowID(escrowID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed escrow identifier",
		})
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.service.Cancel(c.Request.Context(), escrowID, req.Reason)
	if err != nil {
		respondCommandError(c, err, "cancel_failed", "Failed to cancel escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetDetails handles GET /v1/escrows/:escrowId
func (h *Handler) GetDetails(c *gin.Context) {
	escrowID := c.Param("escrowId")
	if !validation.IsValidEscrowID(escrowID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed escrow identifier",
		})
		return
	}

	details, err := h.service.GetDetails(c.Request.Context(), escrowID)
	if err != nil {
		if IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, details)
}

// ListUnconfirmed handles GET /v1/admin/escrows/unconfirmed
func (h *Handler) ListUnconfirmed(c *gin.Context) {
	window := 10 * time.Minute
	if w := c.Query("window"); w != "" {
		if parsed, err := time.ParseDuration(w); err == nil && parsed > 0 {
			window = parsed
		}
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	records, err := h.service.ListUnconfirmed(c.Request.Context(), window, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": records,
		"count":   len(records),
	})
}

// respondCommandError maps command-handler errors onto HTTP statuses.
func respondCommandError(c *gin.Context, err error, code, fallback string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDeliveryMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "delivery_mismatch",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDuplicateOperation):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_operation",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	case errors.Is(err, ErrChainSubmission):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_submission_failed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   code,
			"message": fallback,
		})
	}
}
