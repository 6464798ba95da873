package directory

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mealtrust/mealtrust/internal/validation"
)

// Handler provides HTTP endpoints for directory records.
type Handler struct {
	store Store
}

// NewHandler creates a new directory handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up public (read-only) directory routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/schools/:id", h.GetSchool)
	r.GET("/caterings/:id", h.GetCatering)
	r.GET("/deliveries/:id", h.GetDelivery)
}

// RegisterAdminRoutes sets up admin directory routes for record upkeep.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/schools", h.PutSchool)
	r.PUT("/caterings", h.PutCatering)
	r.PUT("/deliveries", h.PutDelivery)
}

func (h *Handler) GetSchool(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	s, err := h.store.GetSchool(c.Request.Context(), id)
	respond(c, s, err)
}

func (h *Handler) GetCatering(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ct, err := h.store.GetCatering(c.Request.Context(), id)
	respond(c, ct, err)
}

func (h *Handler) GetDelivery(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	d, err := h.store.GetDelivery(c.Request.Context(), id)
	respond(c, d, err)
}

func (h *Handler) PutSchool(c *gin.Context) {
	var s School
	if err := c.ShouldBindJSON(&s); err != nil || s.ID <= 0 || s.Name == "" {
		badRequest(c, "id and name are required")
		return
	}
	if err := h.store.PutSchool(c.Request.Context(), &s); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) PutCatering(c *gin.Context) {
	var ct Catering
	if err := c.ShouldBindJSON(&ct); err != nil || ct.ID <= 0 || ct.Name == "" {
		badRequest(c, "id and name are required")
		return
	}
	if !validation.IsValidEthAddress(ct.PayeeAddr) {
		badRequest(c, "payeeAddr must be a valid ledger address")
		return
	}
	if err := h.store.PutCatering(c.Request.Context(), &ct); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, ct)
}

func (h *Handler) PutDelivery(c *gin.Context) {
	var d Delivery
	if err := c.ShouldBindJSON(&d); err != nil ||
		d.ID <= 0 || d.SchoolID <= 0 || d.CateringID <= 0 || d.Portions <= 0 {
		badRequest(c, "id, schoolId, cateringId, and positive portions are required")
		return
	}
	if err := h.store.PutDelivery(c.Request.Context(), &d); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func respond(c *gin.Context, body interface{}, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, body)
	case errors.Is(err, ErrSchoolNotFound),
		errors.Is(err, ErrCateringNotFound),
		errors.Is(err, ErrDeliveryNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	default:
		internalError(c, err)
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
