package assets

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyonhq/backoffice/internal/idgen"
	"github.com/halcyonhq/backoffice/internal/money"
	"github.com/halcyonhq/backoffice/internal/validation"
)

// Handler provides the asset registry endpoints.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up asset routes. All routes require an
// authenticated account.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assets", h.CreateAsset)
	r.GET("/assets", h.ListAssets)
	r.GET("/assets/:id", h.GetAsset)
}

// CreateAssetRequest is the payload for POST /v1/assets.
type CreateAssetRequest struct {
	Name           string `json:"name" binding:"required"`
	Category       string `json:"category"`
	EstimatedValue string `json:"estimatedValue" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
}

// CreateAsset handles POST /v1/assets
func (h *Handler) CreateAsset(c *gin.Context) {
	var req CreateAssetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLen("name", req.Name, validation.MaxTitleLength),
		validation.MaxLen("category", req.Category, validation.MaxTitleLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	value, err := money.ParseAmount(req.EstimatedValue)
	if err != nil || !money.ValidCurrency(req.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid estimated value or currency",
		})
		return
	}

	now := time.Now()
	a := &Asset{
		ID:             idgen.WithPrefix("asset_"),
		AccountID:      c.GetString("authAccountID"),
		Name:           validation.SanitizeString(req.Name, validation.MaxTitleLength),
		Category:       validation.SanitizeString(req.Category, validation.MaxTitleLength),
		EstimatedValue: value,
		Currency:       req.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.Create(c.Request.Context(), a); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"asset": a})
}

// ListAssets handles GET /v1/assets
func (h *Handler) ListAssets(c *gin.Context) {
	list, err := h.store.ListByAccount(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": list})
}

// GetAsset handles GET /v1/assets/:id
func (h *Handler) GetAsset(c *gin.Context) {
	a, err := GetOwned(c.Request.Context(), h.store, c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": a})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAssetNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}
}
