package accounts

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/idgen"
	"github.com/halcyonhq/backoffice/internal/plans"
	"github.com/halcyonhq/backoffice/internal/validation"
)

// Handler provides the thin account directory endpoints. Registration is
// deliberately minimal; profile management lives in the client-facing
// platform, not the back office.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterPublicRoutes sets up routes that do not require an
// authenticated account.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
}

// RegisterRoutes sets up authenticated account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/me", h.GetMe)
}

// CreateAccountRequest is the payload for POST /v1/accounts.
type CreateAccountRequest struct {
	Name string `json:"name" binding:"required"`
	Type Type   `json:"type" binding:"required"`
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
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
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if !ValidType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown account type",
		})
		return
	}

	now := time.Now()
	a := &Account{
		ID:        idgen.WithPrefix("acct_"),
		Name:      validation.SanitizeString(req.Name, validation.MaxTitleLength),
		Type:      req.Type,
		Role:      authz.RoleMember,
		Plan:      plans.PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(c.Request.Context(), a); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// GetMe handles GET /v1/accounts/me
func (h *Handler) GetMe(c *gin.Context) {
	a, err := h.store.Get(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidType):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An internal error occurred",
		})
	}
}
