package marketplace

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/assets"
	"github.com/halcyonhq/backoffice/internal/logging"
	"github.com/halcyonhq/backoffice/internal/validation"
)

// maxWebhookBody caps inbound payment webhook payloads.
const maxWebhookBody = 1 << 20 // 1MB

// Handler provides HTTP endpoints for marketplace operations.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new marketplace handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up marketplace routes. All routes require an
// authenticated account.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.SearchListings)
	r.GET("/listings/:id", h.GetListing)
	r.PATCH("/listings/:id", h.UpdateListing)
	r.POST("/listings/:id/approve", h.ApproveListing)
	r.POST("/listings/:id/pay-fee", h.PayListingFee)
	r.POST("/listings/:id/activate", h.ActivateListing)
	r.POST("/listings/:id/cancel", h.CancelListing)
	r.GET("/listings/:id/offers", h.ListOffersForListing)
	r.POST("/listings/:id/offers", h.CreateOffer)

	r.GET("/offers", h.ListMyOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
	r.POST("/offers/:id/counter", h.CounterOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)

	r.GET("/escrows", h.ListMyEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// RegisterWebhookRoutes sets up the payment provider callback endpoint.
// Unauthenticated: the Stripe signature is the authentication.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payments", h.PaymentWebhook)
}

// PaymentWebhook handles POST /v1/webhooks/payments.
//
// Like the identity webhook, unusable payloads are soft-acknowledged
// with 200 so the provider stops redelivering; only a bad signature is
// rejected outright.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "failed to read payload"})
		return
	}

	var event stripe.Event
	if h.webhookSecret != "" {
		event, err = webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
		if err != nil {
			logging.L(c.Request.Context()).Warn("payment webhook signature verification failed")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "malformed payload"})
		return
	}

	if event.Type != "payment_intent.succeeded" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "message": "unhandled event type"})
		return
	}

	var intent struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "malformed payload"})
		return
	}

	if _, err := h.service.HandlePaymentSucceeded(c.Request.Context(), intent.ID); err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "message": "unknown payment intent"})
			return
		}
		logging.L(c.Request.Context()).Error("payment webhook processing failed",
			"paymentIntentId", intent.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "failed to process event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// CreateListing handles POST /v1/marketplace/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLen("title", req.Title, validation.MaxTitleLength),
		validation.MaxLen("description", req.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	listing, err := h.service.CreateListing(c.Request.Context(), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// SearchListings handles GET /v1/marketplace/listings
func (h *Handler) SearchListings(c *gin.Context) {
	f := ListingFilter{
		Status: ListingStatus(c.Query("status")),
		Query:  c.Query("q"),
		Sort:   c.Query("sort"),
	}
	if c.Query("mine") == "true" {
		f.AccountID = c.GetString("authAccountID")
	}
	if v := c.Query("minPrice"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			f.MinPrice = &d
		}
	}
	if v := c.Query("maxPrice"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			f.MaxPrice = &d
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}

	listings, err := h.service.SearchListings(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

// GetListing handles GET /v1/marketplace/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// UpdateListing handles PATCH /v1/marketplace/listings/:id
func (h *Handler) UpdateListing(c *gin.Context) {
	var req UpdateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	listing, err := h.service.UpdateListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// ApproveListing handles POST /v1/marketplace/listings/:id/approve
func (h *Handler) ApproveListing(c *gin.Context) {
	listing, err := h.service.ApproveListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// PayListingFee handles POST /v1/marketplace/listings/:id/pay-fee
func (h *Handler) PayListingFee(c *gin.Context) {
	listing, intent, err := h.service.PayListingFee(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing, "paymentIntent": intent})
}

// ActivateListing handles POST /v1/marketplace/listings/:id/activate
func (h *Handler) ActivateListing(c *gin.Context) {
	listing, err := h.service.ActivateListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// CancelListing handles POST /v1/marketplace/listings/:id/cancel
func (h *Handler) CancelListing(c *gin.Context) {
	listing, err := h.service.CancelListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// ListOffersForListing handles GET /v1/marketplace/listings/:id/offers
func (h *Handler) ListOffersForListing(c *gin.Context) {
	offers, err := h.service.ListOffersForListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// CreateOffer handles POST /v1/marketplace/listings/:id/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLen("message", req.Message, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	offer, err := h.service.CreateOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// ListMyOffers handles GET /v1/marketplace/offers
func (h *Handler) ListMyOffers(c *gin.Context) {
	offers, err := h.service.ListMyOffers(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// GetOffer handles GET /v1/marketplace/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.GetOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// AcceptOffer handles POST /v1/marketplace/offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	esc, err := h.service.AcceptOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": esc})
}

// RejectOffer handles POST /v1/marketplace/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	offer, err := h.service.RejectOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// CounterOffer handles POST /v1/marketplace/offers/:id/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	var req CounterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Counter amount is required",
		})
		return
	}

	counter, err := h.service.CounterOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": counter})
}

// WithdrawOffer handles POST /v1/marketplace/offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	offer, err := h.service.WithdrawOffer(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListMyEscrows handles GET /v1/marketplace/escrows
func (h *Handler) ListMyEscrows(c *gin.Context) {
	escrows, err := h.service.ListMyEscrows(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// GetEscrow handles GET /v1/marketplace/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	esc, err := h.service.GetEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// FundEscrow handles POST /v1/marketplace/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	esc, err := h.service.FundEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ReleaseEscrow handles POST /v1/marketplace/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	esc, err := h.service.ReleaseEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// DisputeEscrow handles POST /v1/marketplace/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	esc, err := h.service.DisputeEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// RefundEscrow handles POST /v1/marketplace/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	esc, err := h.service.RefundEscrow(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// respondError maps service errors onto the HTTP taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, ErrListingNotFound),
		errors.Is(err, ErrOfferNotFound),
		errors.Is(err, ErrEscrowNotFound),
		errors.Is(err, ErrListingNotActive),
		errors.Is(err, assets.ErrAssetNotFound),
		errors.Is(err, accounts.ErrAccountNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrNotVerified),
		errors.Is(err, ErrFeatureNotInPlan),
		errors.Is(err, ErrLimitReached),
		errors.Is(err, ErrKYBRequired):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrAssetAlreadyListed):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrOfferNotPending),
		errors.Is(err, ErrOfferExpired),
		errors.Is(err, ErrSelfOffer),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrPendingOffers),
		errors.Is(err, ErrFeeAlreadyPaid),
		errors.Is(err, ErrNoFee),
		errors.Is(err, ErrEscrowNotFunded),
		errors.Is(err, ErrPaymentIntent):
		status = http.StatusBadRequest
		code = "invalid_state"
	default:
		// Never leak unexpected internals to the caller.
		message = "An internal error occurred"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
