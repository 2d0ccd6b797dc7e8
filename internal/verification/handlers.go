package verification

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/logging"
	"github.com/halcyonhq/backoffice/internal/webhookauth"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20 // 1MB

// Handler provides HTTP endpoints for verification operations.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new verification handler.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up authenticated verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/verification", h.GetVerification)
	r.POST("/verification/start", h.Start)
	r.POST("/verification/submit", h.Submit)
	r.POST("/verification/sync", h.Sync)
	r.POST("/verification/documents", h.UploadDocument)
	r.POST("/verification/resubmit", h.Resubmit)
	r.POST("/accounts/:id/verification/override", h.Override)
}

// RegisterWebhookRoutes sets up the provider callback endpoint. It is
// unauthenticated: the HMAC signature is the authentication.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/identity", h.Webhook)
}

// GetVerification handles GET /v1/verification
func (h *Handler) GetVerification(c *gin.Context) {
	v, err := h.service.GetByAccount(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// Start handles POST /v1/verification/start
func (h *Handler) Start(c *gin.Context) {
	v, err := h.service.Start(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"verification": v})
}

// Submit handles POST /v1/verification/submit
func (h *Handler) Submit(c *gin.Context) {
	v, err := h.service.Submit(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// Sync handles POST /v1/verification/sync
func (h *Handler) Sync(c *gin.Context) {
	v, err := h.service.SyncStatus(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// maxDocumentSize caps uploaded verification documents.
const maxDocumentSize = 10 << 20 // 10MB

// UploadDocument handles POST /v1/verification/documents. The document
// is streamed through to the provider, never stored locally.
func (h *Handler) UploadDocument(c *gin.Context) {
	file, header, err := c.Request.FormFile("document")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A multipart 'document' file is required",
		})
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > maxDocumentSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "document_too_large",
			"message": "Document exceeds the 10MB limit",
		})
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, maxDocumentSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read uploaded document",
		})
		return
	}

	if err := h.service.UploadDocument(c.Request.Context(), c.GetString("authAccountID"), header.Filename, content); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "attached", "filename": header.Filename})
}

// Resubmit handles POST /v1/verification/resubmit
func (h *Handler) Resubmit(c *gin.Context) {
	v, err := h.service.Resubmit(c.Request.Context(), c.GetString("authAccountID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// Override handles POST /v1/accounts/:id/verification/override
func (h *Handler) Override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Decision is required (approve or reject)",
		})
		return
	}

	v, err := h.service.AdminOverride(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": v})
}

// webhookEnvelope is the provider's JSON:API event shape.
type webhookEnvelope struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Name    string `json:"name"`
			Payload struct {
				Data struct {
					ID         string `json:"id"`
					Attributes struct {
						Status             string `json:"status"`
						VerificationStatus string `json:"verification-status"`
						Level              string `json:"level"`
						FailureReason      string `json:"failure-reason"`
					} `json:"attributes"`
				} `json:"data"`
			} `json:"payload"`
		} `json:"attributes"`
	} `json:"data"`
}

// Webhook handles POST /v1/webhooks/identity.
//
// Responses are always 200 with a soft status so the provider does not
// endlessly redeliver payloads we cannot use. Only a bad signature is
// rejected outright.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusOK, Ack{Status: "error", Message: "failed to read payload"})
		return
	}

	if h.webhookSecret != "" {
		sig := c.GetHeader("Persona-Signature")
		if !webhookauth.VerifyVersioned(body, h.webhookSecret, sig) {
			logging.L(c.Request.Context()).Warn("webhook signature verification failed")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.JSON(http.StatusOK, Ack{Status: "error", Message: "malformed payload"})
		return
	}

	attrs := env.Data.Attributes.Payload.Data.Attributes
	ack := h.service.HandleEvent(c.Request.Context(), Event{
		ID:        env.Data.ID,
		Name:      env.Data.Attributes.Name,
		InquiryID: env.Data.Attributes.Payload.Data.ID,
		Update: Update{
			VerificationStatus: attrs.VerificationStatus,
			Level:              attrs.Level,
			FailureReason:      attrs.FailureReason,
			Raw:                json.RawMessage(body),
		},
	})
	c.JSON(http.StatusOK, ack)
}

// respondError maps service errors onto the HTTP taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	switch {
	case errors.Is(err, ErrVerificationNotFound),
		errors.Is(err, accounts.ErrAccountNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyApproved):
		status = http.StatusConflict
		code = "already_approved"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrEmailNotVerified),
		errors.Is(err, ErrNoInquiry),
		errors.Is(err, ErrNotRejected),
		errors.Is(err, ErrReasonRequired),
		errors.Is(err, ErrProvider):
		status = http.StatusBadRequest
		code = "invalid_state"
	default:
		message = "An internal error occurred"
	}

	c.JSON(status, gin.H{"error": code, "message": message})
}
