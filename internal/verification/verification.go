// Package verification reconciles local KYC/KYB records against the
// external identity-verification provider.
//
// The provider owns the proofing flow; we own the local status machine.
// Local status is advanced three ways — explicit submit, pull-based sync,
// and inbound webhooks — and all three funnel through the same
// status-precedence policy so redelivery and polling can never disagree.
// The account's derived Verified flag always equals (status == approved)
// after any reconciliation.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrVerificationNotFound = errors.New("verification record not found")
	ErrAlreadyApproved      = errors.New("verification already approved")
	ErrEmailNotVerified     = errors.New("email must be verified before starting verification")
	ErrNoInquiry            = errors.New("verification has no provider inquiry")
	ErrNotRejected          = errors.New("only rejected verifications can be resubmitted")
	ErrReasonRequired       = errors.New("a reason is required to reject")
	ErrUnauthorized         = errors.New("not authorized for this verification operation")
	ErrProvider             = errors.New("identity provider request failed")
)

// Kind distinguishes individual (KYC) from business (KYB) verification.
type Kind string

const (
	KindKYC Kind = "kyc"
	KindKYB Kind = "kyb"
)

// Status is the local verification state.
type Status string

const (
	StatusNotStarted    Status = "not_started"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusExpired       Status = "expired"
)

// Verification is the local record reconciled against one provider
// inquiry. LastPayload keeps the raw provider response for audit.
type Verification struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"accountId"`
	Kind            Kind            `json:"kind"`
	InquiryID       string          `json:"inquiryId,omitempty"`
	Status          Status          `json:"status"`
	Level           string          `json:"level,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	VerifiedAt      *time.Time      `json:"verifiedAt,omitempty"`
	LastPayload     json.RawMessage `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Store persists verification records and the webhook dedup log.
type Store interface {
	Create(ctx context.Context, v *Verification) error
	GetByAccount(ctx context.Context, accountID string) (*Verification, error)
	GetByInquiryID(ctx context.Context, inquiryID string) (*Verification, error)
	Update(ctx context.Context, v *Verification) error
	// ListPendingSync returns records with an inquiry that are still
	// in_progress or pending_review, for the polling sweep.
	ListPendingSync(ctx context.Context, limit int) ([]*Verification, error)

	// MarkEventProcessed records a webhook event id. It returns false if
	// the event was already recorded (a provider redelivery).
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) (bool, error)
	// PruneEvents drops dedup entries older than the cutoff.
	PruneEvents(ctx context.Context, before time.Time) error
}

// StartRequest optionally pins the verification kind; by default it is
// derived from the account type.
type StartRequest struct {
	Kind Kind `json:"kind"`
}

// OverrideRequest is the admin manual decision.
type OverrideRequest struct {
	Decision string `json:"decision" binding:"required"` // approve or reject
	Reason   string `json:"reason"`
}

// Ack is the soft acknowledgment returned to the webhook provider.
// Recognized-but-unexpected payloads are acknowledged, never 5xx'd, so
// the provider does not retry forever.
type Ack struct {
	Status  string `json:"status"` // success, ignored, or error
	Message string `json:"message,omitempty"`
}
