// Package identity abstracts the external identity-verification provider.
//
// The provider owns the actual proofing flow (document checks, selfie
// match, registry lookups). Locally we only create inquiries, submit
// them, and read back their status for reconciliation.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInquiryNotFound = errors.New("inquiry not found")

// Inquiry is a provider-side verification session.
type Inquiry struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"-"` // full provider response, kept for audit
}

// InquiryStatus is the provider-reported state of an inquiry, flattened
// to the fields the reconciler consumes.
type InquiryStatus struct {
	InquiryID          string          `json:"inquiryId"`
	Status             string          `json:"status"`                       // e.g. approved, completed, failed, pending, processing
	VerificationStatus string          `json:"verificationStatus,omitempty"` // sub-status on completed inquiries
	Level              string          `json:"level,omitempty"`
	FailureReason      string          `json:"failureReason,omitempty"`
	Raw                json.RawMessage `json:"-"`
}

// Provider creates and reads verification inquiries.
type Provider interface {
	CreateInquiry(ctx context.Context, referenceID, templateID string) (*Inquiry, error)
	GetInquiry(ctx context.Context, inquiryID string) (*InquiryStatus, error)
	SubmitInquiry(ctx context.Context, inquiryID string) error
	// AttachDocument uploads supporting evidence (passport scan,
	// certificate of incorporation) to an open inquiry.
	AttachDocument(ctx context.Context, inquiryID, filename string, content []byte) error
}

// APIError is a provider HTTP error. Callers use StatusCode to decide
// whether a call is worth retrying.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("identity provider error (%d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("identity provider error (%d)", e.StatusCode)
}

// Retryable reports whether the error is transient (network or 5xx).
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}
