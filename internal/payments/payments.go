// Package payments abstracts the external payment provider used for
// listing fees and escrow funding. Money movement itself (charge capture,
// settlement) is the provider's concern; this package only creates
// payment intents and refunds and reports their references.
package payments

import (
	"context"
	"errors"
)

// ErrProviderUnavailable indicates the provider rejected or failed the call.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// Intent is a provider-side payment intent reference.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Provider creates payment intents and refunds with the external processor.
type Provider interface {
	// CreatePaymentIntent registers an intended charge in integer minor
	// units (cents) and returns its provider reference.
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Intent, error)
	// CreateRefund refunds the charge behind a payment intent.
	CreateRefund(ctx context.Context, paymentIntentID string) error
}
