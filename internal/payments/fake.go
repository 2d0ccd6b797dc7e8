package payments

import (
	"context"
	"sync"

	"github.com/halcyonhq/backoffice/internal/idgen"
)

// FakeProvider is an in-memory payment provider for development mode and
// tests. It records every call and can be primed to fail.
type FakeProvider struct {
	mu sync.Mutex

	IntentErr error
	RefundErr error

	Intents []FakeIntent
	Refunds []string
}

// FakeIntent captures a recorded CreatePaymentIntent call.
type FakeIntent struct {
	ID          string
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
}

// NewFakeProvider creates a recording payment provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

func (f *FakeProvider) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IntentErr != nil {
		return nil, f.IntentErr
	}
	id := idgen.WithPrefix("pi_")
	f.Intents = append(f.Intents, FakeIntent{
		ID:          id,
		AmountMinor: amountMinor,
		Currency:    currency,
		Metadata:    metadata,
	})
	return &Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *FakeProvider) CreateRefund(ctx context.Context, paymentIntentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RefundErr != nil {
		return f.RefundErr
	}
	f.Refunds = append(f.Refunds, paymentIntentID)
	return nil
}
