// Package assets is the asset registry the marketplace consults for
// ownership checks. Full asset management (valuations, photos, documents,
// transfers) lives elsewhere; listings only need to know that an asset
// exists and who owns it.
package assets

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAssetNotFound covers both a missing asset and an asset owned by a
// different account, so callers cannot enumerate other accounts'
// inventories.
var ErrAssetNotFound = errors.New("asset not found")

// Asset is a registered asset eligible for listing.
type Asset struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	Name           string          `json:"name"`
	Category       string          `json:"category,omitempty"`
	EstimatedValue decimal.Decimal `json:"estimatedValue"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists asset records.
type Store interface {
	Create(ctx context.Context, a *Asset) error
	Get(ctx context.Context, id string) (*Asset, error)
	ListByAccount(ctx context.Context, accountID string) ([]*Asset, error)
}

// GetOwned fetches an asset and verifies ownership in one step. A missing
// asset and a foreign asset both return ErrAssetNotFound.
func GetOwned(ctx context.Context, store Store, id, accountID string) (*Asset, error) {
	a, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.AccountID != accountID {
		return nil, ErrAssetNotFound
	}
	return a, nil
}
