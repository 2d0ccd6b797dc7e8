// Package accounts provides the account directory the marketplace and
// verification engines consult for ownership, role, plan, and the derived
// verified flag.
package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/plans"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidType     = errors.New("invalid account type")
)

// Type distinguishes individual accounts (KYC) from entity accounts (KYB).
type Type string

const (
	TypeIndividual Type = "individual"
	TypeCorporate  Type = "corporate"
	TypeTrust      Type = "trust"
)

// RequiresKYB returns true for account types verified through KYB.
func (t Type) RequiresKYB() bool {
	return t == TypeCorporate || t == TypeTrust
}

// ValidType returns true if the account type is recognised.
func ValidType(t Type) bool {
	switch t {
	case TypeIndividual, TypeCorporate, TypeTrust:
		return true
	}
	return false
}

// Account represents a client account in the back office.
type Account struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          Type       `json:"type"`
	Role          authz.Role `json:"role"`
	Plan          plans.Plan `json:"plan"`
	EmailVerified bool       `json:"emailVerified"`
	Verified      bool       `json:"verified"` // derived: identity verification approved
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists account data.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	// SetVerified flips only the derived verified flag.
	SetVerified(ctx context.Context, id string, verified bool) error
}
