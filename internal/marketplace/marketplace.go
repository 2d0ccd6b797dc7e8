// Package marketplace implements the peer-to-peer listing, offer, and
// escrow lifecycle.
//
// Flow:
//  1. Seller creates a listing for an owned asset → pending approval
//  2. Admin approves → seller pays the listing fee → listing goes active
//  3. Buyers submit offers (7-day expiry); seller accepts, rejects, or counters
//  4. Acceptance opens an escrow tied 1:1 to the winning offer and marks
//     the listing sold, all in one atomic step
//  5. Buyer funds escrow → seller releases, or either side disputes and
//     the funds are refunded
package marketplace

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrEscrowNotFound  = errors.New("escrow not found")

	ErrUnauthorized     = errors.New("not authorized for this marketplace operation")
	ErrNotVerified      = errors.New("account must complete identity verification first")
	ErrFeatureNotInPlan = errors.New("subscription plan does not include this marketplace feature")
	ErrLimitReached     = errors.New("subscription plan limit reached")
	ErrKYBRequired      = errors.New("business verification must be approved before listing")

	ErrAssetAlreadyListed = errors.New("asset already has an active listing")
	ErrInvalidStatus      = errors.New("invalid status for this operation")
	ErrListingNotActive   = errors.New("listing is not active")
	ErrOfferNotPending    = errors.New("offer is not pending")
	ErrOfferExpired       = errors.New("offer has expired")
	ErrSelfOffer          = errors.New("cannot make an offer on your own listing")
	ErrCurrencyMismatch   = errors.New("offer currency must match the listing currency")
	ErrPendingOffers      = errors.New("listing has pending offers")
	ErrFeeAlreadyPaid     = errors.New("listing fee already paid")
	ErrNoFee              = errors.New("no listing fee computed")
	ErrEscrowNotFunded    = errors.New("escrow must be funded before release")
	ErrPaymentIntent      = errors.New("failed to create payment intent")
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingDraft           ListingStatus = "draft"
	ListingPendingApproval ListingStatus = "pending_approval"
	ListingApproved        ListingStatus = "approved"
	ListingActive          ListingStatus = "active"
	ListingSold            ListingStatus = "sold"
	ListingCancelled       ListingStatus = "cancelled"
)

// activeListingStatuses are the states that count against plan limits and
// block a second listing of the same asset.
var activeListingStatuses = []ListingStatus{
	ListingPendingApproval, ListingApproved, ListingActive,
}

// Listing represents an asset offered for sale.
type Listing struct {
	ID                 string          `json:"id"`
	AccountID          string          `json:"accountId"`
	AssetID            string          `json:"assetId"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	AskingPrice        decimal.Decimal `json:"askingPrice"`
	Currency           string          `json:"currency"`
	ListingFee         decimal.Decimal `json:"listingFee"`
	FeePaid            bool            `json:"feePaid"`
	FeePaymentIntentID string          `json:"-"`
	Status             ListingStatus   `json:"status"`
	ApprovedBy         string          `json:"approvedBy,omitempty"`
	ApprovedAt         *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the listing is in a final state.
func (l *Listing) IsTerminal() bool {
	return l.Status == ListingSold || l.Status == ListingCancelled
}

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCountered OfferStatus = "countered"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferExpired   OfferStatus = "expired"
)

// DefaultOfferTTL is how long an offer stays open before the sweep
// expires it.
const DefaultOfferTTL = 7 * 24 * time.Hour

// Offer is a bid against a listing. A counter-offer is a fresh Offer
// authored by the listing owner; the original records its replacement
// in CounteredBy.
type Offer struct {
	ID          string          `json:"id"`
	ListingID   string          `json:"listingId"`
	AccountID   string          `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Message     string          `json:"message,omitempty"`
	Status      OfferStatus     `json:"status"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CounteredBy string          `json:"counteredBy,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the offer can no longer change state.
func (o *Offer) IsTerminal() bool {
	return o.Status != OfferPending
}

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Escrow holds funds in trust between buyer and seller for one accepted
// offer. Created exactly once, inside the atomic acceptance step.
type Escrow struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listingId"`
	OfferID         string          `json:"offerId"`
	BuyerID         string          `json:"buyerId"`
	SellerID        string          `json:"sellerId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Commission      decimal.Decimal `json:"commission"`
	PaymentIntentID string          `json:"-"`
	Status          EscrowStatus    `json:"status"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == EscrowReleased || e.Status == EscrowRefunded
}

// ListingFilter narrows and orders listing queries.
type ListingFilter struct {
	Status    ListingStatus
	AccountID string
	Query     string // substring match on title/description
	MinPrice  *decimal.Decimal
	MaxPrice  *decimal.Decimal
	Sort      string // newest (default), price_asc, price_desc
	Limit     int
}

// Store persists marketplace data.
//
// AcceptOffer is the one compound operation: it must insert the escrow,
// flip the offer to accepted, and flip the listing to sold as a single
// atomic unit, re-checking inside that unit that the offer is still
// pending and the listing still active. On a failed re-check it returns
// ErrOfferNotPending or ErrListingNotActive and applies nothing.
//
// UpdateOffer only writes while the stored offer is still pending and
// returns ErrOfferNotPending otherwise, so a late reject/withdraw/expiry
// can never overwrite an acceptance committed by another process.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	UpdateListing(ctx context.Context, l *Listing) error
	ListListings(ctx context.Context, f ListingFilter) ([]*Listing, error)
	CountListingsByAccount(ctx context.Context, accountID string, statuses []ListingStatus) (int, error)
	CountListingsByAsset(ctx context.Context, assetID string, statuses []ListingStatus) (int, error)

	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	UpdateOffer(ctx context.Context, o *Offer) error
	ListOffersByListing(ctx context.Context, listingID string) ([]*Offer, error)
	ListOffersByAccount(ctx context.Context, accountID string) ([]*Offer, error)
	CountPendingOffersByAccount(ctx context.Context, accountID string) (int, error)
	CountPendingOffersByListing(ctx context.Context, listingID string) (int, error)
	ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error)

	AcceptOffer(ctx context.Context, esc *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, esc *Escrow) error
	ListEscrowsByAccount(ctx context.Context, accountID string) ([]*Escrow, error)
}

// KYBChecker reports whether an account's business verification is
// approved. Implemented by the verification reconciler; declared here so
// marketplace does not import it.
type KYBChecker interface {
	KYBApproved(ctx context.Context, accountID string) (bool, error)
}

// CreateListingRequest contains the parameters for creating a listing.
type CreateListingRequest struct {
	AssetID     string `json:"assetId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	AskingPrice string `json:"askingPrice" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
}

// UpdateListingRequest contains the mutable listing fields. Nil pointers
// leave the field unchanged.
type UpdateListingRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	AskingPrice *string `json:"askingPrice"`
}

// CreateOfferRequest contains the parameters for submitting an offer.
type CreateOfferRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
	Message  string `json:"message"`
}

// CounterOfferRequest contains the parameters for countering an offer.
type CounterOfferRequest struct {
	Amount  string `json:"amount" binding:"required"`
	Message string `json:"message"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}
