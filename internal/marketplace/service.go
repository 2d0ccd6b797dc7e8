package marketplace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/assets"
	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/idgen"
	"github.com/halcyonhq/backoffice/internal/logging"
	"github.com/halcyonhq/backoffice/internal/metrics"
	"github.com/halcyonhq/backoffice/internal/money"
	"github.com/halcyonhq/backoffice/internal/payments"
	"github.com/halcyonhq/backoffice/internal/plans"
)

// Service implements the marketplace business logic.
type Service struct {
	store    Store
	accounts accounts.Store
	assets   assets.Store
	payments payments.Provider
	kyb      KYBChecker
	offerTTL time.Duration
	locks    sync.Map // per-listing/escrow locks against racing transitions
}

// NewService creates a new marketplace service.
func NewService(store Store, accts accounts.Store, assetStore assets.Store, pay payments.Provider) *Service {
	return &Service{
		store:    store,
		accounts: accts,
		assets:   assetStore,
		payments: pay,
		offerTTL: DefaultOfferTTL,
	}
}

// WithKYBChecker adds the business-verification gate for corporate and
// trust sellers.
func (s *Service) WithKYBChecker(k KYBChecker) *Service {
	s.kyb = k
	return s
}

// WithOfferTTL overrides the default 7-day offer expiry.
func (s *Service) WithOfferTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.offerTTL = ttl
	}
	return s
}

// lock returns a mutex for the given entity ID. Offer operations key it
// by the offer's listing ID so accept, reject, withdraw, counter, and
// expiry on the same listing serialize against each other.
func (s *Service) lock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// CreateListing creates a listing for an asset the seller owns. The
// listing starts in pending_approval with the 2% fee computed but unpaid.
func (s *Service) CreateListing(ctx context.Context, accountID string, req CreateListingRequest) (*Listing, error) {
	acct, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.Verified {
		return nil, ErrNotVerified
	}
	if !plans.HasFeature(acct.Plan, plans.FeatureMarketplaceList) {
		return nil, ErrFeatureNotInPlan
	}
	if acct.Type.RequiresKYB() && s.kyb != nil {
		ok, err := s.kyb.KYBApproved(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrKYBRequired
		}
	}

	asset, err := assets.GetOwned(ctx, s.assets, req.AssetID, accountID)
	if err != nil {
		return nil, err
	}

	active, err := s.store.CountListingsByAsset(ctx, asset.ID, activeListingStatuses)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, ErrAssetAlreadyListed
	}

	count, err := s.store.CountListingsByAccount(ctx, accountID, activeListingStatuses)
	if err != nil {
		return nil, err
	}
	if !plans.WithinLimit(acct.Plan, plans.ResourceActiveListings, count) {
		return nil, ErrLimitReached
	}

	price, err := money.ParseAmount(req.AskingPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, err)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: invalid currency", ErrInvalidStatus)
	}

	now := time.Now()
	listing := &Listing{
		ID:          idgen.WithPrefix("lst_"),
		AccountID:   accountID,
		AssetID:     asset.ID,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		AskingPrice: price,
		Currency:    currency,
		ListingFee:  money.ListingFee(price),
		Status:      ListingPendingApproval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.CreateListing(ctx, listing); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(string(ListingPendingApproval)).Inc()
	logging.L(ctx).Info("listing created",
		"listingId", listing.ID, "accountId", accountID,
		"assetId", asset.ID, "price", price.String(), "fee", listing.ListingFee.String())
	return listing, nil
}

// ApproveListing moves a listing from pending_approval to approved.
// Requires the approve:listings permission.
func (s *Service) ApproveListing(ctx context.Context, listingID, approverID string) (*Listing, error) {
	approver, err := s.accounts.Get(ctx, approverID)
	if err != nil {
		return nil, err
	}
	if !authz.HasPermission(approver.Role, authz.PermApproveListings) {
		return nil, ErrUnauthorized
	}

	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingPendingApproval {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	listing.Status = ListingApproved
	listing.ApprovedBy = approverID
	listing.ApprovedAt = &now
	listing.UpdatedAt = now

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(string(ListingApproved)).Inc()
	return listing, nil
}

// PayListingFee creates a payment intent for the listing fee and marks it
// paid. Charge confirmation itself is the payment provider's concern.
func (s *Service) PayListingFee(ctx context.Context, listingID, accountID string) (*Listing, *payments.Intent, error) {
	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}
	if listing.AccountID != accountID {
		return nil, nil, ErrUnauthorized
	}
	if listing.FeePaid {
		return nil, nil, ErrFeeAlreadyPaid
	}
	if listing.ListingFee.Sign() <= 0 {
		return nil, nil, ErrNoFee
	}

	intent, err := s.payments.CreatePaymentIntent(ctx, money.MinorUnits(listing.ListingFee), listing.Currency, map[string]string{
		"purpose":    "listing_fee",
		"listing_id": listing.ID,
		"account_id": accountID,
	})
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("payments", "create_payment_intent").Inc()
		return nil, nil, fmt.Errorf("%w: %v", ErrPaymentIntent, err)
	}

	listing.FeePaid = true
	listing.FeePaymentIntentID = intent.ID
	listing.UpdatedAt = time.Now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, nil, err
	}

	logging.L(ctx).Info("listing fee paid",
		"listingId", listing.ID, "fee", listing.ListingFee.String(), "paymentIntent", intent.ID)
	return listing, intent, nil
}

// ActivateListing moves an approved, fee-paid listing to active.
func (s *Service) ActivateListing(ctx context.Context, listingID, accountID string) (*Listing, error) {
	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != accountID {
		return nil, ErrUnauthorized
	}
	if listing.Status != ListingApproved || !listing.FeePaid {
		return nil, ErrInvalidStatus
	}

	listing.Status = ListingActive
	listing.UpdatedAt = time.Now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(string(ListingActive)).Inc()
	return listing, nil
}

// UpdateListing edits title, description, or price while the listing is
// still draft or pending approval. A price change recomputes the fee.
func (s *Service) UpdateListing(ctx context.Context, listingID, accountID string, req UpdateListingRequest) (*Listing, error) {
	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != accountID {
		return nil, ErrUnauthorized
	}
	if listing.Status != ListingDraft && listing.Status != ListingPendingApproval {
		return nil, ErrInvalidStatus
	}

	if req.Title != nil {
		listing.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		listing.Description = strings.TrimSpace(*req.Description)
	}
	if req.AskingPrice != nil {
		price, err := money.ParseAmount(*req.AskingPrice)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, err)
		}
		listing.AskingPrice = price
		listing.ListingFee = money.ListingFee(price)
		listing.FeePaid = false
	}
	listing.UpdatedAt = time.Now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}
	return listing, nil
}

// CancelListing cancels a listing that has not sold and has no pending
// offers.
func (s *Service) CancelListing(ctx context.Context, listingID, accountID string) (*Listing, error) {
	mu := s.lock(listingID)
	mu.Lock()
	defer mu.Unlock()

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != accountID {
		return nil, ErrUnauthorized
	}
	switch listing.Status {
	case ListingDraft, ListingPendingApproval, ListingApproved, ListingActive:
	default:
		return nil, ErrInvalidStatus
	}

	pending, err := s.store.CountPendingOffersByListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, ErrPendingOffers
	}

	listing.Status = ListingCancelled
	listing.UpdatedAt = time.Now()

	if err := s.store.UpdateListing(ctx, listing); err != nil {
		return nil, err
	}

	metrics.ListingsTotal.WithLabelValues(string(ListingCancelled)).Inc()
	return listing, nil
}

// GetListing fetches a single listing.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// SearchListings lists listings matching the filter. Browsing defaults
// to active listings only.
func (s *Service) SearchListings(ctx context.Context, f ListingFilter) ([]*Listing, error) {
	if f.Status == "" && f.AccountID == "" {
		f.Status = ListingActive
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.ListListings(ctx, f)
}

// CreateOffer submits a bid against an active listing.
func (s *Service) CreateOffer(ctx context.Context, listingID, bidderID string, req CreateOfferRequest) (*Offer, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingActive {
		return nil, ErrListingNotActive
	}
	if listing.AccountID == bidderID {
		return nil, ErrSelfOffer
	}

	bidder, err := s.accounts.Get(ctx, bidderID)
	if err != nil {
		return nil, err
	}
	if !plans.HasFeature(bidder.Plan, plans.FeatureMarketplaceOffer) {
		return nil, ErrFeatureNotInPlan
	}
	pending, err := s.store.CountPendingOffersByAccount(ctx, bidderID)
	if err != nil {
		return nil, err
	}
	if !plans.WithinLimit(bidder.Plan, plans.ResourcePendingOffers, pending) {
		return nil, ErrLimitReached
	}

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, err)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency != listing.Currency {
		return nil, ErrCurrencyMismatch
	}

	now := time.Now()
	offer := &Offer{
		ID:        idgen.WithPrefix("off_"),
		ListingID: listing.ID,
		AccountID: bidderID,
		Amount:    amount,
		Currency:  currency,
		Message:   strings.TrimSpace(req.Message),
		Status:    OfferPending,
		ExpiresAt: now.Add(s.offerTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(OfferPending)).Inc()
	logging.L(ctx).Info("offer created",
		"offerId", offer.ID, "listingId", listing.ID,
		"accountId", bidderID, "amount", amount.String())
	return offer, nil
}

// AcceptOffer accepts a pending offer: it computes the commission,
// requests the payment intent, and then opens the escrow, flips the offer
// to accepted, and marks the listing sold in one atomic store operation.
// A provider failure leaves no local mutation behind.
func (s *Service) AcceptOffer(ctx context.Context, offerID, callerID string) (*Escrow, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	mu := s.lock(offer.ListingID)
	mu.Lock()
	defer mu.Unlock()

	offer, err = s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	listing, err := s.store.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != callerID {
		return nil, ErrUnauthorized
	}
	if offer.Status != OfferPending {
		return nil, ErrOfferNotPending
	}
	if time.Now().After(offer.ExpiresAt) {
		return nil, ErrOfferExpired
	}
	if listing.Status != ListingActive {
		return nil, ErrListingNotActive
	}

	seller, err := s.accounts.Get(ctx, callerID)
	if err != nil {
		return nil, err
	}
	commission := money.Commission(offer.Amount, plans.Premium(seller.Plan))

	now := time.Now()
	esc := &Escrow{
		ID:         idgen.WithPrefix("esc_"),
		ListingID:  listing.ID,
		OfferID:    offer.ID,
		BuyerID:    offer.AccountID,
		SellerID:   listing.AccountID,
		Amount:     offer.Amount,
		Currency:   offer.Currency,
		Commission: commission,
		Status:     EscrowPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Payment intent first: if the provider rejects the charge there must
	// be nothing local to roll back.
	intent, err := s.payments.CreatePaymentIntent(ctx, money.MinorUnits(offer.Amount), offer.Currency, map[string]string{
		"purpose":    "escrow",
		"escrow_id":  esc.ID,
		"offer_id":   offer.ID,
		"listing_id": listing.ID,
	})
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues("payments", "create_payment_intent").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPaymentIntent, err)
	}
	esc.PaymentIntentID = intent.ID

	if err := s.store.AcceptOffer(ctx, esc); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(OfferAccepted)).Inc()
	metrics.ListingsTotal.WithLabelValues(string(ListingSold)).Inc()
	metrics.EscrowsTotal.WithLabelValues(string(EscrowPending)).Inc()
	logging.L(ctx).Info("offer accepted",
		"offerId", offer.ID, "listingId", listing.ID, "escrowId", esc.ID,
		"amount", esc.Amount.String(), "commission", commission.String())
	return esc, nil
}

// RejectOffer rejects a pending offer. Listing owner only.
func (s *Service) RejectOffer(ctx context.Context, offerID, callerID string) (*Offer, error) {
	return s.closeOffer(ctx, offerID, callerID, OfferRejected, true)
}

// WithdrawOffer withdraws a pending offer. Bidder only.
func (s *Service) WithdrawOffer(ctx context.Context, offerID, callerID string) (*Offer, error) {
	return s.closeOffer(ctx, offerID, callerID, OfferWithdrawn, false)
}

// closeOffer flips a pending offer into a terminal state, checking that
// the caller is the listing owner (ownerAction) or the bidder. Offer
// mutations all serialize on the listing lock so they cannot interleave
// with AcceptOffer on the same listing.
func (s *Service) closeOffer(ctx context.Context, offerID, callerID string, to OfferStatus, ownerAction bool) (*Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	mu := s.lock(offer.ListingID)
	mu.Lock()
	defer mu.Unlock()

	offer, err = s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if ownerAction {
		listing, err := s.store.GetListing(ctx, offer.ListingID)
		if err != nil {
			return nil, err
		}
		if listing.AccountID != callerID {
			return nil, ErrUnauthorized
		}
	} else if offer.AccountID != callerID {
		return nil, ErrUnauthorized
	}
	if offer.Status != OfferPending {
		return nil, ErrOfferNotPending
	}

	offer.Status = to
	offer.UpdatedAt = time.Now()

	if err := s.store.UpdateOffer(ctx, offer); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(to)).Inc()
	return offer, nil
}

// CounterOffer marks the original offer countered and creates a fresh
// pending offer authored by the listing owner with a new 7-day expiry.
// The listing itself does not change state.
func (s *Service) CounterOffer(ctx context.Context, offerID, callerID string, req CounterOfferRequest) (*Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}

	mu := s.lock(offer.ListingID)
	mu.Lock()
	defer mu.Unlock()

	offer, err = s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	listing, err := s.store.GetListing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != callerID {
		return nil, ErrUnauthorized
	}
	if offer.Status != OfferPending {
		return nil, ErrOfferNotPending
	}

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, err)
	}

	now := time.Now()
	counter := &Offer{
		ID:        idgen.WithPrefix("off_"),
		ListingID: listing.ID,
		AccountID: callerID, // role-reversed: authored by the seller
		Amount:    amount,
		Currency:  offer.Currency,
		Message:   strings.TrimSpace(req.Message),
		Status:    OfferPending,
		ExpiresAt: now.Add(s.offerTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateOffer(ctx, counter); err != nil {
		return nil, err
	}

	offer.Status = OfferCountered
	offer.CounteredBy = counter.ID
	offer.UpdatedAt = now
	if err := s.store.UpdateOffer(ctx, offer); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(OfferCountered)).Inc()
	return counter, nil
}

// GetOffer fetches an offer. Only the bidder or the listing owner may
// read it.
func (s *Service) GetOffer(ctx context.Context, offerID, callerID string) (*Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.AccountID != callerID {
		listing, err := s.store.GetListing(ctx, offer.ListingID)
		if err != nil {
			return nil, err
		}
		if listing.AccountID != callerID {
			return nil, ErrOfferNotFound
		}
	}
	return offer, nil
}

// ListOffersForListing lists all offers on a listing. Listing owner only.
func (s *Service) ListOffersForListing(ctx context.Context, listingID, callerID string) ([]*Offer, error) {
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.AccountID != callerID {
		return nil, ErrUnauthorized
	}
	return s.store.ListOffersByListing(ctx, listingID)
}

// ListMyOffers lists offers authored by the caller.
func (s *Service) ListMyOffers(ctx context.Context, accountID string) ([]*Offer, error) {
	return s.store.ListOffersByAccount(ctx, accountID)
}

// FundEscrow marks the escrow funded once the buyer's charge succeeded.
// Buyer only.
func (s *Service) FundEscrow(ctx context.Context, escrowID, callerID string) (*Escrow, error) {
	mu := s.lock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if esc.Status != EscrowPending {
		return nil, ErrInvalidStatus
	}

	esc.Status = EscrowFunded
	esc.UpdatedAt = time.Now()

	if err := s.store.UpdateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(EscrowFunded)).Inc()
	return esc, nil
}

// HandlePaymentSucceeded marks the escrow behind the payment intent
// funded. Driven by the payment provider's webhook; redeliveries after
// the escrow left pending are a no-op.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) (*Escrow, error) {
	esc, err := s.store.GetEscrowByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}

	mu := s.lock(esc.ID)
	mu.Lock()
	defer mu.Unlock()

	esc, err = s.store.GetEscrow(ctx, esc.ID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowPending {
		return esc, nil
	}

	esc.Status = EscrowFunded
	esc.UpdatedAt = time.Now()
	if err := s.store.UpdateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(EscrowFunded)).Inc()
	logging.L(ctx).Info("escrow funded by payment webhook",
		"escrowId", esc.ID, "paymentIntentId", paymentIntentID)
	return esc, nil
}

// ReleaseEscrow releases a funded escrow to the seller. Seller only.
func (s *Service) ReleaseEscrow(ctx context.Context, escrowID, callerID string) (*Escrow, error) {
	mu := s.lock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if esc.Status != EscrowFunded {
		return nil, ErrEscrowNotFunded
	}

	now := time.Now()
	esc.Status = EscrowReleased
	esc.ReleasedAt = &now
	esc.UpdatedAt = now

	if err := s.store.UpdateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(EscrowReleased)).Inc()
	logging.L(ctx).Info("escrow released",
		"escrowId", esc.ID, "seller", esc.SellerID, "amount", esc.Amount.String())
	return esc, nil
}

// DisputeEscrow flags a funded escrow. Either buyer or seller may call.
func (s *Service) DisputeEscrow(ctx context.Context, escrowID, callerID, reason string) (*Escrow, error) {
	mu := s.lock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.BuyerID != callerID && esc.SellerID != callerID {
		return nil, ErrUnauthorized
	}
	if esc.Status != EscrowFunded {
		return nil, ErrInvalidStatus
	}

	esc.Status = EscrowDisputed
	esc.DisputeReason = strings.TrimSpace(reason)
	esc.UpdatedAt = time.Now()

	if err := s.store.UpdateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(EscrowDisputed)).Inc()
	return esc, nil
}

// RefundEscrow refunds a funded or disputed escrow to the buyer. The
// caller must be the seller or hold manage:marketplace. The provider
// refund is best-effort: the external ledger is the source of truth for
// money movement, so a provider failure must not wedge the local record.
func (s *Service) RefundEscrow(ctx context.Context, escrowID, callerID string) (*Escrow, error) {
	mu := s.lock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.SellerID != callerID {
		caller, err := s.accounts.Get(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if !authz.HasPermission(caller.Role, authz.PermManageMarketplace) {
			return nil, ErrUnauthorized
		}
	}
	if esc.Status != EscrowFunded && esc.Status != EscrowDisputed {
		return nil, ErrInvalidStatus
	}

	if esc.PaymentIntentID != "" {
		if err := s.payments.CreateRefund(ctx, esc.PaymentIntentID); err != nil {
			metrics.ProviderErrorsTotal.WithLabelValues("payments", "create_refund").Inc()
			logging.L(ctx).Warn("provider refund failed, refunding locally anyway",
				"escrowId", esc.ID, "paymentIntent", esc.PaymentIntentID, "error", err)
		}
	}

	esc.Status = EscrowRefunded
	esc.UpdatedAt = time.Now()

	if err := s.store.UpdateEscrow(ctx, esc); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(EscrowRefunded)).Inc()
	logging.L(ctx).Info("escrow refunded",
		"escrowId", esc.ID, "buyer", esc.BuyerID, "amount", esc.Amount.String())
	return esc, nil
}

// GetEscrow fetches an escrow. Buyer, seller, or marketplace admins only.
func (s *Service) GetEscrow(ctx context.Context, escrowID, callerID string) (*Escrow, error) {
	esc, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.BuyerID != callerID && esc.SellerID != callerID {
		caller, err := s.accounts.Get(ctx, callerID)
		if err != nil {
			return nil, err
		}
		if !authz.HasPermission(caller.Role, authz.PermManageMarketplace) {
			return nil, ErrEscrowNotFound
		}
	}
	return esc, nil
}

// ListMyEscrows lists escrows where the caller is buyer or seller.
func (s *Service) ListMyEscrows(ctx context.Context, accountID string) ([]*Escrow, error) {
	return s.store.ListEscrowsByAccount(ctx, accountID)
}

// ExpireOffers flips pending offers past their expiry into expired and
// returns how many were swept. Called by the background timer.
func (s *Service) ExpireOffers(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := s.store.ListExpiredOffers(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, offer := range stale {
		mu := s.lock(offer.ListingID)
		mu.Lock()

		cur, err := s.store.GetOffer(ctx, offer.ID)
		if err != nil || cur.Status != OfferPending {
			mu.Unlock()
			continue
		}
		cur.Status = OfferExpired
		cur.UpdatedAt = time.Now()
		err = s.store.UpdateOffer(ctx, cur)
		mu.Unlock()

		if err != nil {
			logging.L(ctx).Warn("failed to expire offer", "offerId", offer.ID, "error", err)
			continue
		}
		expired++
		metrics.OffersTotal.WithLabelValues(string(OfferExpired)).Inc()
		metrics.OffersExpiredTotal.Inc()
	}
	return expired, nil
}
