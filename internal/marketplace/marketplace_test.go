package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/halcyonhq/backoffice/internal/accounts"
	"github.com/halcyonhq/backoffice/internal/assets"
	"github.com/halcyonhq/backoffice/internal/authz"
	"github.com/halcyonhq/backoffice/internal/payments"
	"github.com/halcyonhq/backoffice/internal/plans"
)

type stubKYB struct {
	approved bool
}

func (s *stubKYB) KYBApproved(ctx context.Context, accountID string) (bool, error) {
	return s.approved, nil
}

type fixture struct {
	service  *Service
	store    *MemoryStore
	accounts *accounts.MemoryStore
	assets   *assets.MemoryStore
	pay      *payments.FakeProvider
	kyb      *stubKYB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    NewMemoryStore(),
		accounts: accounts.NewMemoryStore(),
		assets:   assets.NewMemoryStore(),
		pay:      payments.NewFakeProvider(),
		kyb:      &stubKYB{approved: true},
	}
	f.service = NewService(f.store, f.accounts, f.assets, f.pay).WithKYBChecker(f.kyb)

	ctx := context.Background()
	seed := []*accounts.Account{
		{ID: "seller", Name: "Seller", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter, Verified: true},
		{ID: "buyer", Name: "Buyer", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter, Verified: true},
		{ID: "admin", Name: "Admin", Type: accounts.TypeIndividual, Role: authz.RoleAdmin, Plan: plans.PlanEnterprise, Verified: true},
	}
	for _, a := range seed {
		a.CreatedAt = time.Now()
		a.UpdatedAt = a.CreatedAt
		if err := f.accounts.Create(ctx, a); err != nil {
			t.Fatalf("seed account %s: %v", a.ID, err)
		}
	}
	if err := f.assets.Create(ctx, &assets.Asset{
		ID: "asset1", AccountID: "seller", Name: "Vintage watch",
		EstimatedValue: decimal.NewFromInt(1200), Currency: "USD",
	}); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return f
}

func (f *fixture) addAccount(t *testing.T, a *accounts.Account) {
	t.Helper()
	if err := f.accounts.Create(context.Background(), a); err != nil {
		t.Fatalf("add account %s: %v", a.ID, err)
	}
}

// activeListing walks a fresh listing through approval, fee payment, and
// activation.
func (f *fixture) activeListing(t *testing.T) *Listing {
	t.Helper()
	ctx := context.Background()

	listing, err := f.service.CreateListing(ctx, "seller", CreateListingRequest{
		AssetID: "asset1", Title: "Vintage watch", AskingPrice: "1000", Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := f.service.ApproveListing(ctx, listing.ID, "admin"); err != nil {
		t.Fatalf("approve listing: %v", err)
	}
	if _, _, err := f.service.PayListingFee(ctx, listing.ID, "seller"); err != nil {
		t.Fatalf("pay listing fee: %v", err)
	}
	listing, err = f.service.ActivateListing(ctx, listing.ID, "seller")
	if err != nil {
		t.Fatalf("activate listing: %v", err)
	}
	return listing
}

func (f *fixture) pendingOffer(t *testing.T, listingID, bidder, amount string) *Offer {
	t.Helper()
	offer, err := f.service.CreateOffer(context.Background(), listingID, bidder, CreateOfferRequest{
		Amount: amount, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return offer
}

func TestCreateListingComputesFee(t *testing.T) {
	f := newFixture(t)

	listing, err := f.service.CreateListing(context.Background(), "seller", CreateListingRequest{
		AssetID: "asset1", Title: "Vintage watch", AskingPrice: "1000", Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if listing.Status != ListingPendingApproval {
		t.Errorf("status = %s, want %s", listing.Status, ListingPendingApproval)
	}
	if want := decimal.RequireFromString("20"); !listing.ListingFee.Equal(want) {
		t.Errorf("listing fee = %s, want %s", listing.ListingFee, want)
	}
	if listing.FeePaid {
		t.Error("fee should not be marked paid on creation")
	}
}

func TestCreateListingGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addAccount(t, &accounts.Account{ID: "unverified", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter})
	f.addAccount(t, &accounts.Account{ID: "free", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanFree, Verified: true})
	f.addAccount(t, &accounts.Account{ID: "corp", Type: accounts.TypeCorporate, Role: authz.RoleMember, Plan: plans.PlanStarter, Verified: true})

	req := CreateListingRequest{AssetID: "asset1", Title: "Watch", AskingPrice: "1000", Currency: "USD"}

	if _, err := f.service.CreateListing(ctx, "unverified", req); !errors.Is(err, ErrNotVerified) {
		t.Errorf("unverified seller: err = %v, want ErrNotVerified", err)
	}
	if _, err := f.service.CreateListing(ctx, "free", req); !errors.Is(err, ErrFeatureNotInPlan) {
		t.Errorf("free plan: err = %v, want ErrFeatureNotInPlan", err)
	}

	f.kyb.approved = false
	if _, err := f.service.CreateListing(ctx, "corp", req); !errors.Is(err, ErrKYBRequired) {
		t.Errorf("corporate without KYB: err = %v, want ErrKYBRequired", err)
	}
	f.kyb.approved = true

	// Asset owned by someone else is indistinguishable from a missing one.
	if _, err := f.service.CreateListing(ctx, "buyer", req); !errors.Is(err, assets.ErrAssetNotFound) {
		t.Errorf("foreign asset: err = %v, want ErrAssetNotFound", err)
	}

	if _, err := f.service.CreateListing(ctx, "seller", req); err != nil {
		t.Fatalf("first listing: %v", err)
	}
	if _, err := f.service.CreateListing(ctx, "seller", req); !errors.Is(err, ErrAssetAlreadyListed) {
		t.Errorf("duplicate asset listing: err = %v, want ErrAssetAlreadyListed", err)
	}
}

func TestListingApprovalAndActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing, err := f.service.CreateListing(ctx, "seller", CreateListingRequest{
		AssetID: "asset1", Title: "Watch", AskingPrice: "1000", Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := f.service.ApproveListing(ctx, listing.ID, "buyer"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("approve by member: err = %v, want ErrUnauthorized", err)
	}
	if _, err := f.service.ActivateListing(ctx, listing.ID, "seller"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("activate before approval: err = %v, want ErrInvalidStatus", err)
	}

	approved, err := f.service.ApproveListing(ctx, listing.ID, "admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedBy != "admin" || approved.ApprovedAt == nil {
		t.Error("approval should record approver and timestamp")
	}

	if _, err := f.service.ActivateListing(ctx, listing.ID, "seller"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("activate before fee payment: err = %v, want ErrInvalidStatus", err)
	}

	_, intent, err := f.service.PayListingFee(ctx, listing.ID, "seller")
	if err != nil {
		t.Fatalf("pay fee: %v", err)
	}
	if intent == nil || intent.ID == "" {
		t.Fatal("fee payment should return a payment intent")
	}
	if got := f.pay.Intents[0].AmountMinor; got != 2000 {
		t.Errorf("fee intent minor units = %d, want 2000", got)
	}

	if _, _, err := f.service.PayListingFee(ctx, listing.ID, "seller"); !errors.Is(err, ErrFeeAlreadyPaid) {
		t.Errorf("double fee payment: err = %v, want ErrFeeAlreadyPaid", err)
	}

	active, err := f.service.ActivateListing(ctx, listing.ID, "seller")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if active.Status != ListingActive {
		t.Errorf("status = %s, want %s", active.Status, ListingActive)
	}
}

func TestCreateOfferGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)

	if _, err := f.service.CreateOffer(ctx, listing.ID, "seller", CreateOfferRequest{Amount: "800", Currency: "USD"}); !errors.Is(err, ErrSelfOffer) {
		t.Errorf("self offer: err = %v, want ErrSelfOffer", err)
	}
	if _, err := f.service.CreateOffer(ctx, listing.ID, "buyer", CreateOfferRequest{Amount: "800", Currency: "EUR"}); !errors.Is(err, ErrCurrencyMismatch) {
		t.Errorf("currency mismatch: err = %v, want ErrCurrencyMismatch", err)
	}
	if _, err := f.service.CreateOffer(ctx, "missing", "buyer", CreateOfferRequest{Amount: "800", Currency: "USD"}); !errors.Is(err, ErrListingNotFound) {
		t.Errorf("missing listing: err = %v, want ErrListingNotFound", err)
	}

	// Free plan allows at most 3 pending offers.
	f.addAccount(t, &accounts.Account{ID: "freebuyer", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanFree, Verified: true})
	for i := 0; i < 3; i++ {
		if _, err := f.service.CreateOffer(ctx, listing.ID, "freebuyer", CreateOfferRequest{Amount: "500", Currency: "USD"}); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if _, err := f.service.CreateOffer(ctx, listing.ID, "freebuyer", CreateOfferRequest{Amount: "500", Currency: "USD"}); !errors.Is(err, ErrLimitReached) {
		t.Errorf("over offer limit: err = %v, want ErrLimitReached", err)
	}
}

func TestAcceptOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	if !esc.Amount.Equal(decimal.RequireFromString("800")) {
		t.Errorf("escrow amount = %s, want 800", esc.Amount)
	}
	if want := decimal.RequireFromString("160"); !esc.Commission.Equal(want) {
		t.Errorf("commission = %s, want %s (20%% standard rate)", esc.Commission, want)
	}
	if esc.Status != EscrowPending {
		t.Errorf("escrow status = %s, want %s", esc.Status, EscrowPending)
	}
	if esc.BuyerID != "buyer" || esc.SellerID != "seller" {
		t.Errorf("escrow parties = %s/%s, want buyer/seller", esc.BuyerID, esc.SellerID)
	}
	if esc.PaymentIntentID == "" {
		t.Error("escrow should carry the payment intent reference")
	}

	got, err := f.store.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if got.Status != OfferAccepted {
		t.Errorf("offer status = %s, want %s", got.Status, OfferAccepted)
	}
	l, err := f.store.GetListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if l.Status != ListingSold {
		t.Errorf("listing status = %s, want %s", l.Status, ListingSold)
	}
}

func TestAcceptOfferPremiumCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seller, err := f.accounts.Get(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	seller.Plan = plans.PlanGrowth
	if err := f.accounts.Update(ctx, seller); err != nil {
		t.Fatal(err)
	}

	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if want := decimal.RequireFromString("80"); !esc.Commission.Equal(want) {
		t.Errorf("commission = %s, want %s (10%% premium rate)", esc.Commission, want)
	}
}

func TestAcceptOfferAuthorizationAndState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	if _, err := f.service.AcceptOffer(ctx, offer.ID, "buyer"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("accept by non-owner: err = %v, want ErrUnauthorized", err)
	}

	if _, err := f.service.RejectOffer(ctx, offer.ID, "seller"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := f.service.AcceptOffer(ctx, offer.ID, "seller"); !errors.Is(err, ErrOfferNotPending) {
		t.Errorf("accept rejected offer: err = %v, want ErrOfferNotPending", err)
	}
}

func TestAcceptOfferPaymentFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	f.pay.IntentErr = errors.New("card declined")

	_, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if !errors.Is(err, ErrPaymentIntent) {
		t.Fatalf("err = %v, want ErrPaymentIntent", err)
	}

	// Full rollback: no escrow, offer still pending, listing still active.
	escrows, err := f.store.ListEscrowsByAccount(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if len(escrows) != 0 {
		t.Errorf("escrows after failed acceptance = %d, want 0", len(escrows))
	}
	got, _ := f.store.GetOffer(ctx, offer.ID)
	if got.Status != OfferPending {
		t.Errorf("offer status = %s, want %s", got.Status, OfferPending)
	}
	l, _ := f.store.GetListing(ctx, listing.ID)
	if l.Status != ListingActive {
		t.Errorf("listing status = %s, want %s", l.Status, ListingActive)
	}

	// Recovery: a later acceptance succeeds once the provider does.
	f.pay.IntentErr = nil
	if _, err := f.service.AcceptOffer(ctx, offer.ID, "seller"); err != nil {
		t.Fatalf("accept after provider recovery: %v", err)
	}
}

func TestConcurrentAcceptCreatesOneEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)

	f.addAccount(t, &accounts.Account{ID: "buyer2", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanStarter, Verified: true})
	offer1 := f.pendingOffer(t, listing.ID, "buyer", "800")
	offer2 := f.pendingOffer(t, listing.ID, "buyer2", "850")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{offer1.ID, offer2.ID} {
		wg.Add(1)
		go func(i int, offerID string) {
			defer wg.Done()
			_, errs[i] = f.service.AcceptOffer(ctx, offerID, "seller")
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrListingNotActive) && !errors.Is(err, ErrOfferNotPending) {
			t.Errorf("unexpected acceptance error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("acceptances succeeded = %d, want exactly 1", succeeded)
	}

	escrows, err := f.store.ListEscrowsByAccount(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if len(escrows) != 1 {
		t.Fatalf("escrows for listing = %d, want 1", len(escrows))
	}
}

func TestConcurrentAcceptAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	var wg sync.WaitGroup
	var acceptErr, withdrawErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = f.service.AcceptOffer(ctx, offer.ID, "seller")
	}()
	go func() {
		defer wg.Done()
		_, withdrawErr = f.service.WithdrawOffer(ctx, offer.ID, "buyer")
	}()
	wg.Wait()

	got, err := f.store.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatal(err)
	}
	escrows, err := f.store.ListEscrowsByAccount(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}

	switch {
	case acceptErr == nil && errors.Is(withdrawErr, ErrOfferNotPending):
		if got.Status != OfferAccepted {
			t.Errorf("offer status = %s, want %s", got.Status, OfferAccepted)
		}
		if len(escrows) != 1 {
			t.Errorf("escrows = %d, want 1", len(escrows))
		}
	case withdrawErr == nil && errors.Is(acceptErr, ErrOfferNotPending):
		if got.Status != OfferWithdrawn {
			t.Errorf("offer status = %s, want %s", got.Status, OfferWithdrawn)
		}
		if len(escrows) != 0 {
			t.Errorf("escrows = %d, want 0", len(escrows))
		}
	default:
		t.Fatalf("accept err = %v, withdraw err = %v, want exactly one success", acceptErr, withdrawErr)
	}
}

func TestUpdateOfferRefusesNonPending(t *testing.T) {
	// A late withdraw that lost the race to an acceptance must not
	// overwrite the accepted offer out from under the escrow.
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	stale, _ := f.store.GetOffer(ctx, offer.ID)
	stale.Status = OfferWithdrawn
	stale.UpdatedAt = time.Now()
	if err := f.store.UpdateOffer(ctx, stale); !errors.Is(err, ErrOfferNotPending) {
		t.Fatalf("late write: err = %v, want ErrOfferNotPending", err)
	}

	got, _ := f.store.GetOffer(ctx, offer.ID)
	if got.Status != OfferAccepted {
		t.Errorf("offer status = %s, want %s", got.Status, OfferAccepted)
	}
	if esc.OfferID != offer.ID {
		t.Errorf("escrow offer = %s, want %s", esc.OfferID, offer.ID)
	}
}

func TestCounterOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	if _, err := f.service.CounterOffer(ctx, offer.ID, "buyer", CounterOfferRequest{Amount: "900"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("counter by bidder: err = %v, want ErrUnauthorized", err)
	}

	counter, err := f.service.CounterOffer(ctx, offer.ID, "seller", CounterOfferRequest{Amount: "900", Message: "meet in the middle"})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if counter.AccountID != "seller" {
		t.Errorf("counter author = %s, want seller", counter.AccountID)
	}
	if counter.Status != OfferPending {
		t.Errorf("counter status = %s, want pending", counter.Status)
	}

	original, _ := f.store.GetOffer(ctx, offer.ID)
	if original.Status != OfferCountered {
		t.Errorf("original status = %s, want %s", original.Status, OfferCountered)
	}
	if original.CounteredBy != counter.ID {
		t.Errorf("original counteredBy = %s, want %s", original.CounteredBy, counter.ID)
	}

	// Countering leaves the listing untouched.
	l, _ := f.store.GetListing(ctx, listing.ID)
	if l.Status != ListingActive {
		t.Errorf("listing status = %s, want active", l.Status)
	}
}

func TestWithdrawOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	if _, err := f.service.WithdrawOffer(ctx, offer.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("withdraw by non-bidder: err = %v, want ErrUnauthorized", err)
	}
	withdrawn, err := f.service.WithdrawOffer(ctx, offer.ID, "buyer")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != OfferWithdrawn {
		t.Errorf("status = %s, want %s", withdrawn.Status, OfferWithdrawn)
	}
}

func TestEscrowFundAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")
	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.ReleaseEscrow(ctx, esc.ID, "seller"); !errors.Is(err, ErrEscrowNotFunded) {
		t.Errorf("release before funding: err = %v, want ErrEscrowNotFunded", err)
	}
	if _, err := f.service.FundEscrow(ctx, esc.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("fund by seller: err = %v, want ErrUnauthorized", err)
	}

	funded, err := f.service.FundEscrow(ctx, esc.ID, "buyer")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != EscrowFunded {
		t.Errorf("status = %s, want %s", funded.Status, EscrowFunded)
	}

	if _, err := f.service.ReleaseEscrow(ctx, esc.ID, "buyer"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("release by buyer: err = %v, want ErrUnauthorized", err)
	}
	released, err := f.service.ReleaseEscrow(ctx, esc.ID, "seller")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != EscrowReleased || released.ReleasedAt == nil {
		t.Error("release should set status released and the timestamp")
	}

	if _, err := f.service.ReleaseEscrow(ctx, esc.ID, "seller"); !errors.Is(err, ErrEscrowNotFunded) {
		t.Errorf("re-release: err = %v, want ErrEscrowNotFunded", err)
	}
}

func TestEscrowDisputeAndRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")
	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.FundEscrow(ctx, esc.ID, "buyer"); err != nil {
		t.Fatal(err)
	}

	disputed, err := f.service.DisputeEscrow(ctx, esc.ID, "buyer", "item not as described")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != EscrowDisputed || disputed.DisputeReason == "" {
		t.Error("dispute should set status and reason")
	}

	f.addAccount(t, &accounts.Account{ID: "stranger", Type: accounts.TypeIndividual, Role: authz.RoleMember, Plan: plans.PlanFree, Verified: true})
	if _, err := f.service.RefundEscrow(ctx, esc.ID, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("refund by stranger: err = %v, want ErrUnauthorized", err)
	}

	refunded, err := f.service.RefundEscrow(ctx, esc.ID, "admin")
	if err != nil {
		t.Fatalf("refund by admin: %v", err)
	}
	if refunded.Status != EscrowRefunded {
		t.Errorf("status = %s, want %s", refunded.Status, EscrowRefunded)
	}
	if len(f.pay.Refunds) != 1 || f.pay.Refunds[0] != esc.PaymentIntentID {
		t.Errorf("provider refunds = %v, want [%s]", f.pay.Refunds, esc.PaymentIntentID)
	}
}

func TestRefundSurvivesProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")
	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.FundEscrow(ctx, esc.ID, "buyer"); err != nil {
		t.Fatal(err)
	}

	// The external ledger is the source of truth; a failed provider
	// refund must not wedge the local record.
	f.pay.RefundErr = errors.New("provider down")
	refunded, err := f.service.RefundEscrow(ctx, esc.ID, "seller")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != EscrowRefunded {
		t.Errorf("status = %s, want %s", refunded.Status, EscrowRefunded)
	}
}

func TestHandlePaymentSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	funded, err := f.service.HandlePaymentSucceeded(ctx, esc.PaymentIntentID)
	if err != nil {
		t.Fatalf("handle payment: %v", err)
	}
	if funded.Status != EscrowFunded {
		t.Errorf("status = %s, want %s", funded.Status, EscrowFunded)
	}

	// Redelivery after funding is a no-op.
	again, err := f.service.HandlePaymentSucceeded(ctx, esc.PaymentIntentID)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if again.Status != EscrowFunded {
		t.Errorf("status after redelivery = %s, want %s", again.Status, EscrowFunded)
	}

	if _, err := f.service.HandlePaymentSucceeded(ctx, "pi_unknown"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("unknown intent: err = %v, want ErrEscrowNotFound", err)
	}
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")
	esc, err := f.service.AcceptOffer(ctx, offer.ID, "seller")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	router := gin.New()
	NewHandler(f.service, "").RegisterWebhookRoutes(router.Group("/v1")) // unsigned in tests

	post := func(body string) (int, map[string]string) {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return w.Code, resp
	}

	code, resp := post(fmt.Sprintf(`{"type":"payment_intent.succeeded","data":{"object":{"id":%q}}}`, esc.PaymentIntentID))
	if code != http.StatusOK || resp["status"] != "success" {
		t.Fatalf("funding event = (%d, %v), want 200 success", code, resp)
	}
	got, _ := f.store.GetEscrow(ctx, esc.ID)
	if got.Status != EscrowFunded {
		t.Errorf("escrow status = %s, want %s", got.Status, EscrowFunded)
	}

	code, resp = post(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_unknown"}}}`)
	if code != http.StatusOK || resp["status"] != "ignored" {
		t.Errorf("unknown intent = (%d, %v), want 200 ignored", code, resp)
	}

	code, resp = post(`{"type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	if code != http.StatusOK || resp["status"] != "ignored" {
		t.Errorf("unhandled type = (%d, %v), want 200 ignored", code, resp)
	}
}

func TestCancelListingBlockedByPendingOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	if _, err := f.service.CancelListing(ctx, listing.ID, "seller"); !errors.Is(err, ErrPendingOffers) {
		t.Errorf("cancel with pending offer: err = %v, want ErrPendingOffers", err)
	}

	if _, err := f.service.RejectOffer(ctx, offer.ID, "seller"); err != nil {
		t.Fatal(err)
	}
	cancelled, err := f.service.CancelListing(ctx, listing.ID, "seller")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != ListingCancelled {
		t.Errorf("status = %s, want %s", cancelled.Status, ListingCancelled)
	}
}

func TestExpireOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	listing := f.activeListing(t)
	offer := f.pendingOffer(t, listing.ID, "buyer", "800")

	// Backdate the offer past its deadline.
	stale, _ := f.store.GetOffer(ctx, offer.ID)
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	if err := f.store.UpdateOffer(ctx, stale); err != nil {
		t.Fatal(err)
	}

	expired, err := f.service.ExpireOffers(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("expire offers: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	got, _ := f.store.GetOffer(ctx, offer.ID)
	if got.Status != OfferExpired {
		t.Errorf("status = %s, want %s", got.Status, OfferExpired)
	}

	// Sweeping twice is harmless.
	expired, err = f.service.ExpireOffers(ctx, time.Now(), 100)
	if err != nil || expired != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", expired, err)
	}

	if _, err := f.service.AcceptOffer(ctx, offer.ID, "seller"); !errors.Is(err, ErrOfferNotPending) {
		t.Errorf("accept expired offer: err = %v, want ErrOfferNotPending", err)
	}
}

func TestSearchListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activeListing(t)

	listings, err := f.service.SearchListings(ctx, ListingFilter{Query: "watch"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("results = %d, want 1", len(listings))
	}

	min := decimal.RequireFromString("2000")
	listings, err = f.service.SearchListings(ctx, ListingFilter{MinPrice: &min})
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 0 {
		t.Errorf("results above price floor = %d, want 0", len(listings))
	}
}
