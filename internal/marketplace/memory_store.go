package marketplace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory marketplace store for demo/development mode.
// The single mutex makes AcceptOffer's check-then-act race-free.
type MemoryStore struct {
	listings map[string]*Listing
	offers   map[string]*Offer
	escrows  map[string]*Escrow
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory marketplace store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		offers:   make(map[string]*Offer),
		escrows:  make(map[string]*Escrow),
	}
}

func (m *MemoryStore) CreateListing(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) UpdateListing(ctx context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) ListListings(ctx context.Context, f ListingFilter) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Listing
	for _, l := range m.listings {
		if !matchListing(l, f) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}

	switch f.Sort {
	case "price_asc":
		sort.Slice(out, func(i, j int) bool { return out[i].AskingPrice.LessThan(out[j].AskingPrice) })
	case "price_desc":
		sort.Slice(out, func(i, j int) bool { return out[j].AskingPrice.LessThan(out[i].AskingPrice) })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchListing(l *Listing, f ListingFilter) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.AccountID != "" && l.AccountID != f.AccountID {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(l.Title), q) &&
			!strings.Contains(strings.ToLower(l.Description), q) {
			return false
		}
	}
	if f.MinPrice != nil && l.AskingPrice.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && f.MaxPrice.LessThan(l.AskingPrice) {
		return false
	}
	return true
}

func (m *MemoryStore) CountListingsByAccount(ctx context.Context, accountID string, statuses []ListingStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, l := range m.listings {
		if l.AccountID == accountID && statusIn(l.Status, statuses) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountListingsByAsset(ctx context.Context, assetID string, statuses []ListingStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, l := range m.listings {
		if l.AssetID == assetID && statusIn(l.Status, statuses) {
			count++
		}
	}
	return count, nil
}

func statusIn(s ListingStatus, set []ListingStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateOffer writes the offer only while the stored row is still
// pending. A concurrent acceptance wins and the late writer gets
// ErrOfferNotPending instead of clobbering the accepted offer.
func (m *MemoryStore) UpdateOffer(ctx context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.offers[o.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if cur.Status != OfferPending {
		return ErrOfferNotPending
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) ListOffersByListing(ctx context.Context, listingID string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.ListingID == listingID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOffers(out)
	return out, nil
}

func (m *MemoryStore) ListOffersByAccount(ctx context.Context, accountID string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.AccountID == accountID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sortOffers(out)
	return out, nil
}

func sortOffers(offers []*Offer) {
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.After(offers[j].CreatedAt) })
}

func (m *MemoryStore) CountPendingOffersByAccount(ctx context.Context, accountID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.offers {
		if o.AccountID == accountID && o.Status == OfferPending {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) CountPendingOffersByListing(ctx context.Context, listingID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, o := range m.offers {
		if o.ListingID == listingID && o.Status == OfferPending {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListExpiredOffers(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Offer
	for _, o := range m.offers {
		if o.Status == OfferPending && o.ExpiresAt.Before(before) {
			cp := *o
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// AcceptOffer applies the acceptance as one atomic unit under the store
// mutex: re-check offer pending + listing active, then insert the escrow
// and flip both statuses. Nothing is applied on a failed re-check.
func (m *MemoryStore) AcceptOffer(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[esc.OfferID]
	if !ok {
		return ErrOfferNotFound
	}
	listing, ok := m.listings[esc.ListingID]
	if !ok {
		return ErrListingNotFound
	}
	if offer.Status != OfferPending {
		return ErrOfferNotPending
	}
	if listing.Status != ListingActive {
		return ErrListingNotActive
	}

	now := time.Now()
	cp := *esc
	m.escrows[esc.ID] = &cp

	offer.Status = OfferAccepted
	offer.UpdatedAt = now
	listing.Status = ListingSold
	listing.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.PaymentIntentID == paymentIntentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) UpdateEscrow(ctx context.Context, esc *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[esc.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *esc
	m.escrows[esc.ID] = &cp
	return nil
}

func (m *MemoryStore) ListEscrowsByAccount(ctx context.Context, accountID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == accountID || e.SellerID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
