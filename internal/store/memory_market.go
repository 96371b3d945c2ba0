package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

func newestOffersFirst(a, b *offers.Offer) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Listings

func (m *Memory) CreateListing(_ context.Context, l *offers.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *Memory) GetListing(_ context.Context, id string) (*offers.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, offers.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) ListListings(_ context.Context, bondID string, status offers.ListingStatus, limit int) ([]*offers.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*offers.Listing
	for _, l := range m.listings {
		if (bondID == "" || l.BondID == bondID) && (status == "" || l.Status == status) {
			cp := *l
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *offers.Listing) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return limited(out, limit), nil
}

func (m *Memory) ListedUnits(_ context.Context, sellerID, bondID string) (tenths.UnitAmount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum tenths.UnitAmount
	for _, l := range m.listings {
		if l.SellerID == sellerID && l.BondID == bondID && l.Status == offers.ListingOpen {
			sum = sum.Add(l.UnitsAvailable)
		}
	}
	return sum, nil
}

func (m *Memory) WithdrawListing(_ context.Context, id string, at time.Time) (*offers.Listing, []*offers.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, nil, offers.ErrListingNotFound
	}
	if l.Status != offers.ListingOpen {
		return nil, nil, offers.ErrListingNotOpen
	}
	l.Status = offers.ListingWithdrawn
	l.UpdatedAt = at
	l.ClosedAt = &at

	cancelled := m.cancelPending(id, "", at)
	out := *l
	return &out, cancelled, nil
}

// cancelPending cancels every pending offer on a listing except keep.
// caller holds m.mu
func (m *Memory) cancelPending(listingID, keep string, at time.Time) []*offers.Offer {
	var out []*offers.Offer
	for _, o := range m.offers {
		if o.ListingID != listingID || o.ID == keep || o.Status != offers.StatusPending {
			continue
		}
		o.Status = offers.StatusCancelled
		o.UpdatedAt = at
		o.ResolvedAt = &at
		cp := *o
		out = append(out, &cp)
	}
	slices.SortFunc(out, newestOffersFirst)
	return out
}

// Offers

func (m *Memory) CreateOffer(_ context.Context, o *offers.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[o.ListingID]
	if !ok {
		return offers.ErrListingNotFound
	}
	if l.Status != offers.ListingOpen {
		return offers.ErrListingClosed
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *Memory) GetOffer(_ context.Context, id string) (*offers.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, offers.ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ResolveOffer(_ context.Context, id string, status offers.Status, at time.Time) (*offers.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, offers.ErrOfferNotFound
	}
	if o.Status != offers.StatusPending {
		return nil, offers.ErrOfferNotPending
	}
	o.Status = status
	o.UpdatedAt = at
	o.ResolvedAt = &at
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOffersByListing(_ context.Context, listingID string, limit int) ([]*offers.Offer, error) {
	return m.listOffers(func(o *offers.Offer) bool { return o.ListingID == listingID }, limit), nil
}

func (m *Memory) ListOffersByUser(_ context.Context, userID string, role offers.Role, limit int) ([]*offers.Offer, error) {
	return m.listOffers(func(o *offers.Offer) bool {
		switch role {
		case offers.RoleBuyer:
			return o.BuyerID == userID
		case offers.RoleSeller:
			return o.SellerID == userID
		}
		return o.BuyerID == userID || o.SellerID == userID
	}, limit), nil
}

func (m *Memory) listOffers(match func(*offers.Offer) bool, limit int) []*offers.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*offers.Offer
	for _, o := range m.offers {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, newestOffersFirst)
	return limited(out, limit)
}

// Settlement

func (m *Memory) Commit(_ context.Context, t *settlement.Transfer) (*settlement.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settledDigests[t.ChainTxDigest] || m.settledOffers[t.OfferID] {
		return nil, settlement.ErrAlreadySettled
	}
	o, ok := m.offers[t.OfferID]
	if !ok {
		return nil, offers.ErrOfferNotFound
	}
	if o.Status != offers.StatusPending {
		return nil, offers.ErrOfferNotPending
	}
	l, ok := m.listings[o.ListingID]
	if !ok {
		return nil, offers.ErrListingNotFound
	}
	if l.Status != offers.ListingOpen || t.Units.Cmp(l.UnitsAvailable) > 0 {
		return nil, settlement.ErrInventoryChanged
	}
	seller, ok := m.allocations[allocKey(t.SellerID, t.BondID)]
	if !ok || t.Units.Cmp(seller.Units) > 0 {
		return nil, settlement.ErrInsufficientUnits
	}

	at := t.CreatedAt
	price := t.Price
	o.Status = offers.StatusAccepted
	o.SettlementPrice = &price
	o.ChainTxRef = t.ChainTxDigest
	o.UpdatedAt = at
	o.ResolvedAt = &at

	seller.Units = seller.Units.Sub(t.Units)
	seller.UpdatedAt = at
	m.credit(t.BuyerID, t.BondID, t.Units, at)

	l.UnitsAvailable = l.UnitsAvailable.Sub(t.Units)
	l.Status = offers.ListingClosed
	l.UpdatedAt = at
	l.ClosedAt = &at

	cancelled := m.cancelPending(l.ID, o.ID, at)

	cp := *t
	m.transfers = append(m.transfers, &cp)
	m.settledDigests[t.ChainTxDigest] = true
	m.settledOffers[t.OfferID] = true

	accepted, listing := *o, *l
	return &settlement.CommitResult{Offer: &accepted, Listing: &listing, Cancelled: cancelled}, nil
}

func (m *Memory) CreateReconciliation(_ context.Context, r *settlement.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reconciliations {
		if existing.ChainTxDigest == r.ChainTxDigest {
			return fmt.Errorf("reconciliation for %s already recorded", r.ChainTxDigest)
		}
	}
	cp := *r
	m.reconciliations[r.ID] = &cp
	return nil
}

func (m *Memory) GetReconciliation(_ context.Context, id string) (*settlement.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reconciliations[id]
	if !ok {
		return nil, settlement.ErrReconciliationNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) UpdateReconciliation(_ context.Context, r *settlement.Reconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reconciliations[r.ID]; !ok {
		return settlement.ErrReconciliationNotFound
	}
	cp := *r
	m.reconciliations[r.ID] = &cp
	return nil
}

func (m *Memory) ListReconciliations(_ context.Context, unresolvedOnly bool, limit int) ([]*settlement.Reconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*settlement.Reconciliation
	for _, r := range m.reconciliations {
		if unresolvedOnly && r.ResolvedAt != nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *settlement.Reconciliation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return limited(out, limit), nil
}

func (m *Memory) HasOpenReconciliation(_ context.Context, listingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reconciliations {
		if r.ListingID == listingID && r.ResolvedAt == nil {
			return true, nil
		}
	}
	return false, nil
}
