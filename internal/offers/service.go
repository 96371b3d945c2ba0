package offers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/idgen"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/notify"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pricing"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/syncutil"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/traces"
)

var ErrListingClosed = apperr.Validation("listing is not accepting offers")

// BondReader is the slice of the bond store the market needs.
type BondReader interface {
	GetBond(ctx context.Context, id string) (*bonds.Bond, error)
	GetAllocation(ctx context.Context, userID, bondID string) (*bonds.Allocation, error)
}

type Service struct {
	store   Store
	bonds   BondReader
	settler Settler
	locker  ListingLocker
	events  notify.Publisher
	listing syncutil.KeyedMutex // per seller+bond, guards over-listing
	now     func() time.Time
}

func NewService(store Store, bonds BondReader, settler Settler, locker ListingLocker) *Service {
	return &Service{
		store:   store,
		bonds:   bonds,
		settler: settler,
		locker:  locker,
		events:  notify.Nop{},
		now:     time.Now,
	}
}

func (s *Service) WithEvents(p notify.Publisher) *Service {
	s.events = p
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateListing offers units of a bond the seller holds. Units already on
// the seller's other open listings of the same bond are not listable again.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*Listing, error) {
	sellerID := bonds.NormalizeID(req.SellerID)
	if sellerID == "" {
		return nil, apperr.Validation("sellerId is required")
	}
	if !req.Units.IsPositive() {
		return nil, apperr.Validation("units must be positive")
	}

	b, err := s.bonds.GetBond(ctx, req.BondID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Tradable() {
		return nil, ErrBondNotTradable
	}

	defer s.listing.Lock(sellerID + "|" + b.ID)()

	var held tenths.UnitAmount
	alloc, err := s.bonds.GetAllocation(ctx, sellerID, b.ID)
	switch {
	case err == nil:
		held = alloc.Units
	case !errors.Is(err, bonds.ErrAllocationNotFound):
		return nil, err
	}
	listed, err := s.store.ListedUnits(ctx, sellerID, b.ID)
	if err != nil {
		return nil, err
	}
	if free := held.Sub(listed); req.Units.Cmp(free) > 0 {
		return nil, fmt.Errorf("%w: requested %s, unlisted %s", ErrExceedsHoldings, req.Units, free)
	}

	now := s.now().UTC()
	l := &Listing{
		ID:             idgen.WithPrefix(idgen.Listing),
		SellerID:       sellerID,
		BondID:         b.ID,
		UnitsListed:    req.Units,
		UnitsAvailable: req.Units,
		Status:         ListingOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}

	logging.L(ctx).Info("listing created", "listing_id", l.ID, "bond_id", l.BondID, "units", l.UnitsListed.String())
	notify.Emit(ctx, s.events, notify.Event{
		Type: notify.ListingCreated, ListingID: l.ID, BondID: l.BondID, SellerID: sellerID, Units: l.UnitsListed, At: now,
	})
	return l, nil
}

// WithdrawListing takes an open listing off the market and cancels its
// pending offers.
func (s *Service) WithdrawListing(ctx context.Context, listingID, actorID string) (*Listing, error) {
	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if bonds.NormalizeID(actorID) != l.SellerID {
		return nil, ErrNotSeller
	}

	unlock, err := s.locker.LockListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	l, cancelled, err := s.store.WithdrawListing(ctx, listingID, now)
	if err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusCancelled)).Add(float64(len(cancelled)))
	logging.L(ctx).Info("listing withdrawn", "listing_id", l.ID, "cancelled_offers", len(cancelled))
	notify.Emit(ctx, s.events, notify.Event{
		Type: notify.ListingWithdrawn, ListingID: l.ID, BondID: l.BondID, SellerID: l.SellerID, Units: l.UnitsAvailable, At: now,
	})
	for _, o := range cancelled {
		notify.Emit(ctx, s.events, offerEvent(notify.OfferCancelled, o, "listing withdrawn"))
	}
	return l, nil
}

// CreateOffer records a buyer's Pending offer against an open listing. It
// holds the listing lock so the offer cannot land after a settlement has
// closed the listing and cancelled its siblings. ProposedTotal is kept for the negotiation record only; it never sets the
// settlement price.
func (s *Service) CreateOffer(ctx context.Context, req CreateOfferRequest) (*Offer, error) {
	buyerID := bonds.NormalizeID(req.BuyerID)
	switch {
	case buyerID == "":
		return nil, apperr.Validation("buyerId is required")
	case !req.Units.IsPositive():
		return nil, apperr.Validation("units must be positive")
	case req.ProposedRateBps < 0:
		return nil, apperr.Validation("proposedRateBps must not be negative")
	}

	unlock, err := s.locker.LockListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	l, err := s.store.GetListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if l.Status != ListingOpen {
		return nil, ErrListingClosed
	}
	if buyerID == l.SellerID {
		return nil, ErrSelfOffer
	}
	if req.Units.Cmp(l.UnitsAvailable) > 0 {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrExceedsAvailable, req.Units, l.UnitsAvailable)
	}

	now := s.now().UTC()
	o := &Offer{
		ID:              idgen.WithPrefix(idgen.Offer),
		ListingID:       l.ID,
		BondID:          l.BondID,
		BuyerID:         buyerID,
		SellerID:        l.SellerID,
		Units:           req.Units,
		ProposedRateBps: req.ProposedRateBps,
		ProposedTotal:   req.ProposedTotal,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	notify.Emit(ctx, s.events, offerEvent(notify.OfferCreated, o, ""))
	return o, nil
}

// Reject ends a pending offer. Either party may reject.
func (s *Service) Reject(ctx context.Context, offerID, actorID string) (*Offer, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	actor := bonds.NormalizeID(actorID)
	if actor != o.BuyerID && actor != o.SellerID {
		return nil, ErrNotParticipant
	}
	if o.Status != StatusPending {
		return nil, ErrOfferNotPending
	}

	unlock, err := s.locker.LockListing(ctx, o.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err = s.store.ResolveOffer(ctx, offerID, StatusRejected, s.now().UTC())
	if err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(StatusRejected)).Inc()
	logging.L(ctx).Info("offer rejected", "offer_id", o.ID, "actor", actor)
	notify.Emit(ctx, s.events, offerEvent(notify.OfferRejected, o, "rejected by "+actor))
	return o, nil
}

// Accept authorizes the seller, reprices the offer at the current time and
// hands it to the settler. The offer's status is written by the settler.
func (s *Service) Accept(ctx context.Context, offerID, actorID string) (_ *AcceptResult, err error) {
	ctx, span := traces.StartSpan(ctx, "offers.Accept", traces.OfferID(offerID))
	defer func() { traces.End(span, err) }()

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if bonds.NormalizeID(actorID) != o.SellerID {
		return nil, ErrNotSeller
	}
	if o.Status != StatusPending {
		return nil, ErrOfferNotPending
	}

	b, err := s.bonds.GetBond(ctx, o.BondID)
	if err != nil {
		return nil, err
	}
	if !b.Status.Tradable() {
		return nil, ErrBondNotTradable
	}

	price, err := pricing.SecondaryPrice(b.FaceValue, b.InterestRateBps, b.IssuedAt, s.now(), o.Units)
	if err != nil {
		return nil, apperr.Validation("settlement price out of range")
	}

	st, err := s.settler.Settle(ctx, SettleRequest{
		OfferID:   o.ID,
		ListingID: o.ListingID,
		SeriesRef: b.SeriesRef,
		Price:     price,
	})
	if err != nil {
		return nil, err
	}

	return &AcceptResult{
		Offer:           st.Offer,
		SettlementPrice: price,
		ChainTxRef:      st.ChainTxRef,
		Pending:         st.Pending,
	}, nil
}

func (s *Service) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return s.store.GetOffer(ctx, id)
}

func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

func (s *Service) ListListings(ctx context.Context, bondID string, status ListingStatus, limit int) ([]*Listing, error) {
	return s.store.ListListings(ctx, bondID, status, limit)
}

func (s *Service) ListOffersByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return s.store.ListOffersByListing(ctx, listingID, limit)
}

func (s *Service) ListOffersByUser(ctx context.Context, userID string, role Role, limit int) ([]*Offer, error) {
	if role != RoleAny && role != RoleBuyer && role != RoleSeller {
		return nil, apperr.Validation("role must be buyer or seller")
	}
	return s.store.ListOffersByUser(ctx, bonds.NormalizeID(userID), role, limit)
}

func offerEvent(t notify.Type, o *Offer, detail string) notify.Event {
	ev := notify.Event{
		Type:       t,
		BondID:     o.BondID,
		ListingID:  o.ListingID,
		OfferID:    o.ID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		Units:      o.Units,
		ChainTxRef: o.ChainTxRef,
		Detail:     detail,
		At:         o.UpdatedAt,
	}
	if o.SettlementPrice != nil {
		ev.Price = *o.SettlementPrice
	}
	return ev
}

// OfferEvent builds the market event for an offer transition.
func OfferEvent(t notify.Type, o *Offer, detail string) notify.Event {
	return offerEvent(t, o, detail)
}
