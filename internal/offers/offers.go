// Package offers runs the secondary market: holders list allocated bond
// units, buyers negotiate with offers against a listing, and the seller
// accepts one of them.
//
// An offer is created Pending and ends in exactly one of Accepted,
// Rejected or Cancelled. Accepting never writes Accepted here: the price is
// recomputed from the bond terms and handed to a Settler, which transfers
// the units on chain and commits the bookkeeping, cancelling every other
// pending offer on the listing in the same transaction.
package offers

import (
	"context"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

var (
	ErrListingNotFound  = apperr.NotFound("listing not found")
	ErrOfferNotFound    = apperr.NotFound("offer not found")
	ErrListingNotOpen   = apperr.InvalidState("listing is not open")
	ErrOfferNotPending  = apperr.InvalidState("offer is no longer pending")
	ErrNotParticipant   = apperr.Authorization("actor is neither buyer nor seller of this offer")
	ErrNotSeller        = apperr.Authorization("only the seller may perform this action")
	ErrSelfOffer        = apperr.Validation("buyer cannot make an offer on their own listing")
	ErrExceedsAvailable = apperr.Validation("offer units exceed units available on the listing")
	ErrExceedsHoldings  = apperr.Validation("listing units exceed unlisted holdings")
	ErrBondNotTradable  = apperr.InvalidState("bond is not tradable")
)

type ListingStatus string

const (
	ListingOpen      ListingStatus = "open"
	ListingClosed    ListingStatus = "closed" // an offer on it was accepted
	ListingWithdrawn ListingStatus = "withdrawn"
)

type Listing struct {
	ID             string            `json:"id"`
	SellerID       string            `json:"sellerId"`
	BondID         string            `json:"bondId"`
	UnitsListed    tenths.UnitAmount `json:"unitsListed"`
	UnitsAvailable tenths.UnitAmount `json:"unitsAvailable"`
	Status         ListingStatus     `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	ClosedAt       *time.Time        `json:"closedAt,omitempty"`
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

type Offer struct {
	ID              string            `json:"id"`
	ListingID       string            `json:"listingId"`
	BondID          string            `json:"bondId"`
	BuyerID         string            `json:"buyerId"`
	SellerID        string            `json:"sellerId"`
	Units           tenths.UnitAmount `json:"units"`
	ProposedRateBps int64             `json:"proposedRateBps"`
	ProposedTotal   tenths.Money      `json:"proposedTotal"`
	SettlementPrice *tenths.Money     `json:"settlementPrice,omitempty"`
	Status          Status            `json:"status"`
	ChainTxRef      string            `json:"chainTxRef,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	ResolvedAt      *time.Time        `json:"resolvedAt,omitempty"`
}

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAny    Role = ""
)

type CreateListingRequest struct {
	SellerID string            `json:"sellerId" binding:"required"`
	BondID   string            `json:"bondId" binding:"required"`
	Units    tenths.UnitAmount `json:"units"`
}

type CreateOfferRequest struct {
	ListingID       string            `json:"listingId" binding:"required"`
	BuyerID         string            `json:"buyerId" binding:"required"`
	Units           tenths.UnitAmount `json:"units"`
	ProposedRateBps int64             `json:"proposedRateBps"`
	ProposedTotal   tenths.Money      `json:"proposedTotal"`
}

type ActorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// AcceptResult is the outcome of Accept. Pending means the chain transfer
// is confirmed but bookkeeping is queued for reconciliation.
type AcceptResult struct {
	Offer           *Offer       `json:"offer"`
	SettlementPrice tenths.Money `json:"settlementPrice"`
	ChainTxRef      string       `json:"chainTxRef"`
	Pending         bool         `json:"pending"`
}

// SettleRequest asks a Settler to execute an authorized acceptance.
type SettleRequest struct {
	OfferID   string
	ListingID string
	SeriesRef string
	Price     tenths.Money
}

// Settlement is what a Settler reports back.
type Settlement struct {
	Offer      *Offer
	ChainTxRef string
	Pending    bool
}

// Settler executes the chain transfer and bookkeeping for an accepted offer.
type Settler interface {
	Settle(ctx context.Context, req SettleRequest) (*Settlement, error)
}

// ListingLocker serializes writers of one listing. The returned release
// function must be called exactly once.
type ListingLocker interface {
	LockListing(ctx context.Context, listingID string) (func(), error)
}

// Store persists listings and offers.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	ListListings(ctx context.Context, bondID string, status ListingStatus, limit int) ([]*Listing, error)
	// ListedUnits sums UnitsAvailable over the seller's open listings of a bond.
	ListedUnits(ctx context.Context, sellerID, bondID string) (tenths.UnitAmount, error)
	// WithdrawListing moves an open listing to withdrawn and cancels its
	// pending offers atomically, returning the cancelled offers.
	WithdrawListing(ctx context.Context, id string, at time.Time) (*Listing, []*Offer, error)

	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	// ResolveOffer moves a pending offer to status. Returns
	// ErrOfferNotPending if it already left Pending.
	ResolveOffer(ctx context.Context, id string, status Status, at time.Time) (*Offer, error)
	ListOffersByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)
	ListOffersByUser(ctx context.Context, userID string, role Role, limit int) ([]*Offer, error)
}
