// Package settlement executes accepted offers.
//
// Settling an offer moves tokens on chain first and then commits the
// bookkeeping (offer accepted, allocations moved, listing drawn down and
// closed, sibling offers cancelled) in one store transaction. The chain
// transfer cannot be undone, so a failed commit is never dropped: it is
// written down as a Reconciliation and replayed by the Sweeper, using the
// chain digest as the idempotency key.
package settlement

import (
	"context"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

var (
	// ErrAlreadySettled means a transfer for this digest or offer was
	// committed before. Replays treat it as success.
	ErrAlreadySettled = apperr.Conflict("transfer already recorded")

	ErrInventoryChanged   = apperr.Conflict("listing inventory changed since the offer was made")
	ErrInsufficientUnits  = apperr.Conflict("seller no longer holds the offered units")
	ErrSettlementInFlight = apperr.Conflict("settlement already in progress for this offer")
	ErrListingBlocked     = apperr.Conflict("listing has a settlement awaiting reconciliation")

	ErrReconciliationNotFound = apperr.NotFound("reconciliation not found")
	ErrReconciliationResolved = apperr.InvalidState("reconciliation already resolved")
)

// Transfer is the committed record of a secondary-market trade.
type Transfer struct {
	ID            string            `json:"id"`
	OfferID       string            `json:"offerId"`
	ListingID     string            `json:"listingId"`
	BondID        string            `json:"bondId"`
	SellerID      string            `json:"sellerId"`
	BuyerID       string            `json:"buyerId"`
	Units         tenths.UnitAmount `json:"units"`
	Price         tenths.Money      `json:"price"`
	ChainTxDigest string            `json:"chainTxDigest"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Reconciliation marks a confirmed chain transfer whose bookkeeping has
// not committed. It carries everything needed to replay the commit.
// FailedAt is set when a replay failed in a way another replay cannot fix;
// the sweep skips such markers until an operator retries them, and the
// listing stays blocked meanwhile.
type Reconciliation struct {
	ID            string            `json:"id"`
	OfferID       string            `json:"offerId"`
	ListingID     string            `json:"listingId"`
	BondID        string            `json:"bondId"`
	SellerID      string            `json:"sellerId"`
	BuyerID       string            `json:"buyerId"`
	Units         tenths.UnitAmount `json:"units"`
	Price         tenths.Money      `json:"price"`
	ChainTxDigest string            `json:"chainTxDigest"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	FailedAt      *time.Time        `json:"failedAt,omitempty"`
	ResolvedAt    *time.Time        `json:"resolvedAt,omitempty"`
}

// Transfer rebuilds the transfer the marker stands for.
func (r *Reconciliation) Transfer(id string, at time.Time) *Transfer {
	return &Transfer{
		ID:            id,
		OfferID:       r.OfferID,
		ListingID:     r.ListingID,
		BondID:        r.BondID,
		SellerID:      r.SellerID,
		BuyerID:       r.BuyerID,
		Units:         r.Units,
		Price:         r.Price,
		ChainTxDigest: r.ChainTxDigest,
		CreatedAt:     at,
	}
}

// CommitResult is the state written by a successful Commit.
type CommitResult struct {
	Offer     *offers.Offer
	Listing   *offers.Listing
	Cancelled []*offers.Offer
}

// Store is the transactional bookkeeping the coordinator needs.
type Store interface {
	GetOffer(ctx context.Context, id string) (*offers.Offer, error)
	GetListing(ctx context.Context, id string) (*offers.Listing, error)

	// Commit applies t in one transaction: the offer moves Pending ->
	// Accepted with price and digest, seller allocation is debited and the
	// buyer's credited, the listing loses t.Units and closes, and every
	// other pending offer on it is cancelled. Returns ErrAlreadySettled if
	// a transfer with the same digest or offer exists, and writes nothing
	// on any error.
	Commit(ctx context.Context, t *Transfer) (*CommitResult, error)

	GetReconciliation(ctx context.Context, id string) (*Reconciliation, error)
	CreateReconciliation(ctx context.Context, r *Reconciliation) error
	UpdateReconciliation(ctx context.Context, r *Reconciliation) error
	ListReconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]*Reconciliation, error)
	HasOpenReconciliation(ctx context.Context, listingID string) (bool, error)
}
