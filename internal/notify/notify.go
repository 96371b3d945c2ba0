// Package notify fans market events out to subscribers.
//
// Delivery is best effort: a failing sink is logged and counted, and never
// changes the outcome of the operation that produced the event.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

type Type string

const (
	BondIssued         Type = "bond.issued"
	BondSubscribed     Type = "bond.subscribed"
	BondMatured        Type = "bond.matured"
	BondRedeemed       Type = "bond.redeemed"
	ListingCreated     Type = "listing.created"
	ListingWithdrawn   Type = "listing.withdrawn"
	OfferCreated       Type = "offer.created"
	OfferRejected      Type = "offer.rejected"
	OfferCancelled     Type = "offer.cancelled"
	OfferAccepted      Type = "offer.accepted"
	SettlementDeferred Type = "settlement.deferred"
	SettlementReplayed Type = "settlement.reconciled"
)

// Event is the wire shape shared by every sink.
type Event struct {
	Type       Type              `json:"type"`
	At         time.Time         `json:"at"`
	BondID     string            `json:"bondId,omitempty"`
	ListingID  string            `json:"listingId,omitempty"`
	OfferID    string            `json:"offerId,omitempty"`
	BuyerID    string            `json:"buyerId,omitempty"`
	SellerID   string            `json:"sellerId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Units      tenths.UnitAmount `json:"units"`
	Price      tenths.Money      `json:"price"`
	ChainTxRef string            `json:"chainTxRef,omitempty"`
	Detail     string            `json:"detail,omitempty"`
}

// Participants lists the user ids an event concerns.
func (e Event) Participants() []string {
	var ids []string
	for _, id := range []string{e.BuyerID, e.SellerID, e.UserID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Key orders events per listing, falling back to the bond.
func (e Event) Key() string {
	if e.ListingID != "" {
		return e.ListingID
	}
	return e.BondID
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes ev, stamping At when unset, and logs failures.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		logging.L(ctx).Warn("event publish failed", "type", ev.Type, "key", ev.Key(), "error", err)
	}
}
