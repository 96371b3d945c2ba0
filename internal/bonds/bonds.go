// Package bonds manages bond issuance, primary subscriptions, holdings and
// the bond lifecycle (maturity, redemption).
//
// Subscriptions append an immutable record and credit the subscriber's
// allocation in one store transaction. Lifecycle transitions append an
// Event. These three record types, together with secondary-market
// transfers, feed the activity ledger.
package bonds

import (
	"context"
	"strings"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

var (
	ErrBondNotFound       = apperr.NotFound("bond not found")
	ErrAllocationNotFound = apperr.NotFound("allocation not found")
	ErrBondNotOpen        = apperr.InvalidState("bond is not open for subscription")
	ErrCapacityExceeded   = apperr.Conflict("subscription exceeds units offered")
	ErrNotMature          = apperr.InvalidState("bond has not reached maturity")
	ErrInvalidTransition  = apperr.InvalidState("bond status does not allow this transition")
	ErrDuplicateSeries    = apperr.Conflict("series reference already issued")
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed" // fully subscribed, still tradable
	StatusMatured  Status = "matured"
	StatusRedeemed Status = "redeemed"
)

// Tradable reports whether units of a bond in status s may change hands
// on the secondary market.
func (s Status) Tradable() bool {
	return s == StatusOpen || s == StatusClosed
}

type Bond struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	FaceValue       tenths.Money      `json:"faceValue"`
	InterestRateBps int64             `json:"interestRateBps"`
	UnitsOffered    tenths.UnitAmount `json:"unitsOffered"`
	UnitsSubscribed tenths.UnitAmount `json:"unitsSubscribed"`
	SeriesRef       string            `json:"seriesRef"`
	Status          Status            `json:"status"`
	IssuedAt        time.Time         `json:"issuedAt"`
	MaturesAt       time.Time         `json:"maturesAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Remaining returns the units still open for primary subscription.
func (b *Bond) Remaining() tenths.UnitAmount {
	return b.UnitsOffered.Sub(b.UnitsSubscribed)
}

// Subscription is a primary-market commitment. Immutable.
type Subscription struct {
	ID        string            `json:"id"`
	BondID    string            `json:"bondId"`
	UserID    string            `json:"userId"`
	Units     tenths.UnitAmount `json:"units"`
	Price     tenths.Money      `json:"price"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Allocation is a holder's current balance in one bond.
type Allocation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	BondID    string            `json:"bondId"`
	Units     tenths.UnitAmount `json:"units"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type EventKind string

const (
	EventIssued   EventKind = "issued"
	EventClosed   EventKind = "closed"
	EventMatured  EventKind = "matured"
	EventRedeemed EventKind = "redeemed"
)

// Event is an append-only lifecycle milestone.
type Event struct {
	ID        string    `json:"id"`
	BondID    string    `json:"bondId"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type IssueRequest struct {
	Name            string            `json:"name" binding:"required"`
	FaceValue       tenths.Money      `json:"faceValue"`
	InterestRateBps int64             `json:"interestRateBps"`
	UnitsOffered    tenths.UnitAmount `json:"unitsOffered"`
	MaturesAt       time.Time         `json:"maturesAt" binding:"required"`
	SeriesRef       string            `json:"seriesRef" binding:"required"`
}

type SubscribeRequest struct {
	UserID string            `json:"userId" binding:"required"`
	Units  tenths.UnitAmount `json:"units"`
}

// Store persists bonds and their source records.
type Store interface {
	CreateBond(ctx context.Context, b *Bond, ev *Event) error
	GetBond(ctx context.Context, id string) (*Bond, error)
	ListBonds(ctx context.Context, status Status, limit int) ([]*Bond, error)

	// ApplySubscription atomically appends sub, credits the subscriber's
	// allocation and adds sub.Units to the bond's subscribed units. When
	// closed is non-nil the bond moves to closed and the event is appended.
	// Returns ErrBondNotOpen or ErrCapacityExceeded without writing.
	ApplySubscription(ctx context.Context, sub *Subscription, closed *Event) (*Bond, error)

	// TransitionBond sets status to when the current status is listed in
	// from, appending ev. Returns ErrInvalidTransition otherwise.
	TransitionBond(ctx context.Context, id string, from []Status, to Status, ev *Event) (*Bond, error)

	GetAllocation(ctx context.Context, userID, bondID string) (*Allocation, error)
	ListAllocationsByUser(ctx context.Context, userID string) ([]*Allocation, error)
}

// NormalizeID canonicalizes a user id. Hex wallet addresses compare
// case-insensitively.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
