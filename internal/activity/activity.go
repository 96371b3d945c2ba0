// Package activity renders the market's history as one feed.
//
// Four append-only sources (lifecycle events, allocation balances, primary
// subscriptions and secondary transfers) are normalized into Row values and
// merged newest first. Rows with the same timestamp are ordered by source
// (event, allocation, subscription, transfer) and then by id, so the same
// store contents always produce the same feed.
package activity

import (
	"context"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
)

type Kind string

const (
	KindEvent        Kind = "event"
	KindAllocation   Kind = "allocation"
	KindSubscription Kind = "subscription"
	KindTransfer     Kind = "transfer"
)

// Rank orders kinds on equal timestamps; higher sorts first.
func (k Kind) Rank() int {
	switch k {
	case KindEvent:
		return 4
	case KindAllocation:
		return 3
	case KindSubscription:
		return 2
	case KindTransfer:
		return 1
	}
	return 0
}

// Row is one display-ready feed entry. Amount is in bond units, Value in
// currency, both with one decimal.
type Row struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	BondID       string    `json:"bondId"`
	Asset        string    `json:"asset"`
	Amount       string    `json:"amount,omitempty"`
	Value        string    `json:"value,omitempty"`
	Participants []string  `json:"participants"`
	At           time.Time `json:"at"`
	ChainTxRef   string    `json:"chainTxRef,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Window selects one source's rows strictly after a feed cursor. Kind is
// the source being read; its rank places the source's rows against the
// cursor when timestamps tie. A nil After selects from the newest row.
type Window struct {
	After  *pagination.Cursor
	Kind   Kind
	UserID string
	BondID string
	Limit  int
}

// Includes reports whether a row keyed (at, id) falls in the window.
func (w Window) Includes(at time.Time, id string) bool {
	return w.After == nil || w.After.After(at, w.Kind.Rank(), id)
}

// Bound is the window as a single-source keyset: rows older than before,
// plus, when ties is set, rows at before whose id sorts after tieAfterID.
// ok is false when the window is unbounded.
func (w Window) Bound() (before time.Time, ties bool, tieAfterID string, ok bool) {
	if w.After == nil {
		return time.Time{}, false, "", false
	}
	switch rank := w.Kind.Rank(); {
	case rank > w.After.Rank:
		return w.After.At, false, "", true
	case rank < w.After.Rank:
		return w.After.At, true, "", true
	default:
		return w.After.At, true, w.After.ID, true
	}
}

// Reader lists source records newest first (id ascending on ties), at most
// w.Limit of them. UserID matches any participant; events have none and
// are left out when UserID is set.
type Reader interface {
	Subscriptions(ctx context.Context, w Window) ([]*bonds.Subscription, error)
	Allocations(ctx context.Context, w Window) ([]*bonds.Allocation, error)
	Transfers(ctx context.Context, w Window) ([]*settlement.Transfer, error)
	Events(ctx context.Context, w Window) ([]*bonds.Event, error)
}

// Directory resolves display names. Ids missing from the returned maps are
// shown raw.
type Directory interface {
	UserNames(ctx context.Context, ids []string) (map[string]string, error)
	BondNames(ctx context.Context, ids []string) (map[string]string, error)
}
