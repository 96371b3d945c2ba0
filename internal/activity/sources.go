package activity

import (
	"context"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
)

// Source is one normalized input stream of the feed.
type Source interface {
	Kind() Kind
	Fetch(ctx context.Context, w Window) ([]Row, error)
}

type source[T any] struct {
	kind      Kind
	list      func(context.Context, Window) ([]T, error)
	normalize func(T) Row
}

func (s source[T]) Kind() Kind { return s.kind }

func (s source[T]) Fetch(ctx context.Context, w Window) ([]Row, error) {
	recs, err := s.list(ctx, w)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		row := s.normalize(rec)
		row.Kind = s.kind
		row.At = row.At.UTC()
		if row.Participants == nil {
			row.Participants = []string{}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Sources returns the four standard sources over r.
func Sources(r Reader) []Source {
	return []Source{
		source[*bonds.Event]{kind: KindEvent, list: r.Events, normalize: eventRow},
		source[*bonds.Allocation]{kind: KindAllocation, list: r.Allocations, normalize: allocationRow},
		source[*bonds.Subscription]{kind: KindSubscription, list: r.Subscriptions, normalize: subscriptionRow},
		source[*settlement.Transfer]{kind: KindTransfer, list: r.Transfers, normalize: transferRow},
	}
}

func eventRow(e *bonds.Event) Row {
	detail := string(e.Kind)
	if e.Detail != "" {
		detail += ": " + e.Detail
	}
	return Row{ID: e.ID, BondID: e.BondID, Asset: e.BondID, At: e.CreatedAt, Detail: detail}
}

// Allocation rows show the current balance as of its last change.
func allocationRow(a *bonds.Allocation) Row {
	return Row{
		ID:           a.ID,
		BondID:       a.BondID,
		Asset:        a.BondID,
		Amount:       a.Units.Decimal().StringFixed(1),
		Participants: []string{a.UserID},
		At:           a.UpdatedAt,
		Detail:       "balance",
	}
}

func subscriptionRow(s *bonds.Subscription) Row {
	return Row{
		ID:           s.ID,
		BondID:       s.BondID,
		Asset:        s.BondID,
		Amount:       s.Units.Decimal().StringFixed(1),
		Value:        s.Price.Decimal().StringFixed(1),
		Participants: []string{s.UserID},
		At:           s.CreatedAt,
	}
}

func transferRow(t *settlement.Transfer) Row {
	return Row{
		ID:           t.ID,
		BondID:       t.BondID,
		Asset:        t.BondID,
		Amount:       t.Units.Decimal().StringFixed(1),
		Value:        t.Price.Decimal().StringFixed(1),
		Participants: []string{t.SellerID, t.BuyerID},
		At:           t.CreatedAt,
		ChainTxRef:   t.ChainTxDigest,
	}
}
