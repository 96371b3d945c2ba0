// Package store persists the bond market: bonds and their source records,
// listings and offers, settlement transfers and reconciliation markers.
//
// Settlement commits touch offers, listings and allocations in one
// transaction, so a single store backs every service. Memory serves tests
// and development; Postgres serves production.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/activity"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/idgen"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

// Memory is an in-memory store. One mutex guards all state, which makes
// every method a transaction.
type Memory struct {
	mu sync.RWMutex

	bonds         map[string]*bonds.Bond
	series        map[string]string // series ref -> bond id
	subscriptions []*bonds.Subscription
	allocations   map[string]*bonds.Allocation // allocKey -> balance
	events        []*bonds.Event
	users         map[string]string

	listings        map[string]*offers.Listing
	offers          map[string]*offers.Offer
	transfers       []*settlement.Transfer
	settledDigests  map[string]bool
	settledOffers   map[string]bool
	reconciliations map[string]*settlement.Reconciliation
}

var (
	_ bonds.Store        = (*Memory)(nil)
	_ offers.Store       = (*Memory)(nil)
	_ settlement.Store   = (*Memory)(nil)
	_ activity.Reader    = (*Memory)(nil)
	_ activity.Directory = (*Memory)(nil)
	_ offers.BondReader  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		bonds:           make(map[string]*bonds.Bond),
		series:          make(map[string]string),
		allocations:     make(map[string]*bonds.Allocation),
		users:           make(map[string]string),
		listings:        make(map[string]*offers.Listing),
		offers:          make(map[string]*offers.Offer),
		settledDigests:  make(map[string]bool),
		settledOffers:   make(map[string]bool),
		reconciliations: make(map[string]*settlement.Reconciliation),
	}
}

func allocKey(userID, bondID string) string { return userID + "|" + bondID }

func limited[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Bonds

func (m *Memory) CreateBond(_ context.Context, b *bonds.Bond, ev *bonds.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.series[b.SeriesRef]; ok {
		return bonds.ErrDuplicateSeries
	}
	cp := *b
	m.bonds[b.ID] = &cp
	m.series[b.SeriesRef] = b.ID
	if ev != nil {
		e := *ev
		m.events = append(m.events, &e)
	}
	return nil
}

func (m *Memory) GetBond(_ context.Context, id string) (*bonds.Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bonds[id]
	if !ok {
		return nil, bonds.ErrBondNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) ListBonds(_ context.Context, status bonds.Status, limit int) ([]*bonds.Bond, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*bonds.Bond
	for _, b := range m.bonds {
		if status == "" || b.Status == status {
			cp := *b
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *bonds.Bond) int {
		if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return limited(out, limit), nil
}

func (m *Memory) ApplySubscription(_ context.Context, sub *bonds.Subscription, closed *bonds.Event) (*bonds.Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bonds[sub.BondID]
	if !ok {
		return nil, bonds.ErrBondNotFound
	}
	if b.Status != bonds.StatusOpen {
		return nil, bonds.ErrBondNotOpen
	}
	if sub.Units.Cmp(b.Remaining()) > 0 {
		return nil, bonds.ErrCapacityExceeded
	}

	cp := *sub
	m.subscriptions = append(m.subscriptions, &cp)
	m.credit(sub.UserID, sub.BondID, sub.Units, sub.CreatedAt)
	b.UnitsSubscribed = b.UnitsSubscribed.Add(sub.Units)
	b.UpdatedAt = sub.CreatedAt
	if closed != nil {
		b.Status = bonds.StatusClosed
		e := *closed
		m.events = append(m.events, &e)
	}
	out := *b
	return &out, nil
}

func (m *Memory) TransitionBond(_ context.Context, id string, from []bonds.Status, to bonds.Status, ev *bonds.Event) (*bonds.Bond, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bonds[id]
	if !ok {
		return nil, bonds.ErrBondNotFound
	}
	if !slices.Contains(from, b.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", bonds.ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	if ev != nil {
		b.UpdatedAt = ev.CreatedAt
		e := *ev
		m.events = append(m.events, &e)
	}
	out := *b
	return &out, nil
}

func (m *Memory) GetAllocation(_ context.Context, userID, bondID string) (*bonds.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allocations[allocKey(userID, bondID)]
	if !ok {
		return nil, bonds.ErrAllocationNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAllocationsByUser(_ context.Context, userID string) ([]*bonds.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*bonds.Allocation
	for _, a := range m.allocations {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *bonds.Allocation) int { return strings.Compare(a.BondID, b.BondID) })
	return out, nil
}

// caller holds m.mu
func (m *Memory) credit(userID, bondID string, units tenths.UnitAmount, at time.Time) {
	k := allocKey(userID, bondID)
	a, ok := m.allocations[k]
	if !ok {
		a = &bonds.Allocation{ID: idgen.WithPrefix(idgen.Allocation), UserID: userID, BondID: bondID, CreatedAt: at}
		m.allocations[k] = a
	}
	a.Units = a.Units.Add(units)
	a.UpdatedAt = at
}

// Users

// UpsertUser sets a display name.
func (m *Memory) UpsertUser(_ context.Context, id, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = displayName
	return nil
}

func (m *Memory) UserNames(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if n, ok := m.users[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (m *Memory) BondNames(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if b, ok := m.bonds[id]; ok {
			out[id] = b.Name
		}
	}
	return out, nil
}

// Activity sources

func feedWindow[T any](items []T, w activity.Window, at func(T) time.Time, id func(T) string, match func(T) bool) []T {
	var out []T
	for _, it := range items {
		if w.Includes(at(it), id(it)) && match(it) {
			out = append(out, it)
		}
	}
	slices.SortFunc(out, func(a, b T) int {
		if c := at(b).Compare(at(a)); c != 0 {
			return c
		}
		return cmp.Compare(id(a), id(b))
	})
	return limited(out, w.Limit)
}

func (m *Memory) Subscriptions(_ context.Context, w activity.Window) ([]*bonds.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := feedWindow(m.subscriptions, w,
		func(s *bonds.Subscription) time.Time { return s.CreatedAt },
		func(s *bonds.Subscription) string { return s.ID },
		func(s *bonds.Subscription) bool {
			return (w.UserID == "" || s.UserID == w.UserID) && (w.BondID == "" || s.BondID == w.BondID)
		})
	return copyAll(out), nil
}

func (m *Memory) Allocations(_ context.Context, w activity.Window) ([]*bonds.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*bonds.Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		all = append(all, a)
	}
	out := feedWindow(all, w,
		func(a *bonds.Allocation) time.Time { return a.UpdatedAt },
		func(a *bonds.Allocation) string { return a.ID },
		func(a *bonds.Allocation) bool {
			return (w.UserID == "" || a.UserID == w.UserID) && (w.BondID == "" || a.BondID == w.BondID)
		})
	return copyAll(out), nil
}

func (m *Memory) Transfers(_ context.Context, w activity.Window) ([]*settlement.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := feedWindow(m.transfers, w,
		func(t *settlement.Transfer) time.Time { return t.CreatedAt },
		func(t *settlement.Transfer) string { return t.ID },
		func(t *settlement.Transfer) bool {
			return (w.UserID == "" || t.SellerID == w.UserID || t.BuyerID == w.UserID) &&
				(w.BondID == "" || t.BondID == w.BondID)
		})
	return copyAll(out), nil
}

func (m *Memory) Events(_ context.Context, w activity.Window) ([]*bonds.Event, error) {
	if w.UserID != "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := feedWindow(m.events, w,
		func(e *bonds.Event) time.Time { return e.CreatedAt },
		func(e *bonds.Event) string { return e.ID },
		func(e *bonds.Event) bool { return w.BondID == "" || e.BondID == w.BondID })
	return copyAll(out), nil
}

func copyAll[T any](in []*T) []*T {
	out := make([]*T, len(in))
	for i, v := range in {
		cp := *v
		out[i] = &cp
	}
	return out
}
