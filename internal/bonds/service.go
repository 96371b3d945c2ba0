package bonds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/idgen"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/notify"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pricing"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/syncutil"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

// MaxInterestRateBps caps issuance at 1000% a year.
const MaxInterestRateBps = 100_000

type Service struct {
	store  Store
	events notify.Publisher
	locks  syncutil.KeyedMutex // per bond
	now    func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, events: notify.Nop{}, now: time.Now}
}

// WithEvents publishes lifecycle and subscription events to p.
func (s *Service) WithEvents(p notify.Publisher) *Service {
	s.events = p
	return s
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue creates an open bond.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Bond, error) {
	now := s.now().UTC()

	name := strings.TrimSpace(req.Name)
	series := strings.TrimSpace(req.SeriesRef)
	switch {
	case name == "":
		return nil, apperr.Validation("name is required")
	case series == "":
		return nil, apperr.Validation("seriesRef is required")
	case !req.FaceValue.IsPositive():
		return nil, apperr.Validation("faceValue must be positive")
	case req.InterestRateBps < 0 || req.InterestRateBps > MaxInterestRateBps:
		return nil, apperr.Validation("interestRateBps must be between 0 and %d", MaxInterestRateBps)
	case !req.UnitsOffered.IsPositive():
		return nil, apperr.Validation("unitsOffered must be positive")
	case !req.MaturesAt.After(now):
		return nil, apperr.Validation("maturesAt must be in the future")
	}

	b := &Bond{
		ID:              idgen.WithPrefix(idgen.Bond),
		Name:            name,
		FaceValue:       req.FaceValue,
		InterestRateBps: req.InterestRateBps,
		UnitsOffered:    req.UnitsOffered,
		SeriesRef:       series,
		Status:          StatusOpen,
		IssuedAt:        now,
		MaturesAt:       req.MaturesAt.UTC(),
		UpdatedAt:       now,
	}
	ev := s.event(b.ID, EventIssued, fmt.Sprintf("%s units at face %s", b.UnitsOffered, b.FaceValue), now)
	if err := s.store.CreateBond(ctx, b, ev); err != nil {
		return nil, fmt.Errorf("create bond: %w", err)
	}

	logging.L(ctx).Info("bond issued", "bond_id", b.ID, "series", b.SeriesRef, "units", b.UnitsOffered.String())
	notify.Emit(ctx, s.events, notify.Event{Type: notify.BondIssued, BondID: b.ID, Units: b.UnitsOffered, At: now})
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Bond, error) {
	return s.store.GetBond(ctx, id)
}

func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Bond, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListBonds(ctx, status, limit)
}

// Subscribe commits userID to units of an open bond at the primary price.
// The bond closes when the last unit is taken.
func (s *Service) Subscribe(ctx context.Context, bondID string, req SubscribeRequest) (*Subscription, *Bond, error) {
	userID := NormalizeID(req.UserID)
	if userID == "" {
		return nil, nil, apperr.Validation("userId is required")
	}
	if !req.Units.IsPositive() {
		return nil, nil, apperr.Validation("units must be positive")
	}

	defer s.locks.Lock(bondID)()

	b, err := s.store.GetBond(ctx, bondID)
	if err != nil {
		return nil, nil, err
	}
	if b.Status != StatusOpen {
		return nil, nil, ErrBondNotOpen
	}
	if req.Units.Cmp(b.Remaining()) > 0 {
		return nil, nil, fmt.Errorf("%w: requested %s, remaining %s", ErrCapacityExceeded, req.Units, b.Remaining())
	}

	price, err := pricing.PrimaryPrice(b.FaceValue, req.Units)
	if err != nil {
		return nil, nil, apperr.Validation("subscription price out of range")
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.Subscription),
		BondID:    b.ID,
		UserID:    userID,
		Units:     req.Units,
		Price:     price,
		CreatedAt: now,
	}
	var closed *Event
	if req.Units == b.Remaining() {
		closed = s.event(b.ID, EventClosed, "fully subscribed", now)
	}

	updated, err := s.store.ApplySubscription(ctx, sub, closed)
	if err != nil {
		if errors.Is(err, ErrBondNotOpen) || errors.Is(err, ErrCapacityExceeded) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("apply subscription: %w", err)
	}

	logging.L(ctx).Info("subscription recorded",
		"bond_id", b.ID, "user_id", userID, "units", sub.Units.String(), "price", sub.Price.String())
	notify.Emit(ctx, s.events, notify.Event{
		Type: notify.BondSubscribed, BondID: b.ID, UserID: userID, Units: sub.Units, Price: sub.Price, At: now,
	})
	return sub, updated, nil
}

// Mature moves an open or closed bond to matured once its maturity date
// has passed. Secondary trading stops.
func (s *Service) Mature(ctx context.Context, bondID string) (*Bond, error) {
	defer s.locks.Lock(bondID)()

	b, err := s.store.GetBond(ctx, bondID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.Before(b.MaturesAt) {
		return nil, fmt.Errorf("%w: matures at %s", ErrNotMature, b.MaturesAt.Format(time.RFC3339))
	}
	return s.transition(ctx, b.ID, []Status{StatusOpen, StatusClosed}, StatusMatured, EventMatured, notify.BondMatured, now)
}

// Redeem marks a matured bond as repaid.
func (s *Service) Redeem(ctx context.Context, bondID string) (*Bond, error) {
	defer s.locks.Lock(bondID)()
	return s.transition(ctx, bondID, []Status{StatusMatured}, StatusRedeemed, EventRedeemed, notify.BondRedeemed, s.now().UTC())
}

func (s *Service) transition(ctx context.Context, bondID string, from []Status, to Status, kind EventKind, evType notify.Type, now time.Time) (*Bond, error) {
	b, err := s.store.TransitionBond(ctx, bondID, from, to, s.event(bondID, kind, "", now))
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("bond status changed", "bond_id", bondID, "status", string(to))
	notify.Emit(ctx, s.events, notify.Event{Type: evType, BondID: bondID, At: now})
	return b, nil
}

// Holding returns userID's units in bondID; zero when nothing is held.
func (s *Service) Holding(ctx context.Context, userID, bondID string) (tenths.UnitAmount, error) {
	a, err := s.store.GetAllocation(ctx, NormalizeID(userID), bondID)
	if errors.Is(err, ErrAllocationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return a.Units, nil
}

func (s *Service) Holdings(ctx context.Context, userID string) ([]*Allocation, error) {
	return s.store.ListAllocationsByUser(ctx, NormalizeID(userID))
}

func (s *Service) event(bondID string, kind EventKind, detail string, at time.Time) *Event {
	return &Event{ID: idgen.WithPrefix(idgen.Event), BondID: bondID, Kind: kind, Detail: detail, CreatedAt: at}
}
