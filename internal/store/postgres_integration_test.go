//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/activity"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/testutil"
)

func seedPostgres(t *testing.T) (*Postgres, *offers.Offer, *offers.Offer) {
	t.Helper()
	ctx := context.Background()
	p := NewPostgres(testutil.PGTest(t))

	b := &bonds.Bond{
		ID: "bnd_1", Name: "RSEB 2031", FaceValue: 1000, InterestRateBps: 500,
		UnitsOffered: 1000, SeriesRef: "7", Status: bonds.StatusOpen,
		IssuedAt: t0, MaturesAt: t0.AddDate(5, 0, 0), UpdatedAt: t0,
	}
	require.NoError(t, p.CreateBond(ctx, b, &bonds.Event{ID: "evt_1", BondID: b.ID, Kind: bonds.EventIssued, CreatedAt: t0}))
	_, err := p.ApplySubscription(ctx, &bonds.Subscription{
		ID: "sub_1", BondID: b.ID, UserID: seller, Units: 500, Price: 50000, CreatedAt: t0.Add(time.Minute),
	}, nil)
	require.NoError(t, err)

	at := t0.Add(2 * time.Minute)
	require.NoError(t, p.CreateListing(ctx, &offers.Listing{
		ID: "lst_1", SellerID: seller, BondID: b.ID, UnitsListed: 300, UnitsAvailable: 300,
		Status: offers.ListingOpen, CreatedAt: at, UpdatedAt: at,
	}))

	mk := func(id, buyerID string, units tenths.UnitAmount, at time.Time) *offers.Offer {
		o := &offers.Offer{
			ID: id, ListingID: "lst_1", BondID: b.ID, BuyerID: buyerID, SellerID: seller,
			Units: units, ProposedTotal: 10, Status: offers.StatusPending, CreatedAt: at, UpdatedAt: at,
		}
		require.NoError(t, p.CreateOffer(ctx, o))
		return o
	}
	return p, mk("ofr_a", buyer, 200, t0.Add(3*time.Minute)), mk("ofr_c", other, 100, t0.Add(4*time.Minute))
}

func TestPostgresIntegration_Commit(t *testing.T) {
	ctx := context.Background()
	p, a, c := seedPostgres(t)

	res, err := p.Commit(ctx, transferFor(a, "0xd1", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, offers.StatusAccepted, res.Offer.Status)
	assert.Equal(t, offers.ListingClosed, res.Listing.Status)
	assert.Equal(t, tenths.UnitAmount(100), res.Listing.UnitsAvailable)
	assert.ErrorIs(t, p.CreateOffer(ctx, &offers.Offer{
		ID: "ofr_late", ListingID: "lst_1", BondID: "bnd_1", BuyerID: other, SellerID: seller,
		Units: 50, Status: offers.StatusPending, CreatedAt: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour),
	}), offers.ErrListingClosed)
	require.Len(t, res.Cancelled, 1)
	assert.Equal(t, c.ID, res.Cancelled[0].ID)

	_, err = p.Commit(ctx, transferFor(a, "0xd1", t0.Add(2*time.Hour)))
	assert.ErrorIs(t, err, settlement.ErrAlreadySettled)

	sa, err := p.GetAllocation(ctx, seller, "bnd_1")
	require.NoError(t, err)
	assert.Equal(t, tenths.UnitAmount(300), sa.Units)
	ba, err := p.GetAllocation(ctx, buyer, "bnd_1")
	require.NoError(t, err)
	assert.Equal(t, tenths.UnitAmount(200), ba.Units)
}

func TestPostgresIntegration_ConcurrentCommitsOneWins(t *testing.T) {
	ctx := context.Background()
	p, a, c := seedPostgres(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range []*offers.Offer{a, c} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Commit(ctx, transferFor(o, "0xd"+o.ID, t0.Add(time.Hour)))
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
}

func TestPostgresIntegration_FeedAndReconciliations(t *testing.T) {
	ctx := context.Background()
	p, a, _ := seedPostgres(t)
	_, err := p.Commit(ctx, transferFor(a, "0xd1", t0.Add(time.Hour)))
	require.NoError(t, err)

	trs, err := p.Transfers(ctx, activity.Window{UserID: buyer, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, trs, 1)

	evs, err := p.Events(ctx, activity.Window{BondID: "bnd_1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	r := &settlement.Reconciliation{
		ID: "rec_1", OfferID: a.ID, ListingID: "lst_1", BondID: "bnd_1", SellerID: seller, BuyerID: buyer,
		Units: 200, Price: 20000, ChainTxDigest: "0xd9", CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, p.CreateReconciliation(ctx, r))
	open, err := p.HasOpenReconciliation(ctx, "lst_1")
	require.NoError(t, err)
	assert.True(t, open)

	at := t0.Add(time.Minute)
	r.ResolvedAt = &at
	r.Attempts = 1
	require.NoError(t, p.UpdateReconciliation(ctx, r))
	pending, err := p.ListReconciliations(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
