package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Listings

const listingColumns = `id, seller_id, bond_id, units_listed, units_available, status,
	created_at, updated_at, closed_at`

func scanListing(row scanner) (*offers.Listing, error) {
	l := &offers.Listing{}
	var closedAt sql.NullTime
	err := row.Scan(&l.ID, &l.SellerID, &l.BondID, &l.UnitsListed, &l.UnitsAvailable, &l.Status,
		&l.CreatedAt, &l.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, offers.ErrListingNotFound
	}
	l.ClosedAt = timePtr(closedAt)
	return l, err
}

func (p *Postgres) CreateListing(ctx context.Context, l *offers.Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.SellerID, l.BondID, l.UnitsListed, l.UnitsAvailable, string(l.Status),
		l.CreatedAt, l.UpdatedAt, nullTime(l.ClosedAt))
	return err
}

func (p *Postgres) GetListing(ctx context.Context, id string) (*offers.Listing, error) {
	return scanListing(p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
}

func (p *Postgres) ListListings(ctx context.Context, bondID string, status offers.ListingStatus, limit int) ([]*offers.Listing, error) {
	return queryAll(ctx, p.db, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE ($1 = '' OR bond_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id COLLATE "C"
		LIMIT $3`,
		[]any{bondID, string(status), limitArg(limit)}, scanListing)
}

func (p *Postgres) ListedUnits(ctx context.Context, sellerID, bondID string) (tenths.UnitAmount, error) {
	var sum tenths.UnitAmount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units_available), 0)::BIGINT
		FROM listings
		WHERE seller_id = $1 AND bond_id = $2 AND status = 'open'`, sellerID, bondID).Scan(&sum)
	return sum, err
}

func (p *Postgres) WithdrawListing(ctx context.Context, id string, at time.Time) (*offers.Listing, []*offers.Offer, error) {
	var (
		listing   *offers.Listing
		cancelled []*offers.Offer
	)
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		l, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if l.Status != offers.ListingOpen {
			return offers.ErrListingNotOpen
		}
		listing, err = scanListing(tx.QueryRowContext(ctx, `
			UPDATE listings SET status = 'withdrawn', updated_at = $2, closed_at = $2
			WHERE id = $1
			RETURNING `+listingColumns, id, at))
		if err != nil {
			return err
		}
		cancelled, err = cancelPendingTx(ctx, tx, id, "", at)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return listing, cancelled, nil
}

// cancelPendingTx cancels every pending offer on a listing except keep.
func cancelPendingTx(ctx context.Context, tx *sql.Tx, listingID, keep string, at time.Time) ([]*offers.Offer, error) {
	rows, err := tx.QueryContext(ctx, `
		UPDATE offers SET status = 'cancelled', updated_at = $3, resolved_at = $3
		WHERE listing_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING `+offerColumns, listingID, keep, at)
	if err != nil {
		return nil, fmt.Errorf("cancel pending offers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*offers.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Offers

const offerColumns = `id, listing_id, bond_id, buyer_id, seller_id, units, proposed_rate_bps, proposed_total,
	settlement_price, status, chain_tx_ref, created_at, updated_at, resolved_at`

func scanOffer(row scanner) (*offers.Offer, error) {
	o := &offers.Offer{}
	var (
		price      sql.NullInt64
		chainTxRef sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&o.ID, &o.ListingID, &o.BondID, &o.BuyerID, &o.SellerID, &o.Units, &o.ProposedRateBps, &o.ProposedTotal,
		&price, &o.Status, &chainTxRef, &o.CreatedAt, &o.UpdatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, offers.ErrOfferNotFound
	}
	if price.Valid {
		m := tenths.Money(price.Int64)
		o.SettlementPrice = &m
	}
	o.ChainTxRef = chainTxRef.String
	o.ResolvedAt = timePtr(resolvedAt)
	return o, err
}

// CreateOffer inserts o only while its listing is open. The insert takes a
// share lock on the listing row, so it orders against Commit's FOR UPDATE.
func (p *Postgres) CreateOffer(ctx context.Context, o *offers.Offer) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, listing_id, bond_id, buyer_id, seller_id, units, proposed_rate_bps, proposed_total,
			status, created_at, updated_at)
		SELECT $1, l.id, $3, $4, $5, $6, $7, $8, $9, $10, $11
		FROM listings l
		WHERE l.id = $2 AND l.status = 'open'
		FOR SHARE`,
		o.ID, o.ListingID, o.BondID, o.BuyerID, o.SellerID, o.Units, o.ProposedRateBps, o.ProposedTotal,
		string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return offers.ErrListingClosed
	}
	return nil
}

func (p *Postgres) GetOffer(ctx context.Context, id string) (*offers.Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

func (p *Postgres) ResolveOffer(ctx context.Context, id string, status offers.Status, at time.Time) (*offers.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `
		UPDATE offers SET status = $2, updated_at = $3, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+offerColumns, id, string(status), at))
	if errors.Is(err, offers.ErrOfferNotFound) {
		// either missing or already resolved
		if _, getErr := p.GetOffer(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, offers.ErrOfferNotPending
	}
	return o, err
}

func (p *Postgres) ListOffersByListing(ctx context.Context, listingID string, limit int) ([]*offers.Offer, error) {
	return queryAll(ctx, p.db, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE listing_id = $1
		ORDER BY created_at DESC, id COLLATE "C"
		LIMIT $2`,
		[]any{listingID, limitArg(limit)}, scanOffer)
}

func (p *Postgres) ListOffersByUser(ctx context.Context, userID string, role offers.Role, limit int) ([]*offers.Offer, error) {
	where := "buyer_id = $1 OR seller_id = $1"
	switch role {
	case offers.RoleBuyer:
		where = "buyer_id = $1"
	case offers.RoleSeller:
		where = "seller_id = $1"
	}
	return queryAll(ctx, p.db, `
		SELECT `+offerColumns+`
		FROM offers
		WHERE `+where+`
		ORDER BY created_at DESC, id COLLATE "C"
		LIMIT $2`,
		[]any{userID, limitArg(limit)}, scanOffer)
}

// Settlement

const transferColumns = `id, offer_id, listing_id, bond_id, seller_id, buyer_id, units, price,
	chain_tx_digest, created_at`

func scanTransfer(row scanner) (*settlement.Transfer, error) {
	t := &settlement.Transfer{}
	return t, row.Scan(&t.ID, &t.OfferID, &t.ListingID, &t.BondID, &t.SellerID, &t.BuyerID, &t.Units, &t.Price,
		&t.ChainTxDigest, &t.CreatedAt)
}

// Commit locks the listing, the offer and the seller's allocation in that
// order, which is the order WithdrawListing uses too.
func (p *Postgres) Commit(ctx context.Context, t *settlement.Transfer) (*settlement.CommitResult, error) {
	var res settlement.CommitResult
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM transfers WHERE chain_tx_digest = $1 OR offer_id = $2)`,
			t.ChainTxDigest, t.OfferID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return settlement.ErrAlreadySettled
		}

		var listingID string
		err := tx.QueryRowContext(ctx, `SELECT listing_id FROM offers WHERE id = $1`, t.OfferID).Scan(&listingID)
		if errors.Is(err, sql.ErrNoRows) {
			return offers.ErrOfferNotFound
		}
		if err != nil {
			return err
		}
		l, err := scanListing(tx.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, listingID))
		if err != nil {
			return err
		}
		o, err := scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, t.OfferID))
		if err != nil {
			return err
		}
		if o.Status != offers.StatusPending {
			return offers.ErrOfferNotPending
		}
		if l.Status != offers.ListingOpen || t.Units.Cmp(l.UnitsAvailable) > 0 {
			return settlement.ErrInventoryChanged
		}
		var held tenths.UnitAmount
		err = tx.QueryRowContext(ctx, `
			SELECT units FROM allocations WHERE user_id = $1 AND bond_id = $2 FOR UPDATE`,
			t.SellerID, t.BondID).Scan(&held)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && t.Units.Cmp(held) > 0) {
			return settlement.ErrInsufficientUnits
		}
		if err != nil {
			return err
		}

		at := t.CreatedAt
		if res.Offer, err = scanOffer(tx.QueryRowContext(ctx, `
			UPDATE offers SET status = 'accepted', settlement_price = $2, chain_tx_ref = $3,
				updated_at = $4, resolved_at = $4
			WHERE id = $1
			RETURNING `+offerColumns, t.OfferID, t.Price, t.ChainTxDigest, at)); err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE allocations SET units = units - $3, updated_at = $4
			WHERE user_id = $1 AND bond_id = $2`, t.SellerID, t.BondID, t.Units, at); err != nil {
			return fmt.Errorf("debit seller: %w", err)
		}
		if err := creditTx(ctx, tx, t.BuyerID, t.BondID, t.Units, at); err != nil {
			return err
		}
		if res.Listing, err = scanListing(tx.QueryRowContext(ctx, `
			UPDATE listings SET units_available = units_available - $2, status = 'closed',
				updated_at = $3, closed_at = $3
			WHERE id = $1
			RETURNING `+listingColumns, l.ID, t.Units, at)); err != nil {
			return fmt.Errorf("close listing: %w", err)
		}
		if res.Cancelled, err = cancelPendingTx(ctx, tx, l.ID, t.OfferID, at); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO transfers (`+transferColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.OfferID, t.ListingID, t.BondID, t.SellerID, t.BuyerID, t.Units, t.Price, t.ChainTxDigest, at)
		if uniqueViolation(err, "transfers_chain_tx_digest_key") || uniqueViolation(err, "transfers_offer_id_key") {
			return settlement.ErrAlreadySettled
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Reconciliations

const reconciliationColumns = `id, offer_id, listing_id, bond_id, seller_id, buyer_id, units, price,
	chain_tx_digest, attempts, last_error, created_at, updated_at, failed_at, resolved_at`

func scanReconciliation(row scanner) (*settlement.Reconciliation, error) {
	r := &settlement.Reconciliation{}
	var failedAt, resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.OfferID, &r.ListingID, &r.BondID, &r.SellerID, &r.BuyerID, &r.Units, &r.Price,
		&r.ChainTxDigest, &r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt, &failedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settlement.ErrReconciliationNotFound
	}
	r.FailedAt = timePtr(failedAt)
	r.ResolvedAt = timePtr(resolvedAt)
	return r, err
}

func (p *Postgres) CreateReconciliation(ctx context.Context, r *settlement.Reconciliation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliations (`+reconciliationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.OfferID, r.ListingID, r.BondID, r.SellerID, r.BuyerID, r.Units, r.Price,
		r.ChainTxDigest, r.Attempts, r.LastError, r.CreatedAt, r.UpdatedAt, nullTime(r.FailedAt), nullTime(r.ResolvedAt))
	if uniqueViolation(err, "reconciliations_chain_tx_digest_key") {
		return fmt.Errorf("reconciliation for %s already recorded: %w", r.ChainTxDigest, err)
	}
	return err
}

func (p *Postgres) GetReconciliation(ctx context.Context, id string) (*settlement.Reconciliation, error) {
	return scanReconciliation(p.db.QueryRowContext(ctx, `SELECT `+reconciliationColumns+` FROM reconciliations WHERE id = $1`, id))
}

func (p *Postgres) UpdateReconciliation(ctx context.Context, r *settlement.Reconciliation) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reconciliations SET attempts = $2, last_error = $3, updated_at = $4, failed_at = $5, resolved_at = $6
		WHERE id = $1`,
		r.ID, r.Attempts, r.LastError, r.UpdatedAt, nullTime(r.FailedAt), nullTime(r.ResolvedAt))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return settlement.ErrReconciliationNotFound
	}
	return nil
}

func (p *Postgres) ListReconciliations(ctx context.Context, unresolvedOnly bool, limit int) ([]*settlement.Reconciliation, error) {
	return queryAll(ctx, p.db, `
		SELECT `+reconciliationColumns+`
		FROM reconciliations
		WHERE NOT $1 OR resolved_at IS NULL
		ORDER BY created_at, id COLLATE "C"
		LIMIT $2`,
		[]any{unresolvedOnly, limitArg(limit)}, scanReconciliation)
}

func (p *Postgres) HasOpenReconciliation(ctx context.Context, listingID string) (bool, error) {
	var open bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM reconciliations WHERE listing_id = $1 AND resolved_at IS NULL)`,
		listingID).Scan(&open)
	return open, err
}
