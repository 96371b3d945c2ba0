package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/activity"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/idgen"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/offers"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/settlement"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

// Postgres persists the market in PostgreSQL. Schema lives in migrations/.
type Postgres struct {
	db *sql.DB
}

var (
	_ bonds.Store        = (*Postgres)(nil)
	_ offers.Store       = (*Postgres)(nil)
	_ settlement.Store   = (*Postgres)(nil)
	_ activity.Reader    = (*Postgres)(nil)
	_ activity.Directory = (*Postgres)(nil)
	_ offers.BondReader  = (*Postgres)(nil)
)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// inTx runs fn in a read-committed transaction. Rows that guard an
// invariant are taken with SELECT ... FOR UPDATE inside fn.
func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// limitArg turns a non-positive limit into NULL, which Postgres reads as
// no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// Bonds

const bondColumns = `id, name, face_value, interest_rate_bps, units_offered, units_subscribed,
	series_ref, status, issued_at, matures_at, updated_at`

func scanBond(row scanner) (*bonds.Bond, error) {
	b := &bonds.Bond{}
	err := row.Scan(&b.ID, &b.Name, &b.FaceValue, &b.InterestRateBps, &b.UnitsOffered, &b.UnitsSubscribed,
		&b.SeriesRef, &b.Status, &b.IssuedAt, &b.MaturesAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bonds.ErrBondNotFound
	}
	return b, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *bonds.Event) error {
	if ev == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bond_events (id, bond_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.BondID, string(ev.Kind), ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) CreateBond(ctx context.Context, b *bonds.Bond, ev *bonds.Event) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bonds (`+bondColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			b.ID, b.Name, b.FaceValue, b.InterestRateBps, b.UnitsOffered, b.UnitsSubscribed,
			b.SeriesRef, string(b.Status), b.IssuedAt, b.MaturesAt, b.UpdatedAt)
		if uniqueViolation(err, "bonds_series_ref_key") {
			return bonds.ErrDuplicateSeries
		}
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (p *Postgres) GetBond(ctx context.Context, id string) (*bonds.Bond, error) {
	return scanBond(p.db.QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id = $1`, id))
}

func (p *Postgres) ListBonds(ctx context.Context, status bonds.Status, limit int) ([]*bonds.Bond, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bondColumns+`
		FROM bonds
		WHERE $1 = '' OR status = $1
		ORDER BY issued_at DESC, id COLLATE "C"
		LIMIT $2`, string(status), limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*bonds.Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) ApplySubscription(ctx context.Context, sub *bonds.Subscription, closed *bonds.Event) (*bonds.Bond, error) {
	var out *bonds.Bond
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBond(tx.QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id = $1 FOR UPDATE`, sub.BondID))
		if err != nil {
			return err
		}
		if b.Status != bonds.StatusOpen {
			return bonds.ErrBondNotOpen
		}
		if sub.Units.Cmp(b.Remaining()) > 0 {
			return bonds.ErrCapacityExceeded
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (id, bond_id, user_id, units, price, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sub.ID, sub.BondID, sub.UserID, sub.Units, sub.Price, sub.CreatedAt); err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		if err := creditTx(ctx, tx, sub.UserID, sub.BondID, sub.Units, sub.CreatedAt); err != nil {
			return err
		}

		status := b.Status
		if closed != nil {
			status = bonds.StatusClosed
		}
		out, err = scanBond(tx.QueryRowContext(ctx, `
			UPDATE bonds SET units_subscribed = units_subscribed + $2, status = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+bondColumns,
			b.ID, sub.Units, string(status), sub.CreatedAt))
		if err != nil {
			return fmt.Errorf("update bond: %w", err)
		}
		return insertEvent(ctx, tx, closed)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) TransitionBond(ctx context.Context, id string, from []bonds.Status, to bonds.Status, ev *bonds.Event) (*bonds.Bond, error) {
	var out *bonds.Bond
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBond(tx.QueryRowContext(ctx, `SELECT `+bondColumns+` FROM bonds WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if !slices.Contains(from, b.Status) {
			return fmt.Errorf("%w: %s -> %s", bonds.ErrInvalidTransition, b.Status, to)
		}
		updatedAt := b.UpdatedAt
		if ev != nil {
			updatedAt = ev.CreatedAt
		}
		out, err = scanBond(tx.QueryRowContext(ctx, `
			UPDATE bonds SET status = $2, updated_at = $3 WHERE id = $1
			RETURNING `+bondColumns, id, string(to), updatedAt))
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Allocations

const allocationColumns = `id, user_id, bond_id, units, created_at, updated_at`

func scanAllocation(row scanner) (*bonds.Allocation, error) {
	a := &bonds.Allocation{}
	err := row.Scan(&a.ID, &a.UserID, &a.BondID, &a.Units, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bonds.ErrAllocationNotFound
	}
	return a, err
}

// creditTx adds units to a holder's balance, opening it on first credit.
func creditTx(ctx context.Context, tx *sql.Tx, userID, bondID string, units tenths.UnitAmount, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO allocations (id, user_id, bond_id, units, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, bond_id) DO UPDATE SET
			units      = allocations.units + EXCLUDED.units,
			updated_at = EXCLUDED.updated_at`,
		idgen.WithPrefix(idgen.Allocation), userID, bondID, units, at)
	if err != nil {
		return fmt.Errorf("credit allocation: %w", err)
	}
	return nil
}

func (p *Postgres) GetAllocation(ctx context.Context, userID, bondID string) (*bonds.Allocation, error) {
	return scanAllocation(p.db.QueryRowContext(ctx, `
		SELECT `+allocationColumns+` FROM allocations WHERE user_id = $1 AND bond_id = $2`, userID, bondID))
}

func (p *Postgres) ListAllocationsByUser(ctx context.Context, userID string) ([]*bonds.Allocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+allocationColumns+` FROM allocations WHERE user_id = $1 ORDER BY bond_id COLLATE "C"`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*bonds.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Users

func (p *Postgres) UpsertUser(ctx context.Context, id, displayName string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`, id, displayName)
	return err
}

func (p *Postgres) UserNames(ctx context.Context, ids []string) (map[string]string, error) {
	return p.names(ctx, `SELECT id, display_name FROM users WHERE id = ANY($1)`, ids)
}

func (p *Postgres) BondNames(ctx context.Context, ids []string) (map[string]string, error) {
	return p.names(ctx, `SELECT id, name FROM bonds WHERE id = ANY($1)`, ids)
}

func (p *Postgres) names(ctx context.Context, query string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, rows.Err()
}

// Activity sources

// feedQuery builds a keyset query over one source table. Ids compare
// bytewise (COLLATE "C") so ties order the same as the in-memory store.
type feedQuery struct {
	atCol string
	where []string
	args  []any
}

func newFeedQuery(w activity.Window, atCol string) *feedQuery {
	q := &feedQuery{atCol: atCol}
	if at, ties, afterID, ok := w.Bound(); ok {
		before := q.arg(at)
		if ties {
			q.where = append(q.where, fmt.Sprintf(`(%[1]s < %[2]s OR (%[1]s = %[2]s AND id COLLATE "C" > %[3]s))`,
				atCol, before, q.arg(afterID)))
		} else {
			q.where = append(q.where, atCol+" < "+before)
		}
	}
	if w.BondID != "" {
		q.where = append(q.where, "bond_id = "+q.arg(w.BondID))
	}
	return q
}

func (q *feedQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *feedQuery) build(columns, table string, limit int) string {
	var sb strings.Builder
	sb.WriteString("SELECT " + columns + " FROM " + table)
	if len(q.where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(q.where, " AND "))
	}
	fmt.Fprintf(&sb, ` ORDER BY %s DESC, id COLLATE "C" LIMIT %s`, q.atCol, q.arg(limitArg(limit)))
	return sb.String()
}

func queryAll[T any](ctx context.Context, db *sql.DB, query string, args []any, scan func(scanner) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) Subscriptions(ctx context.Context, w activity.Window) ([]*bonds.Subscription, error) {
	q := newFeedQuery(w, "created_at")
	if w.UserID != "" {
		q.where = append(q.where, "user_id = "+q.arg(w.UserID))
	}
	query := q.build(`id, bond_id, user_id, units, price, created_at`, "subscriptions", w.Limit)
	return queryAll(ctx, p.db, query, q.args, func(row scanner) (*bonds.Subscription, error) {
		s := &bonds.Subscription{}
		return s, row.Scan(&s.ID, &s.BondID, &s.UserID, &s.Units, &s.Price, &s.CreatedAt)
	})
}

func (p *Postgres) Allocations(ctx context.Context, w activity.Window) ([]*bonds.Allocation, error) {
	q := newFeedQuery(w, "updated_at")
	if w.UserID != "" {
		q.where = append(q.where, "user_id = "+q.arg(w.UserID))
	}
	return queryAll(ctx, p.db, q.build(allocationColumns, "allocations", w.Limit), q.args, scanAllocation)
}

func (p *Postgres) Transfers(ctx context.Context, w activity.Window) ([]*settlement.Transfer, error) {
	q := newFeedQuery(w, "created_at")
	if w.UserID != "" {
		u := q.arg(w.UserID)
		q.where = append(q.where, "(seller_id = "+u+" OR buyer_id = "+u+")")
	}
	return queryAll(ctx, p.db, q.build(transferColumns, "transfers", w.Limit), q.args, scanTransfer)
}

func (p *Postgres) Events(ctx context.Context, w activity.Window) ([]*bonds.Event, error) {
	if w.UserID != "" {
		return nil, nil
	}
	q := newFeedQuery(w, "created_at")
	query := q.build(`id, bond_id, kind, detail, created_at`, "bond_events", w.Limit)
	return queryAll(ctx, p.db, query, q.args, func(row scanner) (*bonds.Event, error) {
		e := &bonds.Event{}
		return e, row.Scan(&e.ID, &e.BondID, &e.Kind, &e.Detail, &e.CreatedAt)
	})
}
