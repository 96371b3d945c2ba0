package activity

import (
	"cmp"
	"context"
	"encoding/csv"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
	walkPageSize = 200
)

type Query struct {
	Cursor string
	Limit  int
	UserID string
	BondID string
}

type Page struct {
	Rows       []Row  `json:"rows"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Aggregator builds feed pages from its sources.
type Aggregator struct {
	sources []Source
	dir     Directory
}

func New(r Reader, dir Directory) *Aggregator {
	return &Aggregator{sources: Sources(r), dir: dir}
}

// NewWithSources builds an aggregator over arbitrary sources.
func NewWithSources(dir Directory, sources ...Source) *Aggregator {
	return &Aggregator{sources: sources, dir: dir}
}

// Compare orders rows newest first, then by source rank, then by id.
func Compare(a, b Row) int {
	if c := b.At.Compare(a.At); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Kind.Rank(), a.Kind.Rank()); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func cursorOf(r Row) pagination.Cursor {
	return pagination.Cursor{At: r.At, Rank: r.Kind.Rank(), ID: r.ID}
}

// Feed returns the page of rows strictly after q.Cursor.
func (a *Aggregator) Feed(ctx context.Context, q Query) (*Page, error) {
	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, apperr.Validation("invalid cursor")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	fetched := make([][]Row, len(a.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range a.sources {
		w := window(cur, src.Kind(), q, limit+1)
		g.Go(func() error {
			rows, err := src.Fetch(gctx, w)
			fetched[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := slices.Concat(fetched...)
	slices.SortFunc(merged, Compare)
	rows, next, more := pagination.ComputePage(merged, limit, cursorOf)
	a.resolve(ctx, rows)
	return &Page{Rows: rows, NextCursor: next, HasMore: more}, nil
}

// window is the per-source filter equivalent to "strictly after cur" for a
// source of the given rank.
func window(cur *pagination.Cursor, k Kind, q Query, limit int) Window {
	return Window{After: cur, Kind: k, UserID: q.UserID, BondID: q.BondID, Limit: limit}
}

// All walks the whole feed for q, page by page. Iteration stops at the
// first error, which is yielded once.
func (a *Aggregator) All(ctx context.Context, q Query) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		q := q
		q.Limit = walkPageSize
		for {
			page, err := a.Feed(ctx, q)
			if err != nil {
				yield(Row{}, err)
				return
			}
			for _, r := range page.Rows {
				if !yield(r, nil) {
					return
				}
			}
			if !page.HasMore {
				return
			}
			q.Cursor = page.NextCursor
		}
	}
}

var csvHeader = []string{"id", "kind", "at", "bond_id", "asset", "amount", "value", "participants", "chain_tx_ref", "detail"}

// WriteCSV streams the feed for q as CSV.
func (a *Aggregator) WriteCSV(ctx context.Context, out io.Writer, q Query) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for r, err := range a.All(ctx, q) {
		if err != nil {
			return err
		}
		rec := []string{
			r.ID, string(r.Kind), r.At.Format(time.RFC3339Nano), r.BondID, r.Asset,
			r.Amount, r.Value, strings.Join(r.Participants, ";"), r.ChainTxRef, r.Detail,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// resolve swaps bond and user ids for display names where known.
func (a *Aggregator) resolve(ctx context.Context, rows []Row) {
	if a.dir == nil || len(rows) == 0 {
		return
	}
	var userIDs, bondIDs []string
	for _, r := range rows {
		bondIDs = append(bondIDs, r.BondID)
		userIDs = append(userIDs, r.Participants...)
	}
	slices.Sort(userIDs)
	slices.Sort(bondIDs)

	users, err := a.dir.UserNames(ctx, slices.Compact(userIDs))
	if err != nil {
		logging.L(ctx).Warn("user directory unavailable, showing raw ids", "error", err)
		users = nil
	}
	names, err := a.dir.BondNames(ctx, slices.Compact(bondIDs))
	if err != nil {
		logging.L(ctx).Warn("bond directory unavailable, showing raw ids", "error", err)
		names = nil
	}

	for i := range rows {
		if n, ok := names[rows[i].BondID]; ok {
			rows[i].Asset = n
		}
		ps := make([]string, len(rows[i].Participants))
		for j, id := range rows[i].Participants {
			ps[j] = id
			if n, ok := users[id]; ok {
				ps[j] = n
			}
		}
		rows[i].Participants = ps
	}
}
