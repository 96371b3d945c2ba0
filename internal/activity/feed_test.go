package activity_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/activity"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/store"
)

var t0 = time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

// staticSource serves fixed rows, honoring the window like a store would.
type staticSource struct {
	kind activity.Kind
	rows []activity.Row
	err  error
}

func (s staticSource) Kind() activity.Kind { return s.kind }

func (s staticSource) Fetch(_ context.Context, w activity.Window) ([]activity.Row, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []activity.Row
	for _, r := range s.rows {
		if !w.Includes(r.At, r.ID) {
			continue
		}
		if w.UserID != "" && !slices.Contains(r.Participants, w.UserID) {
			continue
		}
		r.Kind = s.kind
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b activity.Row) int {
		if c := b.At.Compare(a.At); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if w.Limit > 0 && len(out) > w.Limit {
		out = out[:w.Limit]
	}
	return out, nil
}

type stubDirectory struct {
	users map[string]string
	bonds map[string]string
	err   error
}

func (d stubDirectory) UserNames(context.Context, []string) (map[string]string, error) {
	return d.users, d.err
}

func (d stubDirectory) BondNames(context.Context, []string) (map[string]string, error) {
	return d.bonds, nil
}

func row(id string, at time.Time, participants ...string) activity.Row {
	return activity.Row{ID: id, BondID: "bnd_1", Asset: "bnd_1", At: at, Participants: participants}
}

// tiedSources puts every source's rows on the same two timestamps.
func tiedSources() []activity.Source {
	later := t0.Add(time.Minute)
	return []activity.Source{
		staticSource{kind: activity.KindTransfer, rows: []activity.Row{
			row("trf_b", t0, "u1", "u2"), row("trf_a", t0, "u2", "u3"), row("trf_c", later, "u1", "u3"),
		}},
		staticSource{kind: activity.KindEvent, rows: []activity.Row{row("evt_a", t0), row("evt_b", later)}},
		staticSource{kind: activity.KindSubscription, rows: []activity.Row{row("sub_b", t0, "u1"), row("sub_a", t0, "u2")}},
		staticSource{kind: activity.KindAllocation, rows: []activity.Row{row("alc_a", t0, "u1")}},
	}
}

func ids(rows []activity.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

var wantOrder = []string{"evt_b", "trf_c", "evt_a", "alc_a", "sub_a", "sub_b", "trf_a", "trf_b"}

func TestFeed_OrderOnTies(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)

	page, err := agg.Feed(context.Background(), activity.Query{})
	require.NoError(t, err)
	assert.Equal(t, wantOrder, ids(page.Rows))
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestFeed_PagingAcrossTiesMatchesSinglePage(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)
	ctx := context.Background()

	for _, limit := range []int{1, 2, 3, 5} {
		var got []string
		q := activity.Query{Limit: limit}
		for range 20 {
			page, err := agg.Feed(ctx, q)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Rows), limit)
			got = append(got, ids(page.Rows)...)
			if !page.HasMore {
				break
			}
			q.Cursor = page.NextCursor
		}
		assert.Equal(t, wantOrder, got, "limit %d", limit)
	}
}

func TestFeed_Deterministic(t *testing.T) {
	agg := activity.NewWithSources(stubDirectory{users: map[string]string{"u1": "Pema"}}, tiedSources()...)
	ctx := context.Background()

	var prev []byte
	for range 5 {
		page, err := agg.Feed(ctx, activity.Query{Limit: 4})
		require.NoError(t, err)
		b, err := json.Marshal(page)
		require.NoError(t, err)
		if prev != nil {
			assert.Equal(t, string(prev), string(b))
		}
		prev = b
	}
}

func TestFeed_UserFilter(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)

	page, err := agg.Feed(context.Background(), activity.Query{UserID: "u3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"trf_c", "trf_a"}, ids(page.Rows))
}

func TestFeed_InvalidCursor(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)
	_, err := agg.Feed(context.Background(), activity.Query{Cursor: "%%%"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestFeed_SourceErrorFailsPage(t *testing.T) {
	boom := errors.New("connection reset")
	agg := activity.NewWithSources(nil,
		staticSource{kind: activity.KindEvent, rows: []activity.Row{row("evt_a", t0)}},
		staticSource{kind: activity.KindTransfer, err: boom},
	)
	_, err := agg.Feed(context.Background(), activity.Query{})
	assert.ErrorIs(t, err, boom)
}

func TestFeed_DirectoryNames(t *testing.T) {
	dir := stubDirectory{
		users: map[string]string{"u1": "Pema"},
		bonds: map[string]string{"bnd_1": "RSEB 2031"},
	}
	agg := activity.NewWithSources(dir, tiedSources()...)

	page, err := agg.Feed(context.Background(), activity.Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "RSEB 2031", page.Rows[1].Asset)
	assert.Equal(t, []string{"Pema", "u3"}, page.Rows[1].Participants)
	assert.Equal(t, "bnd_1", page.Rows[1].BondID)
}

func TestFeed_DirectoryFailureShowsRawIDs(t *testing.T) {
	dir := stubDirectory{users: map[string]string{"u1": "Pema"}, err: errors.New("directory down")}
	agg := activity.NewWithSources(dir, tiedSources()...)

	page, err := agg.Feed(context.Background(), activity.Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, page.Rows[1].Participants)
}

func TestWriteCSV(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)
	var buf bytes.Buffer
	require.NoError(t, agg.WriteCSV(context.Background(), &buf, activity.Query{}))

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, len(wantOrder)+1)
	assert.Equal(t, "id", recs[0][0])
	assert.Equal(t, []string{"trf_c", "transfer", t0.Add(time.Minute).Format(time.RFC3339Nano)}, recs[2][:3])
	assert.Equal(t, "u1;u3", recs[2][7])
}

func TestAll_StopsEarly(t *testing.T) {
	agg := activity.NewWithSources(nil, tiedSources()...)
	var seen []string
	for r, err := range agg.All(context.Background(), activity.Query{}) {
		require.NoError(t, err)
		seen = append(seen, r.ID)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, wantOrder[:3], seen)
}

func TestFeed_FromMemoryStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := bonds.NewService(mem).WithClock(func() time.Time { return t0 })

	b, err := svc.Issue(ctx, bonds.IssueRequest{
		Name: "RSEB 5% 2031", FaceValue: 1000, InterestRateBps: 500,
		UnitsOffered: 1000, MaturesAt: t0.AddDate(5, 0, 0), SeriesRef: "7",
	})
	require.NoError(t, err)
	_, _, err = svc.Subscribe(ctx, b.ID, bonds.SubscribeRequest{UserID: "0xabc", Units: 1000})
	require.NoError(t, err)
	require.NoError(t, mem.UpsertUser(ctx, "0xabc", "Pema"))

	page, err := activity.New(mem, mem).Feed(ctx, activity.Query{})
	require.NoError(t, err)

	kinds := make([]activity.Kind, len(page.Rows))
	for i, r := range page.Rows {
		kinds[i] = r.Kind
		assert.Equal(t, "RSEB 5% 2031", r.Asset)
	}
	// issued and closed share a timestamp with the subscription
	assert.Equal(t, []activity.Kind{
		activity.KindEvent, activity.KindEvent, activity.KindAllocation, activity.KindSubscription,
	}, kinds)

	sub := page.Rows[3]
	assert.Equal(t, "100.0", sub.Amount)
	assert.Equal(t, "10000.0", sub.Value)
	assert.Equal(t, []string{"Pema"}, sub.Participants)

	page, err = activity.New(mem, mem).Feed(ctx, activity.Query{UserID: "0xabc"})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 2, "events carry no participant")
}

func TestWindow_IncludesMatchesBound(t *testing.T) {
	cur := &pagination.Cursor{At: t0, Rank: activity.KindAllocation.Rank(), ID: "alc_5"}
	rows := []struct {
		at time.Time
		id string
	}{
		{t0.Add(time.Second), "x_1"},
		{t0, "alc_4"},
		{t0, "alc_6"},
		{t0, "zzz"},
		{t0.Add(-time.Second), "a_0"},
	}

	for _, k := range []activity.Kind{activity.KindEvent, activity.KindAllocation, activity.KindTransfer} {
		w := activity.Window{After: cur, Kind: k}
		before, ties, afterID, ok := w.Bound()
		require.True(t, ok)
		for _, r := range rows {
			bound := r.at.Before(before) || (ties && r.at.Equal(before) && r.id > afterID)
			assert.Equal(t, cur.After(r.at, k.Rank(), r.id), w.Includes(r.at, r.id), "%s %s", k, r.id)
			assert.Equal(t, w.Includes(r.at, r.id), bound, "%s %s", k, r.id)
		}
	}

	_, _, _, ok := activity.Window{Kind: activity.KindEvent}.Bound()
	assert.False(t, ok)
	assert.True(t, activity.Window{}.Includes(t0, "any"))
}
