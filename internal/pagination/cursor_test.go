package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := Cursor{At: time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC), Rank: 3, ID: "alc_a|b"}

	got, err := Decode(c.Encode())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c, *got)
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{"not-base64!!!", "bm9waXBl", "MXx4fGlk"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestAfter(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cursor{At: ts, Rank: 2, ID: "m"}

	assert.True(t, c.After(ts.Add(-time.Second), 4, "a"), "older row")
	assert.False(t, c.After(ts.Add(time.Second), 0, "z"), "newer row")
	assert.True(t, c.After(ts, 1, "a"), "same time lower rank")
	assert.False(t, c.After(ts, 3, "z"), "same time higher rank")
	assert.True(t, c.After(ts, 2, "n"), "same time and rank, later id")
	assert.False(t, c.After(ts, 2, "m"), "cursor row itself")
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) Cursor { return Cursor{At: ts, ID: s} }

	items, next, more := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
