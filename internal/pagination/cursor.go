// Package pagination encodes keyset cursors for descending feeds.
//
// A cursor names the last row a client has seen. Rows are ordered by
// timestamp descending, then rank descending, then id ascending; the next
// page is everything strictly after the cursor in that order.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is a position in a feed.
type Cursor struct {
	At   time.Time
	Rank int
	ID   string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%d|%s", c.At.UnixNano(), c.Rank, c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// After reports whether a row keyed (at, rank, id) sorts strictly after c.
func (c Cursor) After(at time.Time, rank int, id string) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	if rank != c.Rank {
		return rank < c.Rank
	}
	return id > c.ID
}

// Decode parses an opaque cursor. An empty string yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	rank, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), Rank: rank, ID: parts[2]}, nil
}

// ComputePage trims items fetched with limit+1 to limit and returns the
// cursor of the last kept item when more remain.
func ComputePage[T any](items []T, limit int, key func(T) Cursor) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, key(items[len(items)-1]).Encode(), true
}

// ParseLimit reads a positive page size, falling back to def and capping at max.
func ParseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
