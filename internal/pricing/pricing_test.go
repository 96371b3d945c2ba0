package pricing

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

const day = int64(msPerDay)

func TestPrimary(t *testing.T) {
	tests := []struct {
		name   string
		face   int64
		amount int64
		want   int64
	}{
		{"example", 100, 20, 200},
		{"floors", 7, 3, 2},
		{"zero face", 0, 50, 0},
		{"zero amount", 100, 0, 0},
		{"one tenth", 1000, 1, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Primary(big.NewInt(tt.face), big.NewInt(tt.amount))
			if got.Int64() != tt.want {
				t.Errorf("Primary(%d, %d) = %s, want %d", tt.face, tt.amount, got, tt.want)
			}
		})
	}
}

func TestPrimary_MatchesFloorFormula(t *testing.T) {
	for fv := int64(0); fv < 60; fv += 7 {
		for amt := int64(0); amt < 60; amt += 3 {
			got := Primary(big.NewInt(fv), big.NewInt(amt))
			assert.Equal(t, fv*amt/10, got.Int64(), "fv=%d amt=%d", fv, amt)
		}
	}
}

func TestSecondary_OneYearAtFivePercent(t *testing.T) {
	got := Secondary(big.NewInt(100), 500, 0, 365*day, big.NewInt(20))
	assert.Equal(t, int64(210), got.Int64())
}

func TestSecondary_ZeroElapsedEqualsPrimary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	for _, amt := range []int64{1, 20, 355, 10_000} {
		p := Primary(big.NewInt(1000), big.NewInt(amt))
		s := Secondary(big.NewInt(1000), 750, now, now, big.NewInt(amt))
		assert.Equal(t, 0, p.Cmp(s), "amt=%d", amt)
	}
}

func TestSecondary_PartialDayAccruesNothing(t *testing.T) {
	got := Secondary(big.NewInt(100), 500, 0, day-1, big.NewInt(20))
	assert.Equal(t, int64(200), got.Int64())
}

func TestSecondary_RoundsUp(t *testing.T) {
	// 200 * 500 * 1 / 3_650_000 = 0.027..., rounds up to 1.
	got := Secondary(big.NewInt(100), 500, 0, day, big.NewInt(20))
	assert.Equal(t, int64(201), got.Int64())
}

func TestSecondary_ClockSkewIsZeroDays(t *testing.T) {
	got := Secondary(big.NewInt(100), 500, 10*day, 0, big.NewInt(20))
	assert.Equal(t, int64(200), got.Int64())
}

func TestSecondary_ZeroFace(t *testing.T) {
	got := Secondary(big.NewInt(0), 500, 0, 900*day, big.NewInt(20))
	assert.Equal(t, 0, got.Sign())
}

func TestSecondary_MonotonicInNow(t *testing.T) {
	prev := big.NewInt(0)
	for now := int64(0); now <= 800*day; now += day / 3 {
		got := Secondary(big.NewInt(1_000), 425, 0, now, big.NewInt(37))
		require.True(t, got.Cmp(prev) >= 0, "price decreased at now=%d: %s < %s", now, got, prev)
		prev = got
	}
}

func TestSecondary_NoOverflow(t *testing.T) {
	face := new(big.Int).SetInt64(1 << 62)
	got := Secondary(face, 100_000, 0, 36_500*day, big.NewInt(1<<40))
	assert.True(t, got.Sign() > 0)
	assert.False(t, got.IsInt64())
}

func TestTypedWrappers(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	p, err := PrimaryPrice(tenths.Money(100), tenths.UnitAmount(20))
	require.NoError(t, err)
	assert.Equal(t, tenths.Money(200), p)

	s, err := SecondaryPrice(tenths.Money(100), 500, start, start.AddDate(0, 0, 365), tenths.UnitAmount(20))
	require.NoError(t, err)
	assert.Equal(t, tenths.Money(210), s)
}
