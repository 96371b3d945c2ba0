// Package tenths provides fixed-point money and bond-unit values with one
// implicit decimal digit.
//
// Both currency and bond units are stored as int64 counts of tenths
// (12.5 is stored as 125). Values are parsed once at the boundary and are
// never converted through floating point.
package tenths

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of implicit fractional digits.
const Decimals = 1

var (
	ErrEmpty       = errors.New("tenths: empty amount")
	ErrNegative    = errors.New("tenths: negative amounts not allowed")
	ErrPrecision   = errors.New("tenths: at most one fractional digit allowed")
	ErrMalformed   = errors.New("tenths: malformed amount")
	ErrOutOfRange  = errors.New("tenths: amount out of range")
	errUnsupported = errors.New("tenths: unsupported scan type")
)

// Money is a currency amount in tenths of the currency unit.
type Money int64

// UnitAmount is a bond-unit quantity in tenths of a unit.
type UnitAmount int64

// ParseMoney parses a decimal string such as "12" or "12.5".
func ParseMoney(s string) (Money, error) {
	v, err := parse(s)
	return Money(v), err
}

// ParseUnits parses a decimal string such as "3" or "0.5".
func ParseUnits(s string) (UnitAmount, error) {
	v, err := parse(s)
	return UnitAmount(v), err
}

// MoneyFromBig converts an arbitrary-precision count of tenths to Money.
func MoneyFromBig(b *big.Int) (Money, error) {
	if b == nil {
		return 0, nil
	}
	if b.Sign() < 0 {
		return 0, ErrNegative
	}
	if !b.IsInt64() {
		return 0, ErrOutOfRange
	}
	return Money(b.Int64()), nil
}

func (m Money) String() string { return format(int64(m)) }
func (m Money) Big() *big.Int { return big.NewInt(int64(m)) }
func (m Money) IsZero() bool { return m == 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) Add(o Money) Money { return m + o }
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Decimals)
}

// Cmp returns -1, 0 or +1.
func (m Money) Cmp(o Money) int { return cmp(int64(m), int64(o)) }

func (u UnitAmount) String() string { return format(int64(u)) }
func (u UnitAmount) Big() *big.Int { return big.NewInt(int64(u)) }
func (u UnitAmount) IsZero() bool { return u == 0 }
func (u UnitAmount) IsPositive() bool {
	return u > 0
}
func (u UnitAmount) Add(o UnitAmount) UnitAmount { return u + o }

// Sub returns u-o. Callers check Cmp first; the result may be negative.
func (u UnitAmount) Sub(o UnitAmount) UnitAmount { return u - o }
func (u UnitAmount) Cmp(o UnitAmount) int { return cmp(int64(u), int64(o)) }
func (u UnitAmount) Decimal() decimal.Decimal {
	return decimal.New(int64(u), -Decimals)
}

// MarshalJSON renders the amount as a decimal string ("12.5").
func (m Money) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// UnmarshalJSON accepts a decimal string or a bare JSON integer count of tenths.
func (m *Money) UnmarshalJSON(b []byte) error {
	v, err := unmarshal(b)
	if err != nil {
		return err
	}
	*m = Money(v)
	return nil
}

func (u UnitAmount) MarshalJSON() ([]byte, error) { return json.Marshal(u.String()) }

func (u *UnitAmount) UnmarshalJSON(b []byte) error {
	v, err := unmarshal(b)
	if err != nil {
		return err
	}
	*u = UnitAmount(v)
	return nil
}

// Value stores the raw tenths count in BIGINT columns.
func (m Money) Value() (driver.Value, error) { return int64(m), nil }
func (u UnitAmount) Value() (driver.Value, error) { return int64(u), nil }

func (m *Money) Scan(src any) error {
	v, err := scan(src)
	*m = Money(v)
	return err
}

func (u *UnitAmount) Scan(src any) error {
	v, err := scan(src)
	*u = UnitAmount(v)
	return err
}

func parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	s = strings.TrimPrefix(s, "+")

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrMalformed
	}
	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" {
			return 0, ErrMalformed
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		// Trailing zeros beyond the first digit carry no value.
		if strings.Trim(frac[Decimals:], "0") != "" {
			return 0, ErrPrecision
		}
		frac = frac[:Decimals]
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, ErrMalformed
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, ErrOutOfRange
	}
	return v, nil
}

func format(v int64) string {
	neg := v < 0
	var abs uint64
	if neg {
		abs = uint64(-(v + 1)) + 1
	} else {
		abs = uint64(v)
	}
	s := fmt.Sprintf("%d.%d", abs/10, abs%10)
	if neg {
		return "-" + s
	}
	return s
}

func unmarshal(b []byte) (int64, error) {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, err
		}
		return parse(s)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, ErrMalformed
	}
	v, err := n.Int64()
	if err != nil {
		return 0, ErrMalformed
	}
	if v < 0 {
		return 0, ErrNegative
	}
	return v, nil
}

func scan(src any) (int64, error) {
	switch v := src.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	case float64:
		if v != math.Trunc(v) {
			return 0, ErrPrecision
		}
		return int64(v), nil
	}
	return 0, errUnsupported
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
