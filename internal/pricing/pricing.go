// Package pricing computes primary-issue and secondary-market bond prices.
//
// Every quantity is an integer count of tenths. Intermediate products are
// computed with math/big so large face values held for long periods never
// overflow. Accrued interest rounds up.
package pricing

import (
	"math/big"
	"time"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/tenths"
)

const (
	msPerDay    = 86_400_000
	bpsDivisor  = 10_000
	daysPerYear = 365
)

var (
	ten          = big.NewInt(10)
	interestDiv  = big.NewInt(bpsDivisor * daysPerYear)
	interestDivM = big.NewInt(bpsDivisor*daysPerYear - 1)
)

// Primary returns floor(faceValue * amountTenths / 10).
// Negative inputs are treated as zero.
func Primary(faceValue, amountTenths *big.Int) *big.Int {
	if faceValue.Sign() <= 0 || amountTenths.Sign() <= 0 {
		return new(big.Int)
	}
	p := new(big.Int).Mul(faceValue, amountTenths)
	return p.Quo(p, ten)
}

// Secondary returns the primary price plus interest accrued over whole days
// elapsed between startMs and nowMs:
//
//	interest = ceil(face * rateBps * days / (10000 * 365))
//
// A clock that runs backwards yields zero elapsed days.
func Secondary(faceValue *big.Int, rateBps int64, startMs, nowMs int64, amountTenths *big.Int) *big.Int {
	face := Primary(faceValue, amountTenths)
	if face.Sign() == 0 {
		return face
	}
	days := ElapsedDays(startMs, nowMs)
	if days == 0 || rateBps <= 0 {
		return face
	}

	num := new(big.Int).Mul(face, big.NewInt(rateBps))
	num.Mul(num, big.NewInt(days))
	num.Add(num, interestDivM)
	interest := num.Quo(num, interestDiv)

	return face.Add(face, interest)
}

// ElapsedDays returns max(0, floor((nowMs-startMs)/86_400_000)).
func ElapsedDays(startMs, nowMs int64) int64 {
	if nowMs <= startMs {
		return 0
	}
	return (nowMs - startMs) / msPerDay
}

// PrimaryPrice is Primary over the typed value objects.
func PrimaryPrice(faceValue tenths.Money, units tenths.UnitAmount) (tenths.Money, error) {
	return tenths.MoneyFromBig(Primary(faceValue.Big(), units.Big()))
}

// SecondaryPrice is Secondary over the typed value objects, accruing from
// start until now.
func SecondaryPrice(faceValue tenths.Money, rateBps int64, start, now time.Time, units tenths.UnitAmount) (tenths.Money, error) {
	p := Secondary(faceValue.Big(), rateBps, start.UnixMilli(), now.UnixMilli(), units.Big())
	return tenths.MoneyFromBig(p)
}
