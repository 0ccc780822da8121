// Package numeric floors prices and quantities to an exchange
// symbol's tick/step increments using exact decimal arithmetic,
// avoiding the binary-float drift that bites naive
// math.Floor(v/step)*step implementations.
package numeric

import (
	"github.com/shopspring/decimal"
)

// FloorTick rounds v down to the nearest multiple of tick, rounded to
// tick's own decimal precision so no binary drift digits remain. The
// result is a float64, so trailing zeros (e.g. "100.00" for
// tick="0.01") are not kept.
func FloorTick(v float64, tick string) float64 {
	return floorTo(v, tick)
}

// FloorStep rounds v down to the nearest multiple of step, with
// step's precision. Quantities and prices share the same floor
// discipline, just against different filters.
func FloorStep(v float64, step string) float64 {
	return floorTo(v, step)
}

func floorTo(v float64, increment string) float64 {
	inc, err := decimal.NewFromString(increment)
	if err != nil || inc.IsZero() {
		return v
	}
	dv := decimal.NewFromFloat(v)
	floored := dv.DivRound(inc, 16).Floor().Mul(inc)
	f, _ := floored.Round(inc.Exponent() * -1).Float64()
	return f
}

// Precision returns the number of decimal places implied by an
// increment string such as "0.01" (2) or "1" (0).
func Precision(increment string) int32 {
	inc, err := decimal.NewFromString(increment)
	if err != nil {
		return 0
	}
	exp := inc.Exponent()
	if exp >= 0 {
		return 0
	}
	return -exp
}
