// Package util provides tick-size price math for order pricing.
package util

import "math"

// quantizeEpsilon absorbs the rounding noise left by dividing a price by its
// tick, so exact multiples never land on the wrong side of a boundary. It is
// far smaller than any real price increment.
const quantizeEpsilon = 1e-13

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// A zero tick leaves x unchanged, as do NaN and infinite inputs; a negative
// tick is treated by its absolute value.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to a tick multiple. Sell limits use this so the
// worked price never sits above what the market showed.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Floor(x/tick+quantizeEpsilon) * tick
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(x/tick-quantizeEpsilon) * tick
}
