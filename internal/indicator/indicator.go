// Package indicator provides the technical indicator series used by the
// EMA/RSI strategy.
//
// Every function takes an ordered price sequence (oldest first) and returns a
// series of the same length, index-aligned with the input. Series functions
// are pure: they never retain or mutate the input slice.
package indicator

// Neutral is the RSI value used where no price movement is defined.
const Neutral = 50.0

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
