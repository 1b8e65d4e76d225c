package indicator

// RollingMean computes a trailing simple moving average of values over a
// window of size period. The window shrinks to the available data at the
// start (minimum one observation), so out[i] = mean(values[max(0,i-period+1)..i]).
//
// Each window is summed directly rather than via a running total: a running
// total leaves floating-point residue after an element leaves the window, and
// downstream code distinguishes an exact zero average from a tiny one.
func RollingMean(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period < 1 {
		period = 1
	}
	for i := range values {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		sum := 0.0
		for _, v := range values[start : i+1] {
			sum += v
		}
		out[i] = sum / float64(i+1-start)
	}
	return out
}
