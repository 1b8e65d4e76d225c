package indicator

// Alpha returns the EMA smoothing factor 2/(period+1).
func Alpha(period int) float64 {
	return 2.0 / float64(period+1)
}

// EMASeries computes the exponential moving average of prices.
//
// The series is seeded with the first price (EMA[0] = price[0]) and then
// follows EMA[t] = α·price[t] + (1-α)·EMA[t-1]. Sequences shorter than period
// are still computed recursively from index 0; callers gate on history length
// before trusting the values.
func EMASeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if len(prices) == 0 {
		return out
	}
	if period < 1 {
		period = 1
	}
	alpha := Alpha(period)

	out[0] = prices[0]
	for t := 1; t < len(prices); t++ {
		out[t] = (prices[t] * alpha) + (out[t-1] * (1 - alpha))
	}
	return out
}
