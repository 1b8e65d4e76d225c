package indicator

// RSISeries computes the Relative Strength Index of prices using simple
// rolling averages of gains and losses over period deltas.
//
//   - Index 0 has no delta and is Neutral.
//   - If there are fewer than period+1 prices the whole series is Neutral.
//   - avgLoss == 0 with avgGain > 0 yields 100; no movement at all yields Neutral.
//
// Values are clamped to [0,100] as the final step.
func RSISeries(prices []float64, period int) []float64 {
	out := make([]float64, len(prices))
	if period < 1 {
		period = 1
	}
	if len(prices) < period+1 {
		for i := range out {
			out[i] = Neutral
		}
		return out
	}

	gains := make([]float64, len(prices)-1)
	losses := make([]float64, len(prices)-1)
	for t := 1; t < len(prices); t++ {
		delta := prices[t] - prices[t-1]
		if delta > 0 {
			gains[t-1] = delta
		} else {
			losses[t-1] = -delta
		}
	}

	avgGains := RollingMean(gains, period)
	avgLosses := RollingMean(losses, period)

	out[0] = Neutral
	for t := 1; t < len(prices); t++ {
		out[t] = clamp(rsiValue(avgGains[t-1], avgLosses[t-1]), 0, 100)
	}
	return out
}

// rsiValue converts average gain/loss into an RSI reading.
func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain > 0 {
			return 100.0
		}
		return Neutral
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
