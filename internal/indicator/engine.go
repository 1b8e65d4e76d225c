package indicator

// Engine computes the short EMA, long EMA and RSI series for one strategy.
// It holds only periods; all state lives in the caller's price history.
type Engine struct {
	ShortPeriod int
	LongPeriod  int
	RSIPeriod   int
}

// NewEngine creates an indicator engine with the given periods.
// Period relationships are validated by the strategy, not here.
func NewEngine(shortPeriod, longPeriod, rsiPeriod int) *Engine {
	return &Engine{
		ShortPeriod: shortPeriod,
		LongPeriod:  longPeriod,
		RSIPeriod:   rsiPeriod,
	}
}

// Point is the indicator reading at a single index.
type Point struct {
	EMAShort float64
	EMALong  float64
	RSI      float64
}

// Series holds three index-aligned indicator series.
type Series struct {
	EMAShort []float64
	EMALong  []float64
	RSI      []float64
}

// Compute returns all indicator series over prices (oldest first).
func (e *Engine) Compute(prices []float64) Series {
	return Series{
		EMAShort: EMASeries(prices, e.ShortPeriod),
		EMALong:  EMASeries(prices, e.LongPeriod),
		RSI:      RSISeries(prices, e.RSIPeriod),
	}
}

// Len returns the number of indexed readings.
func (s Series) Len() int { return len(s.EMAShort) }

// At returns the reading at index i.
func (s Series) At(i int) Point {
	return Point{EMAShort: s.EMAShort[i], EMALong: s.EMALong[i], RSI: s.RSI[i]}
}

// Last returns the most recent reading. ok is false for an empty series.
func (s Series) Last() (Point, bool) {
	if s.Len() == 0 {
		return Point{}, false
	}
	return s.At(s.Len() - 1), true
}

// Prefix returns the first n readings, sharing storage with s.
// Used to restrict crossover lookback to data available at a given bar.
func (s Series) Prefix(n int) Series {
	if n > s.Len() {
		n = s.Len()
	}
	return Series{EMAShort: s.EMAShort[:n], EMALong: s.EMALong[:n], RSI: s.RSI[:n]}
}
