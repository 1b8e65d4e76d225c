package model

import (
	"encoding/json"
	"time"
)

// Bar is one historical OHLCV bar for a single pair.
// Only Close and TS are consumed by the signal engine.
type Bar struct {
	Exchange string    `json:"exchange,omitempty"`
	Pair     string    `json:"pair,omitempty"`
	TS       time.Time `json:"timestamp"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Key returns a unique key for this bar's instrument: "exchange:pair".
func (b *Bar) Key() string {
	return b.Exchange + ":" + b.Pair
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// Closes extracts the closing prices of bars, oldest first.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Close
	}
	return out
}
