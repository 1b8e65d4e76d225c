// Package csvbars parses OHLCV bar files exported by exchanges and charting
// tools. The header row names the columns; recognised names are
// timestamp|time|date|datetime, open, high, low, close, volume (case-insensitive).
// Only the timestamp and close columns are required.
package csvbars

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"emarsi-trader/internal/model"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("csvbars: missing column")

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Parse reads bars for one pair from r and returns them sorted by time.
// Numeric timestamps are Unix seconds, or milliseconds when above 1e12.
func Parse(r io.Reader, exchange, pair string) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csvbars: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF")))
		switch name {
		case "time", "date", "datetime", "ts":
			name = "timestamp"
		}
		cols[name] = i
	}
	for _, req := range []string{"timestamp", "close"} {
		if _, ok := cols[req]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, req)
		}
	}

	var bars []model.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csvbars: line %d: %w", line, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		b := model.Bar{Exchange: exchange, Pair: pair}
		if b.TS, err = parseTime(field(rec, cols, "timestamp")); err != nil {
			return nil, fmt.Errorf("csvbars: line %d: %w", line, err)
		}
		if b.Close, err = parseNum(field(rec, cols, "close")); err != nil || !(b.Close > 0) {
			return nil, fmt.Errorf("csvbars: line %d: invalid close %q", line, field(rec, cols, "close"))
		}
		b.Open = optional(rec, cols, "open", b.Close)
		b.High = optional(rec, cols, "high", math.Max(b.Open, b.Close))
		b.Low = optional(rec, cols, "low", math.Min(b.Open, b.Close))
		b.Volume = optional(rec, cols, "volume", 0)
		bars = append(bars, b)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	return bars, nil
}

func field(rec []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func optional(rec []string, cols map[string]int, name string, fallback float64) float64 {
	s := field(rec, cols, name)
	if s == "" {
		return fallback
	}
	v, err := parseNum(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseNum(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return v, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
