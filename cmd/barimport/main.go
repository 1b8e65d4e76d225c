// cmd/barimport loads OHLCV bars from a CSV export into the SQLite bar store
// used by signald backfill and the backtest command.
//
// Usage:
//
//	go run ./cmd/barimport --csv=btc_1h.csv --exchange=nobitex --pair=BTC/USDT
//	go run ./cmd/barimport --csv=btc_1m.csv --pair=BTC/USDT --resample=1h
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"emarsi-trader/internal/marketdata/csvbars"
	"emarsi-trader/internal/marketdata/tfbuilder"
	"emarsi-trader/internal/model"
	sqlitestore "emarsi-trader/internal/store/sqlite"
)

const batchSize = 5000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	csvPath := flag.String("csv", "", "CSV file to import (required)")
	dbPath := flag.String("db", "data/emarsi.db", "Path to SQLite database")
	exchange := flag.String("exchange", "nobitex", "Exchange name")
	pair := flag.String("pair", "BTC/USDT", "Trading pair")
	resample := flag.Duration("resample", 0, "Resample to this timeframe before storing")
	onlyNew := flag.Bool("only-new", false, "Skip bars at or before the newest stored bar")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatalf("[barimport] %v", err)
	}
	bars, err := csvbars.Parse(f, *exchange, *pair)
	f.Close()
	if err != nil {
		log.Fatalf("[barimport] %v", err)
	}
	log.Printf("[barimport] parsed %d bars from %s", len(bars), *csvPath)

	if *resample > 0 {
		if bars, err = tfbuilder.Resample(bars, *resample); err != nil {
			log.Fatalf("[barimport] resample: %v", err)
		}
		log.Printf("[barimport] resampled to %d bars of %s", len(bars), *resample)
	}

	if dir := filepath.Dir(*dbPath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: *dbPath})
	if err != nil {
		log.Fatalf("[barimport] sqlite init failed: %v", err)
	}
	defer w.Close()

	if *onlyNew {
		last, err := w.LastBarTS(*exchange, *pair)
		if err != nil {
			log.Fatalf("[barimport] last bar: %v", err)
		}
		bars = after(bars, last)
		log.Printf("[barimport] %d bars newer than %s", len(bars), last.Format(time.RFC3339))
	}

	for start := 0; start < len(bars); start += batchSize {
		end := min(start+batchSize, len(bars))
		if err := w.InsertBars(bars[start:end]); err != nil {
			log.Fatalf("[barimport] insert: %v", err)
		}
	}

	last, err := w.LastBarTS(*exchange, *pair)
	if err != nil {
		log.Fatalf("[barimport] last bar: %v", err)
	}
	log.Printf("[barimport] stored %d bars for %s:%s, newest %s", len(bars), *exchange, *pair, last.Format(time.RFC3339))
}

// after returns the bars strictly newer than ts. bars must be sorted.
func after(bars []model.Bar, ts time.Time) []model.Bar {
	if ts.IsZero() {
		return bars
	}
	for i, b := range bars {
		if b.TS.After(ts) {
			return bars[i:]
		}
	}
	return nil
}
