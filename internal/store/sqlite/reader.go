package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"emarsi-trader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to SQLite for backfill, backtests and replay.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// ReadBars reads bars for a pair within [from, to], ascending by timestamp.
// A zero from or to leaves that side unbounded.
func (r *Reader) ReadBars(ctx context.Context, exchange, pair string, from, to time.Time) ([]model.Bar, error) {
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.Unix()
	}
	if !to.IsZero() {
		hi = to.Unix()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT exchange, pair, ts, open, high, low, close, volume
		FROM bars
		WHERE exchange = ? AND pair = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, exchange, pair, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// ReadAllBars reads every stored bar after afterTS, ordered by timestamp.
// Used by replay, which interleaves pairs in time order.
func (r *Reader) ReadAllBars(ctx context.Context, afterTS int64) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT exchange, pair, ts, open, high, low, close, volume
		FROM bars
		WHERE ts > ?
		ORDER BY ts ASC, exchange ASC, pair ASC
	`, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query all bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// RecentCloses returns up to n most recent closing prices for a pair,
// oldest first. Used to backfill a fresh strategy's history.
func (r *Reader) RecentCloses(ctx context.Context, exchange, pair string, n int) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT close FROM (
			SELECT ts, close FROM bars
			WHERE exchange = ? AND pair = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, exchange, pair, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query recent closes: %w", err)
	}
	defer rows.Close()

	out := make([]float64, 0, n)
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("sqlite scan close: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentSignals returns the latest journaled decisions for a user and pair,
// newest first.
func (r *Reader) RecentSignals(ctx context.Context, userID, exchange, pair string, limit int) ([]model.SignalDecision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kind, strength, confidence, price, ema_short, ema_long, rsi, rationale, insufficient, ts
		FROM signals
		WHERE user_id = ? AND exchange = ? AND pair = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, userID, exchange, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var out []model.SignalDecision
	for rows.Next() {
		var (
			d               model.SignalDecision
			kind, strength  string
			emaS, emaL, rsi sql.NullFloat64
			tsMilli         int64
		)
		if err := rows.Scan(&kind, &strength, &d.Confidence, &d.Price, &emaS, &emaL, &rsi,
			&d.Rationale, &d.Insufficient, &tsMilli); err != nil {
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		d.Symbol, d.Exchange = pair, exchange
		d.Kind, d.Strength = model.SignalKind(kind), model.Strength(strength)
		d.TS = time.UnixMilli(tsMilli).UTC()
		d.Indicators = model.IndicatorSnapshot{
			EMAShort: fromNull(emaS),
			EMALong:  fromNull(emaL),
			RSI:      fromNull(rsi),
			TS:       d.TS,
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReadBacktestSummary loads the stored summary for a run.
// Returns nil, nil when the run does not exist.
func (r *Reader) ReadBacktestSummary(ctx context.Context, runID string) (*model.BacktestSummary, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT summary FROM backtest_runs WHERE run_id = ?`, runID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite read backtest run: %w", err)
	}

	var sum model.BacktestSummary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	return &sum, nil
}

// CountBacktestTrades returns the number of stored trades for a run.
func (r *Reader) CountBacktestTrades(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backtest_trades WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&b.Exchange, &b.Pair, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return model.Float(v.Float64)
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
