package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/model"
	"emarsi-trader/internal/strategy"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 500
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/emarsi.db"
}

// Writer is a single-connection SQLite writer. Bars are inserted in batched
// transactions; signals and backtest runs are journaled one at a time.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			exchange TEXT    NOT NULL,
			pair     TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL,
			PRIMARY KEY (exchange, pair, ts)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id      TEXT    NOT NULL,
			exchange     TEXT    NOT NULL,
			pair         TEXT    NOT NULL,
			kind         TEXT    NOT NULL,
			strength     TEXT    NOT NULL,
			confidence   REAL    NOT NULL,
			price        REAL    NOT NULL,
			ema_short    REAL,
			ema_long     REAL,
			rsi          REAL,
			rationale    TEXT    NOT NULL,
			insufficient INTEGER NOT NULL DEFAULT 0,
			ts           INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_key ON signals (user_id, exchange, pair, ts);

		CREATE TABLE IF NOT EXISTS backtest_runs (
			run_id     TEXT PRIMARY KEY,
			exchange   TEXT    NOT NULL,
			pair       TEXT    NOT NULL,
			params     TEXT    NOT NULL,
			config     TEXT    NOT NULL,
			summary    TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS backtest_trades (
			run_id      TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			kind        TEXT    NOT NULL,
			price       REAL    NOT NULL,
			quantity    REAL    NOT NULL,
			total_value REAL    NOT NULL,
			cash_after  REAL    NOT NULL,
			profit_loss REAL    NOT NULL,
			confidence  REAL    NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}

// Run reads bars from barCh and inserts them in batched transactions.
// Flushes every batch of bars OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or barCh is closed.
func (w *Writer) Run(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.InsertBars(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		} else {
			log.Printf("[sqlite] committed %d bars in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case bar, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, bar)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertBars upserts bars in a single transaction.
func (w *Writer) InsertBars(bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (exchange, pair, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Exchange, b.Pair, b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert bar %s@%d: %w", b.Key(), b.TS.Unix(), err)
		}
	}

	return tx.Commit()
}

// LastBarTS returns the newest stored bar timestamp for a pair, or the zero
// time if none exist.
func (w *Writer) LastBarTS(exchange, pair string) (time.Time, error) {
	var ts sql.NullInt64
	err := w.db.QueryRow(
		`SELECT MAX(ts) FROM bars WHERE exchange = ? AND pair = ?`,
		exchange, pair,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// RecordSignal journals one decision for a user.
func (w *Writer) RecordSignal(ctx context.Context, userID string, d model.SignalDecision) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO signals (user_id, exchange, pair, kind, strength, confidence, price,
			ema_short, ema_long, rsi, rationale, insufficient, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, userID, d.Exchange, d.Symbol, string(d.Kind), string(d.Strength), d.Confidence, d.Price,
		nullable(d.Indicators.EMAShort), nullable(d.Indicators.EMALong), nullable(d.Indicators.RSI),
		d.Rationale, d.Insufficient, d.TS.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// SaveBacktest stores a completed run with its trade log.
func (w *Writer) SaveBacktest(ctx context.Context, exchange, pair string, p strategy.Params, cfg backtest.Config, res *model.BacktestResult) error {
	params, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_runs (run_id, exchange, pair, params, config, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, res.RunID, exchange, pair, string(params), string(config), string(summary), time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite insert backtest run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_trades (run_id, seq, ts, kind, price, quantity, total_value, cash_after, profit_loss, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i, t := range res.Trades {
		if _, err := stmt.ExecContext(ctx, res.RunID, i, t.TS.Unix(), string(t.Kind), t.Price, t.Quantity,
			t.TotalValue, t.CashAfter, t.ProfitLoss, t.Confidence); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert backtest trade %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
