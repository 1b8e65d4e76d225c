// cmd/backtest runs the EMA/RSI strategy over historical bars without the
// HTTP service.
//
// Two modes:
//
//	sim     simulate trades and print the account summary (default)
//	replay  stream bars through the strategy engine at a chosen speed and
//	        print every BUY/SELL as it fires, optionally publishing to Redis
//
// Usage:
//
//	go run ./cmd/backtest --exchange=nobitex --pair=BTC/USDT --from=2024-01-01
//	go run ./cmd/backtest --csv=btc.csv --pair=BTC/USDT --resample=4h --trades
//	go run ./cmd/backtest --mode=replay --speed=3600 --redis=localhost:6379
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"emarsi-trader/config"
	"emarsi-trader/internal/backtest"
	"emarsi-trader/internal/marketdata/bus"
	"emarsi-trader/internal/marketdata/csvbars"
	"emarsi-trader/internal/marketdata/replay"
	"emarsi-trader/internal/marketdata/tfbuilder"
	"emarsi-trader/internal/model"
	redisstore "emarsi-trader/internal/store/redis"
	sqlitestore "emarsi-trader/internal/store/sqlite"
	"emarsi-trader/internal/strategy"
)

type options struct {
	mode     string
	dbPath   string
	csvPath  string
	exchange string
	pair     string
	from, to time.Time
	resample time.Duration
	speed    float64
	save     bool
	trades   bool
	asJSON   bool
	redis    string
	userID   string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	var (
		opts                options
		fromStr, toStr      string
		strategyPath        string
		emaShort, emaLong   int
		rsiPeriod           int
		overbought, oversld float64
		balance, percent    float64
	)
	flag.StringVar(&opts.mode, "mode", "sim", "sim or replay")
	flag.StringVar(&opts.dbPath, "db", "data/emarsi.db", "Path to SQLite database")
	flag.StringVar(&opts.csvPath, "csv", "", "Read bars from a CSV file instead of SQLite")
	flag.StringVar(&opts.exchange, "exchange", "nobitex", "Exchange name")
	flag.StringVar(&opts.pair, "pair", "BTC/USDT", "Trading pair (empty replays every stored pair)")
	flag.StringVar(&fromStr, "from", "", "Start date (YYYY-MM-DD, RFC3339 or unix seconds)")
	flag.StringVar(&toStr, "to", "", "End date (inclusive)")
	flag.DurationVar(&opts.resample, "resample", 0, "Resample bars to this timeframe first, e.g. 4h")
	flag.Float64Var(&opts.speed, "speed", 0, "Replay speed multiplier (0=max, 1=realtime)")
	flag.BoolVar(&opts.save, "save", false, "Persist the simulated run to SQLite")
	flag.BoolVar(&opts.trades, "trades", false, "Print the trade log")
	flag.BoolVar(&opts.asJSON, "json", false, "Print the full result as JSON")
	flag.StringVar(&opts.redis, "redis", "", "Redis address for replay publishing (empty disables)")
	flag.StringVar(&opts.userID, "user", "replay", "User ID attached to published signals")
	flag.StringVar(&strategyPath, "config", "", "Strategy YAML overlay")
	flag.IntVar(&emaShort, "ema-short", 0, "Short EMA period")
	flag.IntVar(&emaLong, "ema-long", 0, "Long EMA period")
	flag.IntVar(&rsiPeriod, "rsi", 0, "RSI period")
	flag.Float64Var(&overbought, "overbought", 0, "RSI overbought threshold")
	flag.Float64Var(&oversld, "oversold", 0, "RSI oversold threshold")
	flag.Float64Var(&balance, "balance", 0, "Initial balance")
	flag.Float64Var(&percent, "percent", 0, "Percent of cash committed per BUY")
	flag.Parse()

	sf, err := config.LoadStrategyFile(strategyPath)
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
	params, btCfg := sf.Strategy, sf.Backtest

	// Only flags given on the command line override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ema-short":
			params.EMAShortPeriod = emaShort
		case "ema-long":
			params.EMALongPeriod = emaLong
		case "rsi":
			params.RSIPeriod = rsiPeriod
		case "overbought":
			params.Overbought = overbought
		case "oversold":
			params.Oversold = oversld
		case "balance":
			btCfg.InitialBalance = balance
		case "percent":
			btCfg.TradeAmountPercent = percent
		}
	})
	if err := params.Validate(); err != nil {
		log.Fatalf("[backtest] %v", err)
	}

	if opts.from, err = parseDate(fromStr, false); err != nil {
		log.Fatalf("[backtest] --from: %v", err)
	}
	if opts.to, err = parseDate(toStr, true); err != nil {
		log.Fatalf("[backtest] --to: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	switch opts.mode {
	case "sim":
		err = runSim(ctx, opts, params, btCfg)
	case "replay":
		err = runReplay(ctx, opts, params)
	default:
		err = fmt.Errorf("unknown mode %q", opts.mode)
	}
	if err != nil {
		log.Fatalf("[backtest] %v", err)
	}
}

// parseDate accepts YYYY-MM-DD, RFC3339 or unix seconds. A bare date used as
// an upper bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// loadBars reads from CSV or SQLite and applies the date window and resampling.
func loadBars(ctx context.Context, opts options) ([]model.Bar, error) {
	var bars []model.Bar
	if opts.csvPath != "" {
		f, err := os.Open(opts.csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		all, err := csvbars.Parse(f, opts.exchange, opts.pair)
		if err != nil {
			return nil, err
		}
		for _, b := range all {
			if !opts.from.IsZero() && b.TS.Before(opts.from) {
				continue
			}
			if !opts.to.IsZero() && b.TS.After(opts.to) {
				continue
			}
			bars = append(bars, b)
		}
	} else {
		reader, err := sqlitestore.NewReader(opts.dbPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		defer reader.Close()
		if bars, err = reader.ReadBars(ctx, opts.exchange, opts.pair, opts.from, opts.to); err != nil {
			return nil, err
		}
	}

	if opts.resample > 0 {
		return tfbuilder.Resample(bars, opts.resample)
	}
	return bars, nil
}

func runSim(ctx context.Context, opts options, params strategy.Params, cfg backtest.Config) error {
	bars, err := loadBars(ctx, opts)
	if err != nil {
		return err
	}

	sim, err := backtest.New(params)
	if err != nil {
		return err
	}
	res, err := sim.Run(bars, cfg)
	if err != nil {
		return err
	}

	if opts.save {
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: opts.dbPath})
		if err != nil {
			return err
		}
		defer w.Close()
		if err := w.SaveBacktest(ctx, opts.exchange, opts.pair, params, cfg, res); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		log.Printf("[backtest] saved run %s", res.RunID)
	}

	if opts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if opts.trades {
		for _, t := range res.Trades {
			fmt.Printf("  [%s] %-4s qty=%.6f @ %.4f  cash=%.2f  pnl=%+.2f  rsi=%.1f conf=%.0f\n",
				t.TS.Format("2006-01-02 15:04"), t.Kind, t.Quantity, t.Price, t.CashAfter, t.ProfitLoss, t.RSI, t.Confidence)
		}
	}

	s := res.Summary
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Pair:          %-20s ║\n", opts.exchange+":"+opts.pair)
	fmt.Printf("║  Bars:          %-20d ║\n", s.Bars)
	fmt.Printf("║  Days:          %-20d ║\n", s.DurationDays)
	fmt.Printf("║  Initial:       %-20.2f ║\n", s.InitialBalance)
	fmt.Printf("║  Final:         %-20.2f ║\n", s.FinalBalance)
	fmt.Printf("║  Return:        %-19.2f%% ║\n", s.TotalReturnPct)
	fmt.Printf("║  Trades:        %-20s ║\n", fmt.Sprintf("%d (%d buy / %d sell)", s.TotalTrades, s.BuyTrades, s.SellTrades))
	fmt.Printf("║  Win rate:      %-19.1f%% ║\n", s.WinRate)
	fmt.Printf("║  Profit factor: %-20.2f ║\n", s.ProfitFactor)
	fmt.Printf("║  Max drawdown:  %-19.2f%% ║\n", s.MaxDrawdownPct)
	fmt.Println("╚══════════════════════════════════════╝")
	return nil
}

// perPair keeps one EmaRsi per exchange:pair so an interleaved replay of
// several series does not mix histories.
type perPair struct {
	params     strategy.Params
	strategies map[string]*strategy.EmaRsi
}

func newPerPair(p strategy.Params) *perPair {
	return &perPair{params: p, strategies: make(map[string]*strategy.EmaRsi)}
}

func (pp *perPair) Name() string { return "ema_rsi_per_pair" }

func (pp *perPair) OnBar(bar model.Bar) *model.SignalDecision {
	s, ok := pp.strategies[bar.Key()]
	if !ok {
		var err error
		if s, err = strategy.New(pp.params); err != nil {
			return nil
		}
		pp.strategies[bar.Key()] = s
	}
	d := s.GenerateSignal(bar.Pair, bar.Exchange, bar.Close, bar.TS)
	if d.Kind == model.KindHold {
		return nil
	}
	return &d
}

func runReplay(ctx context.Context, opts options, params strategy.Params) error {
	var src replay.Source
	if opts.csvPath != "" {
		bars, err := loadBars(ctx, opts)
		if err != nil {
			return err
		}
		src = sliceSource(bars)
	} else {
		reader, err := sqlitestore.NewReader(opts.dbPath)
		if err != nil {
			return fmt.Errorf("sqlite open: %w", err)
		}
		defer reader.Close()
		src = reader
	}

	var pub *redisstore.Writer
	if opts.redis != "" {
		w, err := redisstore.New(redisstore.WriterConfig{Addr: opts.redis})
		if err != nil {
			return err
		}
		defer w.Close()
		pub = w
	}

	raw := make(chan model.Bar, 1024)
	fan := bus.New(1024)
	engineIn := fan.SubscribeLossless()
	var publishIn <-chan model.Bar
	if pub != nil {
		publishIn = fan.SubscribeLossless()
	}

	engine := strategy.NewEngine(1024)
	engine.Register(newPerPair(params))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fan.Run(ctx, raw)
	}()
	go func() {
		defer wg.Done()
		engine.Run(ctx, engineIn)
	}()
	if publishIn != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range publishIn {
				if err := pub.PublishBar(ctx, b); err != nil {
					log.Printf("[backtest] publish bar %s: %v", b.Key(), err)
				}
			}
		}()
	}

	replayCfg := replay.Config{
		Exchange: opts.exchange,
		Pair:     opts.pair,
		From:     opts.from,
		To:       opts.to,
		Speed:    opts.speed,
	}
	var (
		replayErr error
		emitted   int
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(raw)
		emitted, replayErr = replay.New(src).Run(ctx, replayCfg, raw)
	}()

	fired := 0
	for d := range engine.Signals() {
		fired++
		fmt.Printf("  [%s] %s:%s %-4s %-8s conf=%5.1f @ %.4f  %s\n",
			d.TS.Format("2006-01-02 15:04"), d.Exchange, d.Symbol, d.Kind, d.Strength, d.Confidence, d.Price, d.Rationale)
		if pub != nil {
			if err := pub.PublishSignal(ctx, opts.userID, d); err != nil {
				log.Printf("[backtest] publish signal: %v", err)
			}
		}
	}
	wg.Wait()
	if replayErr != nil {
		return replayErr
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        REPLAY COMPLETE               ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Bars replayed:   %-18d ║\n", emitted)
	fmt.Printf("║  Signals fired:   %-18d ║\n", fired)
	fmt.Printf("║  Signals dropped: %-18d ║\n", engine.Dropped())
	fmt.Println("╚══════════════════════════════════════╝")
	return nil
}

// sliceSource serves preloaded bars to the replayer.
type sliceSource []model.Bar

func (s sliceSource) ReadBars(_ context.Context, exchange, pair string, from, to time.Time) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range s {
		if b.Exchange != exchange || b.Pair != pair {
			continue
		}
		if (!from.IsZero() && b.TS.Before(from)) || (!to.IsZero() && b.TS.After(to)) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s sliceSource) ReadAllBars(_ context.Context, afterTS int64) ([]model.Bar, error) {
	var out []model.Bar
	for _, b := range s {
		if b.TS.Unix() > afterTS {
			out = append(out, b)
		}
	}
	return out, nil
}
