package model

import "time"

// BacktestTrade is one executed transition in a simulated run.
type BacktestTrade struct {
	TS         time.Time  `json:"timestamp"`
	Kind       SignalKind `json:"kind"` // BUY or SELL
	Price      float64    `json:"price"`
	Quantity   float64    `json:"quantity"`
	TotalValue float64    `json:"total_value"`
	CashAfter  float64    `json:"cash_after"`
	ProfitLoss float64    `json:"profit_loss"` // realized, SELL only
	EMAShort   float64    `json:"ema_short"`
	EMALong    float64    `json:"ema_long"`
	RSI        float64    `json:"rsi"`
	Confidence float64    `json:"confidence"`
}

// EquityPoint is the simulated account value after one bar.
type EquityPoint struct {
	TS            time.Time `json:"timestamp"`
	Cash          float64   `json:"cash"`
	PositionValue float64   `json:"position_value"`
	TotalEquity   float64   `json:"total_equity"`
}

// BacktestSummary aggregates a completed run. Derived from the trade log and
// the price path only.
type BacktestSummary struct {
	InitialBalance  float64 `json:"initial_balance"`
	FinalBalance    float64 `json:"final_balance"`
	TotalReturn     float64 `json:"total_return"`
	TotalReturnPct  float64 `json:"total_return_percent"`
	TotalTrades     int     `json:"total_trades"`
	BuyTrades       int     `json:"buy_trades"`
	SellTrades      int     `json:"sell_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"` // percent of SELLs with positive P&L
	TotalProfit     float64 `json:"total_profit"`
	TotalLoss       float64 `json:"total_loss"`
	AverageProfit   float64 `json:"average_profit"`
	AverageLoss     float64 `json:"average_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	MaxDrawdownPct  float64 `json:"max_drawdown_percent"`
	OpenPositionQty float64 `json:"open_position_qty"`

	StartTS      time.Time `json:"start_date"`
	EndTS        time.Time `json:"end_date"`
	DurationDays int       `json:"duration_days"`
	Bars         int       `json:"bars"`
}

// BacktestResult bundles the summary with the full trade log and equity curve.
type BacktestResult struct {
	RunID   string          `json:"run_id"`
	Summary BacktestSummary `json:"summary"`
	Trades  []BacktestTrade `json:"trades"`
	Equity  []EquityPoint   `json:"equity_curve"`
}
