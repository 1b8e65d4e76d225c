package backtest

import (
	"math"

	"emarsi-trader/internal/model"
)

func summarize(cfg Config, bars []model.Bar, trades []model.BacktestTrade, equity []model.EquityPoint, finalBalance, openQty float64) model.BacktestSummary {
	sum := model.BacktestSummary{
		InitialBalance:  cfg.InitialBalance,
		FinalBalance:    finalBalance,
		TotalReturn:     finalBalance - cfg.InitialBalance,
		TotalReturnPct:  (finalBalance - cfg.InitialBalance) / cfg.InitialBalance * 100,
		TotalTrades:     len(trades),
		OpenPositionQty: openQty,
		MaxDrawdownPct:  maxDrawdownPct(equity),
		Bars:            len(bars),
		StartTS:         bars[0].TS,
		EndTS:           bars[len(bars)-1].TS,
	}
	sum.DurationDays = int(sum.EndTS.Sub(sum.StartTS).Hours() / 24)

	for _, t := range trades {
		switch t.Kind {
		case model.KindBuy:
			sum.BuyTrades++
		case model.KindSell:
			sum.SellTrades++
			if t.ProfitLoss > 0 {
				sum.WinningTrades++
				sum.TotalProfit += t.ProfitLoss
			} else {
				sum.LosingTrades++
				sum.TotalLoss += t.ProfitLoss
			}
		}
	}

	if sum.SellTrades > 0 {
		sum.WinRate = float64(sum.WinningTrades) / float64(sum.SellTrades) * 100
	}
	sum.AverageProfit = sum.TotalProfit / float64(max(sum.WinningTrades, 1))
	sum.AverageLoss = sum.TotalLoss / float64(max(sum.LosingTrades, 1))
	if sum.TotalLoss != 0 {
		sum.ProfitFactor = math.Abs(sum.TotalProfit / sum.TotalLoss)
	}
	return sum
}

// maxDrawdownPct is the largest peak-to-trough decline of total equity, in
// percent of the peak.
func maxDrawdownPct(equity []model.EquityPoint) float64 {
	peak, worst := 0.0, 0.0
	for _, e := range equity {
		if e.TotalEquity > peak {
			peak = e.TotalEquity
		}
		if peak > 0 {
			if dd := (peak - e.TotalEquity) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
