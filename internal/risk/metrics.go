package risk

import (
	"math"
	"time"

	"adaptive-market-maker/gateway"
)

// Trade 一笔已实现的交易（平仓成交）
type Trade struct {
	Symbol string
	Side   gateway.Side
	Qty    float64
	Price  float64
	PnL    float64 // 已扣手续费
	Fee    float64
	Time   time.Time
}

// LedgerStats 从交易记录重新计算的统计
type LedgerStats struct {
	Trades       int
	Wins         int
	Losses       int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64 // 负数
	ProfitFactor float64 // 没有亏损交易时为0
	BestTrade    float64
	WorstTrade   float64
	TotalPnL     float64
	TotalFees    float64
}

// ComputeLedgerStats 每次都从完整记录计算，不做增量维护
func ComputeLedgerStats(trades []Trade) LedgerStats {
	var s LedgerStats
	var grossWin, grossLoss float64
	for i, tr := range trades {
		s.Trades++
		s.TotalPnL += tr.PnL
		s.TotalFees += tr.Fee
		if i == 0 || tr.PnL > s.BestTrade {
			s.BestTrade = tr.PnL
		}
		if i == 0 || tr.PnL < s.WorstTrade {
			s.WorstTrade = tr.PnL
		}
		switch {
		case tr.PnL > 0:
			s.Wins++
			grossWin += tr.PnL
		case tr.PnL < 0:
			s.Losses++
			grossLoss += -tr.PnL
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.Wins > 0 {
		s.AvgWin = grossWin / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = -grossLoss / float64(s.Losses)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s
}

// PeriodReturns 相邻余额的收益率，前一期余额非正时跳过
func PeriodReturns(balances []float64) []float64 {
	if len(balances) < 2 {
		return nil
	}
	out := make([]float64, 0, len(balances)-1)
	for i := 1; i < len(balances); i++ {
		prev := balances[i-1]
		if prev <= 0 {
			continue
		}
		out = append(out, (balances[i]-prev)/prev)
	}
	return out
}

// SharpeRatio mean/stdev*sqrt(periodsPerYear)，样本标准差；
// 少于2个样本或方差为0时返回0
func SharpeRatio(returns []float64, periodsPerYear float64) float64 {
	n := len(returns)
	if n < 2 || periodsPerYear <= 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n - 1)
	if variance <= 1e-24 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(periodsPerYear)
}

// Drawdown (peak-current)/peak，截断到[0,1]
func Drawdown(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - current) / peak
	return math.Max(0, math.Min(1, dd))
}
