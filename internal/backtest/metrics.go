package backtest

import (
	"math"

	"polytrade.com/internal/model"
)

// Metrics 绩效指标；ProfitFactor 在没有亏损交易时为 nil（未定义）
type Metrics struct {
	TotalTrades  int      `json:"total_trades"`
	Wins         int      `json:"wins"`
	Losses       int      `json:"losses"`
	WinRate      float64  `json:"win_rate"`
	GrossProfit  float64  `json:"gross_profit"`
	GrossLoss    float64  `json:"gross_loss"`
	ProfitFactor *float64 `json:"profit_factor"`
	TotalReturn  float64  `json:"total_return"`
	SharpeRatio  float64  `json:"sharpe_ratio"`
	MaxDrawdown  float64  `json:"max_drawdown"`

	MaxConsecutiveLosses int `json:"max_consecutive_losses"`
}

// ComputeMetrics 由成交与权益曲线计算指标
func ComputeMetrics(trades []model.TradeRecord, curve []model.EquityPoint, initial, barsPerYear float64) Metrics {
	m := TradeStats(trades)

	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}
	m.MaxDrawdown = MaxDrawdown(values)
	m.SharpeRatio = Sharpe(values, barsPerYear)
	if initial > 0 && len(values) > 0 {
		m.TotalReturn = values[len(values)-1]/initial - 1
	}
	return m
}

// TradeStats 只依赖成交记录的指标，模拟/实盘会话的评估也使用它
func TradeStats(trades []model.TradeRecord) Metrics {
	m := Metrics{TotalTrades: len(trades)}
	for _, t := range trades {
		switch {
		case t.RealizedPnL > 0:
			m.Wins++
			m.GrossProfit += t.RealizedPnL
		case t.RealizedPnL < 0:
			m.Losses++
			m.GrossLoss += -t.RealizedPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.Wins) / float64(m.TotalTrades)
	}
	m.ProfitFactor = ProfitFactor(m.GrossProfit, m.GrossLoss)
	m.MaxConsecutiveLosses = MaxConsecutiveLosses(trades)
	return m
}

// ProfitFactor 总盈利 / 总亏损，总亏损为 0 时未定义
func ProfitFactor(grossProfit, grossLoss float64) *float64 {
	if grossLoss == 0 {
		return nil
	}
	pf := grossProfit / grossLoss
	return &pf
}

// MaxDrawdown 最大峰谷回撤，返回比例
func MaxDrawdown(equity []float64) float64 {
	peak, maxDD := 0.0, 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// Sharpe 逐根收益率的均值/样本标准差，按周期年化，无风险利率取 0
func Sharpe(equity []float64, barsPerYear float64) float64 {
	if len(equity) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(barsPerYear)
}

// ConsecutiveLosses 末尾连续亏损的笔数
func ConsecutiveLosses(trades []model.TradeRecord) int {
	n := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].Outcome != model.OutcomeLoss {
			break
		}
		n++
	}
	return n
}

// MaxConsecutiveLosses 整段成交中最长的连续亏损笔数
func MaxConsecutiveLosses(trades []model.TradeRecord) int {
	longest, run := 0, 0
	for _, t := range trades {
		if t.Outcome != model.OutcomeLoss {
			run = 0
			continue
		}
		run++
		if run > longest {
			longest = run
		}
	}
	return longest
}
