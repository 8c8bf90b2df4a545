package lifecycle

import (
	"fmt"
	"time"

	"polytrade.com/internal/backtest"
	"polytrade.com/internal/config"
	"polytrade.com/internal/model"
)

// 生命周期事件原因码
const (
	ReasonBacktestPassed    = "backtest_passed"
	ReasonBacktestRejected  = "backtest_rejected"
	ReasonInsufficient      = "insufficient_sample"
	ReasonPaperEnrolled     = "paper_enrolled"
	ReasonLivePromoted      = "live_promoted"
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonUnderperformance  = "underperformance"
	ReasonManualOverride    = "manual_override"
	ReasonSessionRepaired   = "session_repaired"
)

// Meets 判断是否满足晋级门槛，不满足时返回第一个未达标的项
func Meets(m model.MetricSnapshot, th config.Thresholds) (bool, string) {
	switch {
	case m.Trades < th.MinTrades:
		return false, fmt.Sprintf("trades %d < %d", m.Trades, th.MinTrades)
	case m.WinRate < th.MinWinRate:
		return false, fmt.Sprintf("win rate %.3f < %.3f", m.WinRate, th.MinWinRate)
	case m.ProfitFactor != nil && *m.ProfitFactor < th.MinProfitFactor:
		return false, fmt.Sprintf("profit factor %.3f < %.3f", *m.ProfitFactor, th.MinProfitFactor)
	case m.ProfitFactor == nil && m.Trades == 0:
		return false, "profit factor undefined"
	case m.SharpeRatio < th.MinSharpe:
		return false, fmt.Sprintf("sharpe %.3f < %.3f", m.SharpeRatio, th.MinSharpe)
	case th.MaxDrawdown > 0 && m.MaxDrawdown > th.MaxDrawdown:
		return false, fmt.Sprintf("max drawdown %.3f > %.3f", m.MaxDrawdown, th.MaxDrawdown)
	}
	return true, ""
}

// Underperforms 样本足够且任一指标跌破淘汰线。淘汰线的 MinSharpe 为 0 时不检查夏普
func Underperforms(m model.MetricSnapshot, th config.Thresholds) (bool, string) {
	if m.Trades < th.MinTrades || m.Trades == 0 {
		return false, ""
	}
	switch {
	case m.WinRate < th.MinWinRate:
		return true, fmt.Sprintf("win rate %.3f < %.3f", m.WinRate, th.MinWinRate)
	case m.ProfitFactor != nil && *m.ProfitFactor < th.MinProfitFactor:
		return true, fmt.Sprintf("profit factor %.3f < %.3f", *m.ProfitFactor, th.MinProfitFactor)
	case th.MinSharpe != 0 && m.SharpeRatio < th.MinSharpe:
		return true, fmt.Sprintf("sharpe %.3f < %.3f", m.SharpeRatio, th.MinSharpe)
	case th.MaxDrawdown > 0 && m.MaxDrawdown > th.MaxDrawdown:
		return true, fmt.Sprintf("max drawdown %.3f > %.3f", m.MaxDrawdown, th.MaxDrawdown)
	}
	return false, ""
}

// TradeMetrics 模拟/实盘阶段的滚动指标。权益曲线由逐笔已实现盈亏累加，
// 夏普按观察期内的成交频率年化
func TradeMetrics(trades []model.TradeRecord, capital float64, elapsed time.Duration) model.MetricSnapshot {
	stats := backtest.TradeStats(trades)

	curve := make([]float64, 0, len(trades)+1)
	equity := capital
	curve = append(curve, equity)
	for _, t := range trades {
		equity += t.RealizedPnL
		curve = append(curve, equity)
	}

	perYear := float64(len(trades))
	if years := elapsed.Hours() / (365 * 24); years > 0 && len(trades) > 0 {
		perYear = float64(len(trades)) / years
	}

	snap := model.MetricSnapshot{
		Trades:            stats.TotalTrades,
		WinRate:           stats.WinRate,
		ProfitFactor:      stats.ProfitFactor,
		SharpeRatio:       backtest.Sharpe(curve, perYear),
		MaxDrawdown:       backtest.MaxDrawdown(curve),
		ConsecutiveLosses: backtest.ConsecutiveLosses(trades),
	}
	if capital > 0 {
		snap.TotalReturn = equity/capital - 1
	}
	return snap
}
