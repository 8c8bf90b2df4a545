// Package risk 仓位计算与开仓许可，纯函数，无 I/O。
// 回测与模拟/实盘会话共用这一组函数。
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// QuantityPrecision 数量保留的小数位，超出部分截断
const QuantityPrecision = 8

// 拒绝原因码
const (
	ReasonInvalidProfile = "invalid_profile"
	ReasonHalted         = "halted"
	ReasonMaxDrawdown    = "max_drawdown"
	ReasonMaxPositions   = "max_positions"
	ReasonDailyLoss      = "daily_loss_limit"
	ReasonRiskBudget     = "risk_budget"
)

var hundred = decimal.NewFromInt(100)

// SessionState 风控所需的会话状态
type SessionState struct {
	Equity         float64 // 已实现资金 + 浮动盈亏
	PeakEquity     float64
	DayStartEquity float64
	OpenPositions  int
	OpenRisk       float64 // 所有未平仓头寸入场时的风险金额之和
	Halted         bool
}

// Decision 开仓许可结果
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// StopTake 止损止盈价位，TakeProfit 为 0 表示不设止盈
type StopTake struct {
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	StopDistance float64 `json:"stop_distance"`
}

// ValidateProfile 校验风控参数
func ValidateProfile(p model.RiskProfile) error {
	switch {
	case p.MaxRiskPerTradePercent <= 0 || p.MaxRiskPerTradePercent > 100:
		return fmt.Errorf("%w: max risk per trade must be within (0,100]", domain.ErrInvalidRiskParameters)
	case p.MaxDrawdownPercent <= 0 || p.MaxDrawdownPercent > 100:
		return fmt.Errorf("%w: max drawdown must be within (0,100]", domain.ErrInvalidRiskParameters)
	case p.MaxConcurrentPositions < 1:
		return fmt.Errorf("%w: max concurrent positions must be at least 1", domain.ErrInvalidRiskParameters)
	case p.StopLossPercent <= 0 || p.StopLossPercent >= 100:
		return fmt.Errorf("%w: stop loss must be within (0,100)", domain.ErrInvalidRiskParameters)
	case p.TakeProfitPercent < 0:
		return fmt.Errorf("%w: take profit cannot be negative", domain.ErrInvalidRiskParameters)
	case p.DailyLossLimitPercent < 0 || p.DailyLossLimitPercent > 100:
		return fmt.Errorf("%w: daily loss limit must be within [0,100]", domain.ErrInvalidRiskParameters)
	case p.Leverage < 0:
		return fmt.Errorf("%w: leverage cannot be negative", domain.ErrInvalidRiskParameters)
	}
	return nil
}

// RiskAmount 单笔允许承担的最大亏损金额
func RiskAmount(capital float64, p model.RiskProfile) float64 {
	amount, _ := decimal.NewFromFloat(capital).
		Mul(decimal.NewFromFloat(p.MaxRiskPerTradePercent)).
		Div(hundred).
		Float64()
	return amount
}

// SizePosition 按风险金额计算数量：quantity × stopDistance ≈ capital × maxRisk%。
// 数量向下截断，实际风险不会超过上限。
func SizePosition(capital float64, p model.RiskProfile, entryPrice, stopDistance float64) (float64, error) {
	if stopDistance <= 0 {
		return 0, fmt.Errorf("%w: stop distance must be positive, got %v", domain.ErrInvalidRiskParameters, stopDistance)
	}
	if entryPrice <= 0 {
		return 0, fmt.Errorf("%w: entry price must be positive, got %v", domain.ErrInvalidRiskParameters, entryPrice)
	}
	if capital <= 0 {
		return 0, fmt.Errorf("%w: capital must be positive, got %v", domain.ErrInvalidRiskParameters, capital)
	}
	if p.MaxRiskPerTradePercent <= 0 || p.MaxRiskPerTradePercent > 100 {
		return 0, fmt.Errorf("%w: max risk per trade must be within (0,100]", domain.ErrInvalidRiskParameters)
	}

	qty, _ := decimal.NewFromFloat(capital).
		Mul(decimal.NewFromFloat(p.MaxRiskPerTradePercent)).
		Div(hundred).
		Div(decimal.NewFromFloat(stopDistance)).
		Truncate(QuantityPrecision).
		Float64()
	return qty, nil
}

// ComputeStopTake 根据入场价与方向计算止损止盈
func ComputeStopTake(entryPrice float64, side model.Side, p model.RiskProfile) StopTake {
	entry := decimal.NewFromFloat(entryPrice)
	sign := decimal.NewFromFloat(side.Sign())

	stopOffset := entry.Mul(decimal.NewFromFloat(p.StopLossPercent)).Div(hundred)
	stop := entry.Sub(stopOffset.Mul(sign)).Round(QuantityPrecision)

	var take decimal.Decimal
	if p.TakeProfitPercent > 0 {
		takeOffset := entry.Mul(decimal.NewFromFloat(p.TakeProfitPercent)).Div(hundred)
		take = entry.Add(takeOffset.Mul(sign)).Round(QuantityPrecision)
	}

	stopF, _ := stop.Float64()
	takeF, _ := take.Float64()
	distF, _ := stopOffset.Round(QuantityPrecision).Float64()
	return StopTake{StopLoss: stopF, TakeProfit: takeF, StopDistance: distF}
}

// Drawdown 当前相对峰值的回撤百分比
func Drawdown(s SessionState) float64 {
	if s.PeakEquity <= 0 || s.Equity >= s.PeakEquity {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity * 100
}

// CanOpenPosition 判断是否允许再开一个新仓
func CanOpenPosition(s SessionState, p model.RiskProfile) Decision {
	if err := ValidateProfile(p); err != nil {
		return deny(ReasonInvalidProfile)
	}
	if s.Halted {
		return deny(ReasonHalted)
	}
	if Drawdown(s) >= p.MaxDrawdownPercent {
		return deny(ReasonMaxDrawdown)
	}
	if s.OpenPositions >= p.MaxConcurrentPositions {
		return deny(ReasonMaxPositions)
	}
	if p.DailyLossLimitPercent > 0 && s.DayStartEquity > 0 {
		dailyLoss := (s.DayStartEquity - s.Equity) / s.DayStartEquity * 100
		if dailyLoss >= p.DailyLossLimitPercent {
			return deny(ReasonDailyLoss)
		}
	}

	// 所有未平仓风险 + 新仓风险不得超过剩余回撤额度
	if !WithinRiskBudget(s, p, RiskAmount(s.Equity, p)) {
		return deny(ReasonRiskBudget)
	}
	return allow()
}

// RiskBudget 回撤上限内还能承担的亏损总额，包含已开仓位的风险
func RiskBudget(s SessionState, p model.RiskProfile) float64 {
	return s.PeakEquity*p.MaxDrawdownPercent/100 - (s.PeakEquity - s.Equity)
}

// WithinRiskBudget 新增 extra 风险后是否仍在回撤额度内
func WithinRiskBudget(s SessionState, p model.RiskProfile, extra float64) bool {
	return s.OpenRisk+extra <= RiskBudget(s, p)+1e-9
}

// CanContinueTrading 回撤未触及上限时返回 true
func CanContinueTrading(s SessionState, p model.RiskProfile) bool {
	if s.Halted {
		return false
	}
	return Drawdown(s) < p.MaxDrawdownPercent
}

// MarginRequired 杠杆只影响保证金占用，不影响风险金额
func MarginRequired(qty, price, leverage float64) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	return qty * price / leverage
}

// CapToMargin 把数量限制在可用保证金之内
func CapToMargin(qty, price, leverage, available float64) float64 {
	if price <= 0 || available <= 0 {
		return 0
	}
	if leverage <= 0 {
		leverage = 1
	}
	if MarginRequired(qty, price, leverage) <= available {
		return qty
	}
	capped, _ := decimal.NewFromFloat(available).
		Mul(decimal.NewFromFloat(leverage)).
		Div(decimal.NewFromFloat(price)).
		Truncate(QuantityPrecision).
		Float64()
	return capped
}
