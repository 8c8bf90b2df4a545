package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign 多头为 +1，空头为 -1
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
)

// OutcomeOf 由已实现盈亏判定结果
func OutcomeOf(pnl float64) Outcome {
	switch {
	case pnl > 0:
		return OutcomeWin
	case pnl < 0:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}

// 平仓原因
const (
	ExitStopLoss    = "stop_loss"
	ExitTakeProfit  = "take_profit"
	ExitSignal      = "signal"
	ExitEndOfData   = "end_of_data"
	ExitSessionStop = "session_stop"
)

// TradeRecord 一笔完整的开平仓记录，SessionID 与 BacktestID 二选一
type TradeRecord struct {
	ID          string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID   string      `gorm:"index" json:"session_id,omitempty"`
	BacktestID  string      `gorm:"index" json:"backtest_id,omitempty"`
	StrategyID  string      `gorm:"index" json:"strategy_id"`
	Symbol      string      `json:"symbol"`
	Mode        SessionMode `gorm:"type:varchar(16)" json:"mode"`
	Side        Side        `gorm:"type:varchar(8)" json:"side"`
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	EntryTime   time.Time   `json:"entry_time"`
	ExitTime    time.Time   `gorm:"index" json:"exit_time"`
	Quantity    float64     `json:"quantity"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit  float64     `json:"take_profit"`
	RiskAmount  float64     `json:"risk_amount"`
	Fees        float64     `json:"fees"`
	RealizedPnL float64     `json:"realized_pnl"`
	Outcome     Outcome     `gorm:"type:varchar(16)" json:"outcome"`
	ExitReason  string      `json:"exit_reason"`
	CreatedAt   time.Time   `json:"-"`
}

func (t *TradeRecord) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
