package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BacktestStatus string

const (
	BacktestQueued    BacktestStatus = "queued"
	BacktestRunning   BacktestStatus = "running"
	BacktestCompleted BacktestStatus = "completed"
	BacktestFailed    BacktestStatus = "failed"
	BacktestCanceled  BacktestStatus = "canceled"
)

// Terminal 是否为终态
func (s BacktestStatus) Terminal() bool {
	return s == BacktestCompleted || s == BacktestFailed || s == BacktestCanceled
}

// EquityPoint 权益曲线上的一个点
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// BacktestResult 回测记录，completed 之后不可修改
type BacktestResult struct {
	ID             string                           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	StrategyID     string                           `gorm:"index;not null" json:"strategy_id"`
	Symbol         string                           `json:"symbol"`
	Timeframe      string                           `json:"timeframe"`
	StartAt        time.Time                        `json:"start_at"`
	EndAt          time.Time                        `json:"end_at"`
	InitialCapital float64                          `json:"initial_capital"`
	FinalCapital   float64                          `json:"final_capital"`
	Status         BacktestStatus                   `gorm:"type:varchar(16);index" json:"status"`
	Progress       float64                          `json:"progress"`
	Reason         string                           `json:"reason,omitempty"`
	EquityCurve    datatypes.JSONSlice[EquityPoint] `json:"equity_curve,omitempty"`
	TotalTrades    int                              `json:"total_trades"`
	WinRate        float64                          `json:"win_rate"`
	ProfitFactor   *float64                         `json:"profit_factor"`
	TotalReturn    float64                          `json:"total_return"`
	SharpeRatio    float64                          `json:"sharpe_ratio"`
	MaxDrawdown    float64                          `json:"max_drawdown"`
	MaxLossStreak  int                              `json:"max_loss_streak"`
	Trades         []TradeRecord                    `gorm:"foreignKey:BacktestID" json:"trades,omitempty"`
	StartedAt      *time.Time                       `json:"started_at,omitempty"`
	FinishedAt     *time.Time                       `json:"finished_at,omitempty"`
	CreatedAt      time.Time                        `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
}

func (b *BacktestResult) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = BacktestQueued
	}
	return nil
}

// Metrics 提取绩效快照
func (b *BacktestResult) Metrics() MetricSnapshot {
	return MetricSnapshot{
		Trades:       b.TotalTrades,
		WinRate:      b.WinRate,
		ProfitFactor: b.ProfitFactor,
		TotalReturn:  b.TotalReturn,
		SharpeRatio:  b.SharpeRatio,
		MaxDrawdown:  b.MaxDrawdown,
		// 回测覆盖整段区间，任何一段连续亏损都会触发熔断
		ConsecutiveLosses: b.MaxLossStreak,
	}
}
