package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RiskProfile 风控参数，百分比字段以 0-100 表示
type RiskProfile struct {
	ID                     string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID                string    `gorm:"index" json:"owner_id"`
	Name                   string    `json:"name"`
	MaxRiskPerTradePercent float64   `json:"max_risk_per_trade_percent"`
	MaxDrawdownPercent     float64   `json:"max_drawdown_percent"`
	MaxConcurrentPositions int       `json:"max_concurrent_positions"`
	StopLossPercent        float64   `json:"stop_loss_percent"`
	TakeProfitPercent      float64   `json:"take_profit_percent"`
	DailyLossLimitPercent  float64   `json:"daily_loss_limit_percent"`
	Leverage               float64   `gorm:"default:1" json:"leverage"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (p *RiskProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// DefaultRiskProfile 未指定风控参数的策略使用的保守配置
func DefaultRiskProfile() RiskProfile {
	return RiskProfile{
		Name:                   "default",
		MaxRiskPerTradePercent: 1,
		MaxDrawdownPercent:     20,
		MaxConcurrentPositions: 1,
		StopLossPercent:        2,
		TakeProfitPercent:      4,
		DailyLossLimitPercent:  5,
		Leverage:               1,
	}
}
