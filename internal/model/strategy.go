package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stage 策略所处的生命周期阶段
type Stage string

const (
	StageGenerated  Stage = "GENERATED"
	StageBacktested Stage = "BACKTESTED"
	StagePaper      Stage = "PAPER"
	StageLive       Stage = "LIVE"
	StageRetired    Stage = "RETIRED"
)

// stageEdges 合法的阶段迁移，RETIRED 没有出边
var stageEdges = map[Stage][]Stage{
	StageGenerated:  {StageBacktested, StageRetired},
	StageBacktested: {StagePaper, StageRetired},
	StagePaper:      {StageLive, StageRetired},
	StageLive:       {StageRetired},
}

// CanTransitionTo 判断是否允许从当前阶段迁移到 to
func (s Stage) CanTransitionTo(to Stage) bool {
	for _, next := range stageEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Stage) Valid() bool {
	switch s {
	case StageGenerated, StageBacktested, StagePaper, StageLive, StageRetired:
		return true
	}
	return false
}

// StrategyDefinition 策略定义，Rules 为规则树 JSON
type StrategyDefinition struct {
	ID                  string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID             string         `gorm:"index" json:"owner_id"`
	Name                string         `json:"name"`
	Symbol              string         `gorm:"index" json:"symbol"`
	Timeframe           string         `json:"timeframe"`
	Version             int            `gorm:"default:1" json:"version"`
	Rules               datatypes.JSON `json:"rules"`
	Stage               Stage          `gorm:"type:varchar(16);index" json:"stage"`
	RiskProfileID       string         `gorm:"index" json:"risk_profile_id"`
	EvaluatedBacktestID string         `json:"evaluated_backtest_id,omitempty"`
	StageChangedAt      time.Time      `json:"stage_changed_at"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (s *StrategyDefinition) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Stage == "" {
		s.Stage = StageGenerated
	}
	if s.StageChangedAt.IsZero() {
		s.StageChangedAt = time.Now().UTC()
	}
	return nil
}

// MetricSnapshot 迁移时刻的绩效快照
type MetricSnapshot struct {
	Trades            int      `json:"trades"`
	WinRate           float64  `json:"win_rate"`
	ProfitFactor      *float64 `json:"profit_factor"`
	TotalReturn       float64  `json:"total_return"`
	SharpeRatio       float64  `json:"sharpe_ratio"`
	MaxDrawdown       float64  `json:"max_drawdown"`
	ConsecutiveLosses int      `json:"consecutive_losses"`
}

// LifecycleEvent 阶段迁移或评估记录，From == To 表示未迁移但写入了原因
type LifecycleEvent struct {
	ID         uint                               `gorm:"primaryKey" json:"id"`
	StrategyID string                             `gorm:"index;not null" json:"strategy_id"`
	From       Stage                              `gorm:"type:varchar(16)" json:"from"`
	To         Stage                              `gorm:"type:varchar(16)" json:"to"`
	Reason     string                             `json:"reason"`
	Metrics    datatypes.JSONType[MetricSnapshot] `json:"metrics"`
	CreatedAt  time.Time                          `gorm:"index" json:"created_at"`
}

// Transitioned 是否为一次实际的阶段迁移
func (e LifecycleEvent) Transitioned() bool {
	return e.From != e.To
}
