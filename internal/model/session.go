package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionMode 会话的成交方式
type SessionMode string

const (
	ModeBacktest SessionMode = "backtest"
	ModePaper    SessionMode = "paper"
	ModeLive     SessionMode = "live"
)

// RunMode 调度器的启动策略
type RunMode string

const (
	RunNever  RunMode = "never"  // 仅在显式启动时运行
	RunManual RunMode = "manual" // 跟随用户激活状态
	RunAlways RunMode = "always" // 常驻运行
)

// DesiredState 用户显式的启停意图，auto 表示交由 RunMode 决定
type DesiredState string

const (
	DesiredAuto    DesiredState = "auto"
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// SessionState 会话健康状态
type SessionState string

const (
	SessionStopped  SessionState = "stopped"
	SessionStarting SessionState = "starting"
	SessionRunning  SessionState = "running"
	SessionStale    SessionState = "stale"
	SessionDegraded SessionState = "degraded"
	SessionHalted   SessionState = "halted"
	SessionCrashed  SessionState = "crashed"
	SessionClosed   SessionState = "closed" // 策略已退役，不再调度
)

// Position 会话中的未平仓头寸
type Position struct {
	ID         string    `json:"id"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	RiskAmount float64   `json:"risk_amount"`
	EntryFee   float64   `json:"entry_fee"`
	EntryTime  time.Time `json:"entry_time"`
}

// UnrealizedPnL 按 price 计算的浮动盈亏
func (p Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// AgentSession 一个模拟或实盘会话的持久化状态，重启时完全依赖此记录恢复
type AgentSession struct {
	ID             string                          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	StrategyID     string                          `gorm:"index;not null" json:"strategy_id"`
	UserID         string                          `gorm:"index" json:"user_id"`
	Symbol         string                          `json:"symbol"`
	Timeframe      string                          `json:"timeframe"`
	Mode           SessionMode                     `gorm:"type:varchar(16)" json:"mode"`
	RunMode        RunMode                         `gorm:"type:varchar(16)" json:"run_mode"`
	Desired        DesiredState                    `gorm:"type:varchar(16)" json:"desired"`
	State          SessionState                    `gorm:"type:varchar(16);index" json:"state"`
	InitialCapital float64                         `json:"initial_capital"`
	CurrentCapital float64                         `json:"current_capital"`
	RealizedPnL    float64                         `json:"realized_pnl"`
	UnrealizedPnL  float64                         `json:"unrealized_pnl"`
	PeakEquity     float64                         `json:"peak_equity"`
	DayStartEquity float64                         `json:"day_start_equity"`
	DayStart       time.Time                       `json:"day_start"`
	Positions      datatypes.JSONSlice[Position]   `json:"positions"`
	RiskSnapshot   datatypes.JSONType[RiskProfile] `json:"risk_snapshot"`
	LastReason     string                          `json:"last_reason,omitempty"`
	HeartbeatAt    *time.Time                      `json:"heartbeat_at,omitempty"`
	StartedAt      *time.Time                      `json:"started_at,omitempty"`
	StoppedAt      *time.Time                      `json:"stopped_at,omitempty"`
	CreatedAt      time.Time                       `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}

func (s *AgentSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.State == "" {
		s.State = SessionStopped
	}
	if s.Desired == "" {
		s.Desired = DesiredAuto
	}
	if s.CurrentCapital == 0 {
		s.CurrentCapital = s.InitialCapital
	}
	if s.PeakEquity == 0 {
		s.PeakEquity = s.InitialCapital
	}
	return nil
}

// Equity 已实现资金加浮动盈亏
func (s *AgentSession) Equity() float64 {
	return s.CurrentCapital + s.UnrealizedPnL
}

// SessionEvent 会话历史中的原因码记录
type SessionEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 会话历史原因码
const (
	ReasonSessionStarted  = "session_started"
	ReasonSessionStopped  = "session_stopped"
	ReasonSessionCrashed  = "session_crashed"
	ReasonSessionStalled  = "session_stalled"
	ReasonSessionRestart  = "session_restarted"
	ReasonSessionCeiling  = "session_ceiling"
	ReasonFeedStale       = "feed_stale"
	ReasonFeedResumed     = "feed_resumed"
	ReasonRiskRejected    = "risk_rejected"
	ReasonExecutionFailed = "execution_failed"
	ReasonDrawdownHalt    = "max_drawdown_halt"
	ReasonPersistFailed   = "persist_failed"
	ReasonStrategyRetired = "strategy_retired"
)
