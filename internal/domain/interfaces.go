package domain

import (
	"context"
	"encoding/json"
	"time"

	"polytrade.com/internal/model"
)

// ===========================
// 持久化接口
// ===========================

// StrategyStore 策略定义与生命周期历史
type StrategyStore interface {
	CreateStrategy(ctx context.Context, def *model.StrategyDefinition) error
	GetStrategy(ctx context.Context, id string) (*model.StrategyDefinition, error)
	ListStrategies(ctx context.Context, ownerID string, page, pageSize int) ([]model.StrategyDefinition, int64, error)
	// 按阶段列出策略，按创建时间升序
	ListStrategiesByStage(ctx context.Context, stages ...model.Stage) ([]model.StrategyDefinition, error)
	// 写入生命周期事件；From != To 时以 stage = From 为条件原子更新阶段，条件不满足返回 ErrStageConflict
	RecordLifecycleEvent(ctx context.Context, ev *model.LifecycleEvent, evaluatedBacktestID string) error
	LifecycleHistory(ctx context.Context, strategyID string) ([]model.LifecycleEvent, error)
}

// RiskProfileStore 风控参数
type RiskProfileStore interface {
	CreateRiskProfile(ctx context.Context, p *model.RiskProfile) error
	GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error)
	UpdateRiskProfile(ctx context.Context, p *model.RiskProfile) error
}

// BacktestStore 回测记录，completed 后不可修改
type BacktestStore interface {
	CreateBacktest(ctx context.Context, b *model.BacktestResult) error
	GetBacktest(ctx context.Context, id string) (*model.BacktestResult, error)
	LatestBacktest(ctx context.Context, strategyID string) (*model.BacktestResult, error)
	MarkBacktestRunning(ctx context.Context, id string, at time.Time) error
	UpdateBacktestProgress(ctx context.Context, id string, progress float64) error
	// 仅当记录仍为 running 时写入完整结果与成交
	CompleteBacktest(ctx context.Context, b *model.BacktestResult) error
	FinishBacktest(ctx context.Context, id string, status model.BacktestStatus, reason string) error
	// 进程重启时把遗留的 queued/running 记录置为失败
	FailInterruptedBacktests(ctx context.Context) (int64, error)
}

// SessionStore 会话状态与历史
type SessionStore interface {
	CreateSession(ctx context.Context, s *model.AgentSession) error
	GetSession(ctx context.Context, id string) (*model.AgentSession, error)
	ListSupervisedSessions(ctx context.Context) ([]model.AgentSession, error)
	ListSessionsByStrategy(ctx context.Context, strategyID string) ([]model.AgentSession, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]model.AgentSession, error)
	// 保存运行时字段（资金、持仓、健康状态），不覆盖 Desired
	SaveSessionState(ctx context.Context, s *model.AgentSession) error
	UpdateSessionState(ctx context.Context, id string, state model.SessionState, reason string) error
	SetSessionDesired(ctx context.Context, id string, desired model.DesiredState) error
	AppendSessionEvent(ctx context.Context, ev *model.SessionEvent) error
	SessionHistory(ctx context.Context, sessionID string) ([]model.SessionEvent, error)
}

// TradeStore 成交记录
type TradeStore interface {
	SaveTrade(ctx context.Context, t *model.TradeRecord) error
	// 按平仓时间升序返回某策略在某模式下 since 之后的成交
	ListTradesByStrategy(ctx context.Context, strategyID string, mode model.SessionMode, since time.Time) ([]model.TradeRecord, error)
	ListTradesBySession(ctx context.Context, sessionID string) ([]model.TradeRecord, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SaveUser(ctx context.Context, u *model.User) error
}

// BarStore 历史 K 线
type BarStore interface {
	MarketDataSource
	SaveBars(ctx context.Context, bars []model.Bar) error
}

// Store 完整的持久化契约
type Store interface {
	StrategyStore
	RiskProfileStore
	BacktestStore
	SessionStore
	TradeStore
	UserStore
	BarStore
}

// ===========================
// 外部协作者接口
// ===========================

// MarketDataSource 提供按时间升序排列的历史 K 线
type MarketDataSource interface {
	Bars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]model.Bar, error)
}

// CandleSource 交易所历史 K 线接口，用于补齐本地行情库
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]model.Bar, error)
}

// FeedSource 实时行情订阅，返回的取消函数必须调用以释放订阅
type FeedSource interface {
	Subscribe(ctx context.Context, symbol string) (<-chan model.Tick, func(), error)
}

// OrderRequest 发往执行网关的订单
type OrderRequest struct {
	ClientOrderID string            `json:"ClientOrderID"`
	SessionID     string            `json:"SessionID"`
	Symbol        string            `json:"Symbol"`
	Side          string            `json:"Side"` // buy / sell
	Quantity      float64           `json:"Quantity"`
	Price         float64           `json:"Price"` // 参考价，市价单时仅用于滑点校验
	ReduceOnly    bool              `json:"ReduceOnly"`
	Leverage      float64           `json:"Leverage"`
	Mode          model.SessionMode `json:"Mode"`
}

// OrderAck 执行网关的应答
type OrderAck struct {
	OrderID   string  `json:"OrderID"`
	Status    string  `json:"Status"`
	FilledQty float64 `json:"FilledQty"`
	AvgPrice  float64 `json:"AvgPrice"`
	ErrorMsg  string  `json:"ErrorMsg,omitempty"`
}

// ExecutionGateway 实盘下单通道，模拟会话不使用
type ExecutionGateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	// orderID 为网关订单号或下单时的 ClientOrderID
	CancelOrder(ctx context.Context, orderID string) error
}

// ProduceRequest 请求策略生成器产出一份规则
type ProduceRequest struct {
	UserID    string
	Symbol    string
	Timeframe string
}

// StrategyProducer 策略内容生成器，返回 nil 表示本轮不产出
type StrategyProducer interface {
	Produce(ctx context.Context, req ProduceRequest) (json.RawMessage, error)
}

// EventPublisher 外部事件发布
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload interface{}) error
	Close() error
}

// ===========================
// 组件间接口
// ===========================

// BacktestRequest 回测请求
type BacktestRequest struct {
	StrategyID string    `json:"StrategyID" validate:"required"`
	Symbol     string    `json:"Symbol"`
	Timeframe  string    `json:"Timeframe"`
	From       time.Time `json:"From" validate:"required"`
	To         time.Time `json:"To" validate:"required,gtfield=From"`
	Capital    float64   `json:"Capital" default:"10000" validate:"gt=0"`
}

// BacktestSubmitter 异步提交回测
type BacktestSubmitter interface {
	SubmitBacktest(ctx context.Context, req BacktestRequest) (*model.BacktestResult, error)
}

// SessionSupervisor 由调度器实现，供生命周期控制器与服务层启停会话
type SessionSupervisor interface {
	Launch(ctx context.Context, sessionID string)
	Halt(ctx context.Context, sessionID, reason string)
	// 运行中会话的实时快照
	Snapshot(sessionID string) (*model.AgentSession, bool)
}

// LifecycleEvaluator 由生命周期控制器实现，调度器每个周期调用
type LifecycleEvaluator interface {
	EvaluateAll(ctx context.Context) error
}

// ===========================
// 服务接口
// ===========================

// BacktestStatus 回测进度查询结果
type BacktestStatus struct {
	ID       string                `json:"ID"`
	Status   model.BacktestStatus  `json:"Status"`
	Progress float64               `json:"Progress"`
	Reason   string                `json:"Reason,omitempty"`
	Result   *model.BacktestResult `json:"Result,omitempty"`
}

type BacktestService interface {
	BacktestSubmitter
	RunBacktest(ctx context.Context, req BacktestRequest) (string, error)
	GetBacktestStatus(ctx context.Context, id string) (*BacktestStatus, error)
	CancelBacktest(ctx context.Context, id string) error
}

// StartSessionRequest 启动会话请求
type StartSessionRequest struct {
	StrategyID string            `json:"StrategyID" validate:"required"`
	UserID     string            `json:"UserID"`
	Symbol     string            `json:"Symbol"`
	Mode       model.SessionMode `json:"Mode" default:"paper" validate:"oneof=paper live"`
	RunMode    model.RunMode     `json:"RunMode" default:"never" validate:"oneof=never manual always"`
	Capital    float64           `json:"Capital" validate:"gte=0"`
}

// SessionStatus 会话状态查询结果
type SessionStatus struct {
	ID            string             `json:"ID"`
	StrategyID    string             `json:"StrategyID"`
	Mode          model.SessionMode  `json:"Mode"`
	State         model.SessionState `json:"State"`
	Running       bool               `json:"Running"`
	Capital       float64            `json:"Capital"`
	Equity        float64            `json:"Equity"`
	RealizedPnL   float64            `json:"RealizedPnL"`
	UnrealizedPnL float64            `json:"UnrealizedPnL"`
	Positions     []model.Position   `json:"Positions"`
	LastReason    string             `json:"LastReason,omitempty"`
}

type SessionService interface {
	StartSession(ctx context.Context, req StartSessionRequest) (string, error)
	StopSession(ctx context.Context, sessionID string) error
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	GetSessionHistory(ctx context.Context, sessionID string) ([]model.SessionEvent, error)
	ActivateUser(ctx context.Context, userID string, autoStart *bool) error
	DeactivateUser(ctx context.Context, userID string) error
}

type StrategyService interface {
	CreateStrategy(ctx context.Context, def *model.StrategyDefinition) error
	GetStrategy(ctx context.Context, id string) (*model.StrategyDefinition, error)
	ListStrategies(ctx context.Context, ownerID string, page, pageSize int) ([]model.StrategyDefinition, int64, error)
	RetireStrategy(ctx context.Context, id, note string) error
	GetLifecycleHistory(ctx context.Context, id string) ([]model.LifecycleEvent, error)
	CreateRiskProfile(ctx context.Context, p *model.RiskProfile) error
	UpdateRiskProfile(ctx context.Context, p *model.RiskProfile) error
}

// MarketService 历史行情同步
type MarketService interface {
	SyncBars(ctx context.Context, symbol, timeframe string, from, to time.Time) (int, error)
}
