package constants

// 事件总线上的事件类型
const (
	// 生命周期事件
	EventStrategyCreated    = "strategy.created"
	EventStrategyTransition = "strategy.transition"
	EventStrategyEvaluated  = "strategy.evaluated"

	// 回测事件
	EventBacktestCompleted = "backtest.completed"
	EventBacktestFailed    = "backtest.failed"

	// 会话事件
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionCrashed = "session.crashed"
	EventSessionReason  = "session.reason"

	// 成交事件
	EventTradeClosed = "trade.closed"
)

// AllEvents 需要转发到外部消息系统的事件
var AllEvents = []string{
	EventStrategyCreated,
	EventStrategyTransition,
	EventBacktestCompleted,
	EventBacktestFailed,
	EventSessionStarted,
	EventSessionStopped,
	EventSessionCrashed,
	EventSessionReason,
	EventTradeClosed,
}
