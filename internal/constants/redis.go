package constants

// Redis 队列名称
const (
	// RedisQueueExecCommand Go → 执行网关 的指令队列
	RedisQueueExecCommand = "exec_cmd_queue"

	// RedisReplyPrefix 执行网关按请求回写的应答队列前缀，完整键为 前缀+RequestID
	RedisReplyPrefix = "exec_reply:"
)

// Redis Pub/Sub 频道
const (
	// RedisPubSubMarketPrefix 行情数据频道前缀，频道名形如 market.BTC_USDT
	RedisPubSubMarketPrefix = "market."
)
