package infra

import (
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
)

// TickHandler 需要实时行情的组件
type TickHandler interface {
	OnTick(tick model.Tick)
}

// TickHandlerFunc 函数形式的 TickHandler
type TickHandlerFunc func(tick model.Tick)

func (f TickHandlerFunc) OnTick(tick model.Tick) { f(tick) }

// MarketDataDispatcher 把 Redis 行情按顺序分发给各消费者
type MarketDataDispatcher struct {
	in       <-chan model.Tick
	handlers []TickHandler
	log      *logger.Logger
}

func NewMarketDataDispatcher(in <-chan model.Tick, log *logger.Logger, handlers ...TickHandler) *MarketDataDispatcher {
	return &MarketDataDispatcher{
		in:       in,
		handlers: handlers,
		log:      log.With(logger.Component("dispatcher")),
	}
}

// Start 阻塞直到输入通道关闭，应在独立 goroutine 中运行
func (d *MarketDataDispatcher) Start() {
	d.log.Info("dispatcher started", logger.Int("handlers", len(d.handlers)))
	for tick := range d.in {
		for _, h := range d.handlers {
			d.safeCall(h, tick)
		}
	}
	d.log.Info("tick channel closed, dispatcher stopping")
}

// safeCall 单个消费者 panic 不影响分发
func (d *MarketDataDispatcher) safeCall(h TickHandler, tick model.Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in tick handler", logger.String("symbol", tick.Symbol), logger.Any("panic", r))
		}
	}()
	h.OnTick(tick)
}
