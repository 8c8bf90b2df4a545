// Package engine 进程级协调：行情接入、事件转发与各后台组件的启停顺序。
package engine

import (
	"context"
	"fmt"
	"sync"

	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/infra"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
	"polytrade.com/internal/scheduler"
)

// BacktestRunner 回测服务的启停
type BacktestRunner interface {
	Recover(ctx context.Context) error
	Close()
}

type Deps struct {
	Hub        *FeedHub
	Subscriber *infra.MarketSubscriber // 为 nil 时不接入 Redis 行情
	Ticks      chan model.Tick         // Subscriber 的输出通道
	Scheduler  *scheduler.Scheduler
	Backtests  BacktestRunner
	Bus        *event.Bus
	Publisher  domain.EventPublisher // 可选，外部事件转发
	Log        *logger.Logger
}

// Engine 是一个轻量级协调器，负责：
// 1. 启动行情订阅与分发
// 2. 把总线事件转发到外部消息系统
// 3. 按依赖顺序启动和停止调度器、回测服务
type Engine struct {
	deps Deps
	log  *logger.Logger

	subscribed bool
	dispatched sync.WaitGroup
	stopOnce   sync.Once

	// 上下文控制
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(deps Deps) *Engine {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:   deps,
		log:    deps.Log.With(logger.Component("engine")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动引擎后台进程
func (e *Engine) Start() error {
	e.log.Info("engine starting")

	// 1. 上次进程遗留的回测不会再被执行
	if err := e.deps.Backtests.Recover(e.ctx); err != nil {
		return fmt.Errorf("recover backtests: %w", err)
	}

	// 2. 事件转发
	if e.deps.Publisher != nil {
		infra.ForwardEvents(e.deps.Bus, e.deps.Publisher, constants.AllEvents, e.deps.Log)
	}

	// 3. 行情订阅与分发
	if e.deps.Subscriber != nil {
		if err := e.deps.Subscriber.Start(e.ctx); err != nil {
			return err
		}
		e.subscribed = true

		dispatcher := infra.NewMarketDataDispatcher(e.deps.Ticks, e.deps.Log, e.deps.Hub)
		e.dispatched.Add(1)
		go func() {
			defer e.dispatched.Done()
			dispatcher.Start()
		}()
	}

	// 4. 调度器：立即从存储重建会话
	e.deps.Scheduler.Start()

	e.log.Info("engine started")
	return nil
}

// Stop 先停会话保存状态，再关闭行情与回测
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.log.Info("engine stopping")

		e.deps.Scheduler.Stop()
		e.cancel()

		if e.subscribed {
			<-e.deps.Subscriber.Done()
			close(e.deps.Ticks)
			e.dispatched.Wait()
		}
		e.deps.Hub.Close()
		e.deps.Backtests.Close()
		e.deps.Bus.Shutdown()

		if e.deps.Publisher != nil {
			if err := e.deps.Publisher.Close(); err != nil {
				e.log.Warn("failed to close event publisher", logger.Error(err))
			}
		}
		e.log.Info("engine stopped")
	})
}
