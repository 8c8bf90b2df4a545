package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polytrade.com/internal/logger"
)

// Event 系统内流转的事件
type Event struct {
	Type      string                 // 事件类型
	Source    string                 // 事件来源
	Key       string                 // 分区键，通常是策略或会话 ID
	Data      interface{}            // 事件数据
	Metadata  map[string]interface{} // 元数据
	Timestamp time.Time              // 时间戳
}

// Handler 事件处理函数
type Handler func(ctx context.Context, event Event) error

// Publisher 只需要发布能力的组件依赖这个接口
type Publisher interface {
	Publish(event Event)
}

// Bus 事件总线，会话、生命周期与外部转发之间解耦
type Bus struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	log      *logger.Logger

	// 异步处理的缓冲通道
	eventChan chan Event
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// NewBus 创建新的事件总线
func NewBus(bufferSize int, log *logger.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())

	bus := &Bus{
		handlers:  make(map[string][]Handler),
		log:       log.With(logger.Component("event_bus")),
		eventChan: make(chan Event, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	bus.wg.Add(1)
	go bus.processEvents()

	return bus
}

// Subscribe 订阅事件类型
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.log.Debug("subscribed", logger.String("type", eventType))
}

// Publish 发布事件（异步），通道已满时丢弃
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
		b.log.Warn("event channel full, dropping event", logger.String("type", event.Type))
	}
}

func (b *Bus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.eventChan:
			if err := b.dispatch(b.ctx, event); err != nil {
				b.log.Error("failed to process event", logger.String("type", event.Type), logger.Error(err))
			}
		case <-b.ctx.Done():
			b.drain()
			return
		}
	}
}

// drain 关闭时处理已入队的事件，保证外部转发不丢失
func (b *Bus) drain() {
	for {
		select {
		case event := <-b.eventChan:
			if err := b.dispatch(context.Background(), event); err != nil {
				b.log.Error("failed to process event", logger.String("type", event.Type), logger.Error(err))
			}
		default:
			return
		}
	}
}

// dispatch 并发执行所有订阅者，单个处理器 panic 不影响其他处理器
func (b *Bus) dispatch(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errChan <- fmt.Errorf("handler panic: %v", r)
				}
			}()
			if err := h(ctx, event); err != nil {
				errChan <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errChan)

	failed := 0
	for err := range errChan {
		failed++
		b.log.Warn("handler error", logger.String("type", event.Type), logger.Error(err))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d handlers failed for %s", failed, len(handlers), event.Type)
	}
	return nil
}

// Shutdown 关闭事件总线，已入队的事件处理完后返回
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.log.Info("event bus stopped")
}
