package engine

import (
	"context"
	"sync"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
)

// Upstream 行情源的按需订阅，第一个订阅者到来和最后一个离开时调用
type Upstream interface {
	SubscribeMarket(ctx context.Context, symbol string) error
	UnsubscribeMarket(ctx context.Context, symbol string) error
}

type subscriber struct {
	ch   chan model.Tick
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// FeedHub 按标的把实时行情扇出给各会话，实现 domain.FeedSource
type FeedHub struct {
	upstream Upstream // 可选
	buffer   int
	log      *logger.Logger

	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	last   map[string]model.Tick
	closed bool
}

func NewFeedHub(upstream Upstream, buffer int, log *logger.Logger) *FeedHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &FeedHub{
		upstream: upstream,
		buffer:   buffer,
		log:      log.With(logger.Component("feed_hub")),
		subs:     make(map[string]map[*subscriber]struct{}),
		last:     make(map[string]model.Tick),
	}
}

// Subscribe 返回的取消函数可重复调用；Hub 关闭时通道被关闭
func (h *FeedHub) Subscribe(ctx context.Context, symbol string) (<-chan model.Tick, func(), error) {
	sub := &subscriber{ch: make(chan model.Tick, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, domain.ErrFeedClosed
	}
	set, ok := h.subs[symbol]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[symbol] = set
	}
	set[sub] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	if first && h.upstream != nil {
		if err := h.upstream.SubscribeMarket(ctx, symbol); err != nil {
			h.log.Warn("upstream subscribe failed", logger.String("symbol", symbol), logger.Error(err))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(symbol, sub) })
	}
	return sub.ch, cancel, nil
}

func (h *FeedHub) remove(symbol string, sub *subscriber) {
	h.mu.Lock()
	set := h.subs[symbol]
	_, present := set[sub]
	delete(set, sub)
	last := present && len(set) == 0
	if last {
		delete(h.subs, symbol)
	}
	h.mu.Unlock()

	sub.close()
	if last && h.upstream != nil {
		if err := h.upstream.UnsubscribeMarket(context.Background(), symbol); err != nil {
			h.log.Warn("upstream unsubscribe failed", logger.String("symbol", symbol), logger.Error(err))
		}
	}
}

// OnTick 非阻塞投递，慢消费者丢弃本次行情
func (h *FeedHub) OnTick(t model.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last[t.Symbol] = t
	for sub := range h.subs[t.Symbol] {
		select {
		case sub.ch <- t:
		default:
			h.log.Debug("subscriber buffer full, dropping tick", logger.String("symbol", t.Symbol))
		}
	}
}

// Last 最近一次收到的行情
func (h *FeedHub) Last(symbol string) (model.Tick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.last[symbol]
	return t, ok
}

// ActiveSymbols 当前有订阅者的标的
func (h *FeedHub) ActiveSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	symbols := make([]string, 0, len(h.subs))
	for sym := range h.subs {
		symbols = append(symbols, sym)
	}
	return symbols
}

// Close 关闭所有订阅通道，会话据此以 ErrFeedClosed 退出
func (h *FeedHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]map[*subscriber]struct{})
	h.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.close()
		}
	}
}

var _ domain.FeedSource = (*FeedHub)(nil)
