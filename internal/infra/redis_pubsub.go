package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
)

// tickPayload 行情频道上的消息体，价格可以是数字或字符串
type tickPayload struct {
	Price  json.Number `json:"price"`
	Volume json.Number `json:"volume"`
	Time   int64       `json:"time"` // 毫秒时间戳，0 表示使用接收时间
}

// MarketSubscriber 订阅 market.* 频道，把解析后的 Tick 交给分发器
type MarketSubscriber struct {
	rdb  *redis.Client
	out  chan<- model.Tick
	log  *logger.Logger
	now  func() time.Time
	done chan struct{}
}

func NewMarketSubscriber(rdb *redis.Client, out chan<- model.Tick, log *logger.Logger) *MarketSubscriber {
	return &MarketSubscriber{
		rdb:  rdb,
		out:  out,
		log:  log.With(logger.Component("market_subscriber")),
		now:  func() time.Time { return time.Now().UTC() },
		done: make(chan struct{}),
	}
}

// Start 确认订阅成功后在后台循环，ctx 取消时退出
func (s *MarketSubscriber) Start(ctx context.Context) error {
	pubsub := s.rdb.PSubscribe(ctx, constants.RedisPubSubMarketPrefix+"*")

	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe market data: %w", err)
	}

	ch := pubsub.Channel()
	go func() {
		defer close(s.done)
		defer pubsub.Close()
		s.log.Info("market data subscriber started")
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				symbol := strings.TrimPrefix(msg.Channel, constants.RedisPubSubMarketPrefix)
				tick, err := s.decode(symbol, msg.Payload)
				if err != nil {
					s.log.Debug("dropping malformed tick", logger.String("symbol", symbol), logger.Error(err))
					continue
				}
				select {
				case s.out <- tick:
				default:
					s.log.Warn("tick channel full, dropping message", logger.String("symbol", symbol))
				}
			}
		}
	}()
	return nil
}

// Done 订阅循环退出后关闭
func (s *MarketSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *MarketSubscriber) decode(symbol, payload string) (model.Tick, error) {
	return DecodeTick(symbol, payload, s.now())
}

// DecodeTick 解析行情消息，支持 JSON 对象或单个价格
func DecodeTick(symbol, payload string, received time.Time) (model.Tick, error) {
	tick := model.Tick{Symbol: symbol, Time: received}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return tick, fmt.Errorf("empty payload")
	}

	if !strings.HasPrefix(payload, "{") {
		price, err := decimal.NewFromString(payload)
		if err != nil {
			return tick, fmt.Errorf("parse price: %w", err)
		}
		tick.Price = price.InexactFloat64()
	} else {
		var p tickPayload
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&p); err != nil {
			return tick, fmt.Errorf("decode tick: %w", err)
		}
		price, err := decimal.NewFromString(p.Price.String())
		if err != nil {
			return tick, fmt.Errorf("parse price: %w", err)
		}
		tick.Price = price.InexactFloat64()
		if p.Volume != "" {
			if vol, err := decimal.NewFromString(p.Volume.String()); err == nil {
				tick.Volume = vol.InexactFloat64()
			}
		}
		if p.Time > 0 {
			tick.Time = time.UnixMilli(p.Time).UTC()
		}
	}

	if tick.Price <= 0 {
		return tick, fmt.Errorf("non-positive price %v", tick.Price)
	}
	return tick, nil
}
