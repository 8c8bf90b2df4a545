package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
)

// envelope 写入 Kafka 的消息体
type envelope struct {
	Type      string      `json:"type"`
	Key       string      `json:"key"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// KafkaPublisher 实现 domain.EventPublisher，按 key 哈希分区保证同一策略/会话的事件有序
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

func NewKafkaPublisher(cfg config.KafkaConfig, log *logger.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Gzip,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		BatchTimeout:           100 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, log: log.With(logger.Component("kafka"))}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventType, key string, payload interface{}) error {
	value, err := json.Marshal(envelope{
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(eventType)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ForwardEvents 把总线上的指定事件转发给外部发布者
func ForwardEvents(bus *event.Bus, pub domain.EventPublisher, types []string, log *logger.Logger) {
	log = log.With(logger.Component("event_forwarder"))
	for _, t := range types {
		bus.Subscribe(t, func(ctx context.Context, ev event.Event) error {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := pub.Publish(ctx, ev.Type, ev.Key, ev.Data); err != nil {
				log.Warn("failed to forward event", logger.String("type", ev.Type), logger.String("key", ev.Key), logger.Error(err))
				return err
			}
			return nil
		})
	}
}

var _ domain.EventPublisher = (*KafkaPublisher)(nil)
