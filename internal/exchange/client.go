// Package exchange 通过 Redis 队列与外部执行网关通信。
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
)

// defaultReplyTimeout ctx 没有截止时间时等待应答的上限
const defaultReplyTimeout = 5 * time.Second

// Client 把订单指令推入 exec_cmd_queue，并在 exec_reply:<RequestID> 上阻塞等待应答
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

func NewClient(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{rdb: rdb, log: log.With(logger.Component("exchange"))}
}

// SendCommand 推送一条指令
func (c *Client) SendCommand(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := c.rdb.LPush(ctx, constants.RedisQueueExecCommand, data).Err(); err != nil {
		return fmt.Errorf("failed to push command to redis: %w", err)
	}
	return nil
}

// request 发送指令并等待对应的应答
func (c *Client) request(ctx context.Context, cmd Command) (*Reply, error) {
	if err := c.SendCommand(ctx, cmd); err != nil {
		return nil, err
	}

	wait := defaultReplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		return nil, context.DeadlineExceeded
	}

	key := constants.RedisReplyPrefix + cmd.RequestID
	val, err := c.rdb.BRPop(ctx, wait, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("no reply for %s within %s", cmd.RequestID, wait)
		}
		return nil, fmt.Errorf("wait reply %s: %w", cmd.RequestID, err)
	}

	// val[0] 是键名，val[1] 是 JSON 数据
	var reply Reply
	if err := json.Unmarshal([]byte(val[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if reply.RequestID != "" && reply.RequestID != cmd.RequestID {
		return nil, fmt.Errorf("reply for %s arrived on %s", reply.RequestID, key)
	}
	return &reply, nil
}

// PlaceOrder 下单。网关拒绝时 ErrorMsg 非空，由调用方决定是否重试
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderAck, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	reply, err := c.request(ctx, Command{
		Type:      CmdInsertOrder,
		RequestID: req.ClientOrderID,
		Payload:   req,
	})
	if err != nil {
		return nil, err
	}

	ack := &domain.OrderAck{
		OrderID:   reply.OrderID,
		Status:    reply.Status,
		FilledQty: reply.FilledQty,
		AvgPrice:  reply.AvgPrice,
		ErrorMsg:  reply.ErrorMsg,
	}
	if reply.Type == ReplyError && ack.ErrorMsg == "" {
		ack.ErrorMsg = "order rejected"
	}
	c.log.Debug("order acknowledged",
		logger.String("client_order_id", req.ClientOrderID),
		logger.String("order_id", ack.OrderID),
		logger.String("status", ack.Status))
	return ack, nil
}

// CancelOrder 撤单，网关按订单号或 ClientOrderID 匹配
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	reply, err := c.request(ctx, Command{
		Type:      CmdCancelOrder,
		RequestID: "cancel-" + orderID,
		Payload:   map[string]interface{}{"OrderID": orderID, "ClientOrderID": orderID},
	})
	if err != nil {
		return err
	}
	if reply.Type == ReplyError || reply.ErrorMsg != "" {
		return fmt.Errorf("%w: cancel %s: %s", domain.ErrExecutionFailure, orderID, reply.ErrorMsg)
	}
	return nil
}

// SubscribeMarket 请求网关开始发布 market.<symbol>，不等待应答
func (c *Client) SubscribeMarket(ctx context.Context, symbol string) error {
	return c.SendCommand(ctx, Command{
		Type:      CmdSubscribe,
		RequestID: fmt.Sprintf("sub-%s-%s", symbol, time.Now().UTC().Format("20060102150405")),
		Payload:   map[string]interface{}{"Symbol": symbol},
	})
}

// UnsubscribeMarket 最后一个订阅者离开后通知网关
func (c *Client) UnsubscribeMarket(ctx context.Context, symbol string) error {
	return c.SendCommand(ctx, Command{
		Type:      CmdUnsubscribe,
		RequestID: fmt.Sprintf("unsub-%s-%s", symbol, time.Now().UTC().Format("20060102150405")),
		Payload:   map[string]interface{}{"Symbol": symbol},
	})
}

var _ domain.ExecutionGateway = (*Client)(nil)
