package exchange

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
)

// 需要真实 Redis：POLYTRADE_TEST_REDIS=localhost:6379
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("POLYTRADE_TEST_REDIS")
	if addr == "" {
		t.Skip("POLYTRADE_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	require.NoError(t, rdb.Del(context.Background(), constants.RedisQueueExecCommand).Err())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// fakeGateway 模拟执行网关：取出一条指令并按 reply 应答
func fakeGateway(t *testing.T, rdb *redis.Client, reply func(Command) Reply) {
	go func() {
		val, err := rdb.BRPop(context.Background(), 3*time.Second, constants.RedisQueueExecCommand).Result()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal([]byte(val[1]), &cmd); err != nil {
			return
		}
		data, _ := json.Marshal(reply(cmd))
		rdb.LPush(context.Background(), constants.RedisReplyPrefix+cmd.RequestID, data)
	}()
}

func TestPlaceOrderRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	c := NewClient(rdb, logger.Nop())

	fakeGateway(t, rdb, func(cmd Command) Reply {
		return Reply{Type: ReplyOrderAck, RequestID: cmd.RequestID, OrderID: "ex-1", Status: "filled", FilledQty: 0.2, AvgPrice: 50010}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := c.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC_USDT", Side: "buy", Quantity: 0.2, Price: 50000})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", ack.OrderID)
	assert.Equal(t, 0.2, ack.FilledQty)
	assert.Equal(t, 50010.0, ack.AvgPrice)
	assert.Empty(t, ack.ErrorMsg)
}

func TestPlaceOrderRejected(t *testing.T) {
	rdb := testRedis(t)
	c := NewClient(rdb, logger.Nop())

	fakeGateway(t, rdb, func(cmd Command) Reply {
		return Reply{Type: ReplyError, RequestID: cmd.RequestID}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := c.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC_USDT", Side: "sell", Quantity: 1, Price: 1})
	require.NoError(t, err)
	assert.Equal(t, "order rejected", ack.ErrorMsg)
}

func TestPlaceOrderTimesOut(t *testing.T) {
	rdb := testRedis(t)
	c := NewClient(rdb, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC_USDT", Side: "buy", Quantity: 1, Price: 1})
	assert.Error(t, err)
}

func TestCancelOrderByClientOrderID(t *testing.T) {
	rdb := testRedis(t)
	c := NewClient(rdb, logger.Nop())

	got := make(chan Command, 1)
	fakeGateway(t, rdb, func(cmd Command) Reply {
		got <- cmd
		return Reply{Type: ReplyOrderAck, RequestID: cmd.RequestID, Status: "canceled"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.CancelOrder(ctx, "cid-1"))

	cmd := <-got
	assert.Equal(t, CmdCancelOrder, cmd.Type)
	assert.Equal(t, "cancel-cid-1", cmd.RequestID)
	payload, ok := cmd.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cid-1", payload["ClientOrderID"])
}
