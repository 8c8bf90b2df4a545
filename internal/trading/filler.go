package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
)

// Order 会话发出的开/平仓指令
type Order struct {
	SessionID  string
	Symbol     string
	Side       model.Side // 持仓方向
	Quantity   float64
	Price      float64 // 参考价
	ReduceOnly bool    // 平仓
	Leverage   float64
}

// Fill 成交回报
type Fill struct {
	OrderID  string
	Price    float64
	Quantity float64
}

// Filler 模拟与实盘会话唯一的区别
type Filler interface {
	Fill(ctx context.Context, o Order) (Fill, error)
}

// degradable 可报告降级状态的成交器
type degradable interface {
	Degraded() bool
}

// PaperFiller 按参考价立即全部成交
type PaperFiller struct{}

func (PaperFiller) Fill(_ context.Context, o Order) (Fill, error) {
	if o.Quantity <= 0 || o.Price <= 0 {
		return Fill{}, fmt.Errorf("%w: invalid paper order", domain.ErrExecutionFailure)
	}
	return Fill{OrderID: "paper-" + uuid.NewString(), Price: o.Price, Quantity: o.Quantity}, nil
}

// LiveFiller 通过执行网关下单，指数退避重试，熔断打开时直接失败
type LiveFiller struct {
	gateway domain.ExecutionGateway
	cfg     config.ExecutionConfig
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Recorder
	log     *logger.Logger
}

func NewLiveFiller(gateway domain.ExecutionGateway, cfg config.ExecutionConfig, rec *metrics.Recorder, log *logger.Logger) *LiveFiller {
	cfg = normalizeExecution(cfg)
	f := &LiveFiller{
		gateway: gateway,
		cfg:     cfg,
		metrics: rec,
		log:     log.With(logger.Component("live_filler")),
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "execution-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()))
		},
	})
	return f
}

// Degraded 熔断器打开期间为 true
func (f *LiveFiller) Degraded() bool {
	return f.breaker.State() == gobreaker.StateOpen
}

func (f *LiveFiller) Fill(ctx context.Context, o Order) (Fill, error) {
	req := domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		SessionID:     o.SessionID,
		Symbol:        o.Symbol,
		Side:          orderSide(o.Side, o.ReduceOnly),
		Quantity:      o.Quantity,
		Price:         o.Price,
		ReduceOnly:    o.ReduceOnly,
		Leverage:      o.Leverage,
		Mode:          model.ModeLive,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.RetryInitial
	b.MaxInterval = f.cfg.RetryMax

	// 超时或传输错误时订单可能已到达网关，放弃前需要撤单
	uncertain := false
	operation := func() (*domain.OrderAck, error) {
		res, err := f.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
			defer cancel()
			ack, err := f.gateway.PlaceOrder(callCtx, req)
			if err != nil {
				uncertain = true
				return nil, err
			}
			if ack.ErrorMsg != "" {
				return nil, fmt.Errorf("gateway rejected order: %s", ack.ErrorMsg)
			}
			return ack, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.metrics.ExecutionAttempt("rejected_open")
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			f.metrics.ExecutionAttempt("retry")
			return nil, err
		}
		f.metrics.ExecutionAttempt("ok")
		return res.(*domain.OrderAck), nil
	}

	tries := f.cfg.MaxRetries + 1
	ack, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	)
	if err != nil {
		f.metrics.ExecutionAttempt("failed")
		if uncertain {
			f.cancelOrphan(req)
		}
		return Fill{}, fmt.Errorf("%w: %v", domain.ErrExecutionFailure, err)
	}

	fill := Fill{OrderID: ack.OrderID, Price: ack.AvgPrice, Quantity: ack.FilledQty}
	if fill.Price <= 0 {
		fill.Price = o.Price
	}
	if fill.Quantity <= 0 {
		fill.Quantity = o.Quantity
	}
	return fill, nil
}

// cancelOrphan 按 ClientOrderID 撤掉可能仍挂在网关的订单。调用方的 ctx 可能已取消，这里使用独立超时
func (f *LiveFiller) cancelOrphan(req domain.OrderRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Timeout)
	defer cancel()
	if err := f.gateway.CancelOrder(ctx, req.ClientOrderID); err != nil {
		f.metrics.ExecutionAttempt("cancel_failed")
		f.log.Error("failed to cancel unconfirmed order",
			logger.String("client_order_id", req.ClientOrderID),
			logger.String("session_id", req.SessionID),
			logger.Error(err))
		return
	}
	f.metrics.ExecutionAttempt("canceled")
	f.log.Warn("unconfirmed order canceled",
		logger.String("client_order_id", req.ClientOrderID),
		logger.String("session_id", req.SessionID))
}

// orderSide 多头开仓/空头平仓为买，其余为卖
func orderSide(side model.Side, reduceOnly bool) string {
	if (side == model.SideLong) != reduceOnly {
		return "buy"
	}
	return "sell"
}

var _ Filler = PaperFiller{}
var _ Filler = (*LiveFiller)(nil)

// normalizeExecution 补齐未配置的超时与重试参数
func normalizeExecution(cfg config.ExecutionConfig) config.ExecutionConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}
	if cfg.BreakerFailure == 0 {
		cfg.BreakerFailure = 5
	}
	return cfg
}
