package service

import (
	"context"
	"fmt"
	"time"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
)

// syncBatch 单次向交易所请求的 K 线数量上限
const syncBatch = 500

// MarketServiceImpl 实现 domain.MarketService 接口，从交易所补齐本地 K 线库
type MarketServiceImpl struct {
	source domain.CandleSource
	bars   domain.BarStore
	log    *logger.Logger
}

// NewMarketService 创建行情服务
func NewMarketService(source domain.CandleSource, bars domain.BarStore, log *logger.Logger) *MarketServiceImpl {
	if log == nil {
		log = logger.Nop()
	}
	return &MarketServiceImpl{
		source: source,
		bars:   bars,
		log:    log.With(logger.Component("market_service")),
	}
}

// SyncBars 按批拉取 [from, to) 区间的 K 线并写入，返回写入条数。重复写入是幂等的
func (s *MarketServiceImpl) SyncBars(ctx context.Context, symbol, timeframe string, from, to time.Time) (int, error) {
	tf, err := model.ParseTimeframe(timeframe)
	if err != nil {
		return 0, domain.NewBadRequestError("invalid timeframe", err)
	}
	if symbol == "" {
		return 0, domain.NewBadRequestError("symbol is required", nil)
	}
	from = from.UTC().Truncate(tf)
	to = to.UTC()
	if !to.After(from) {
		return 0, domain.NewBadRequestError("empty sync range", nil)
	}

	total := 0
	window := tf * syncBatch
	for start := from; start.Before(to); start = start.Add(window) {
		end := start.Add(window)
		if end.After(to) {
			end = to
		}

		bars, err := s.source.Candles(ctx, symbol, timeframe, start, end)
		if err != nil {
			return total, domain.NewInternalError(fmt.Sprintf("failed to fetch candles from %s", start.Format(time.RFC3339)), err)
		}
		if len(bars) == 0 {
			continue
		}
		if err := s.bars.SaveBars(ctx, bars); err != nil {
			return total, err
		}
		total += len(bars)
	}

	s.log.Info("bars synced",
		logger.String("symbol", symbol),
		logger.String("timeframe", timeframe),
		logger.Int("count", total))
	return total, nil
}

// 确保实现了接口
var _ domain.MarketService = (*MarketServiceImpl)(nil)
