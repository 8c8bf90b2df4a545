package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
)

// poloniexIntervals 本地周期到交易所 interval 参数
var poloniexIntervals = map[string]string{
	"1m":  "MINUTE_1",
	"5m":  "MINUTE_5",
	"15m": "MINUTE_15",
	"30m": "MINUTE_30",
	"1h":  "HOUR_1",
	"2h":  "HOUR_2",
	"4h":  "HOUR_4",
	"12h": "HOUR_12",
	"1d":  "DAY_1",
}

// candle 字段下标：low, high, open, close, amount, quantity, ..., startTime 在第 12 位
const (
	candleLow = iota
	candleHigh
	candleOpen
	candleClose
	candleAmount
	candleQuantity
	candleStartTime = 12
)

// PoloniexClient 公共行情接口，实现 domain.CandleSource
type PoloniexClient struct {
	http *resty.Client
	log  *logger.Logger
}

func NewPoloniexClient(cfg config.PoloniexConfig, log *logger.Logger) *PoloniexClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	return &PoloniexClient{http: client, log: log.With(logger.Component("poloniex"))}
}

// Candles 拉取 [from, to) 内的 K 线，单次最多 500 根
func (c *PoloniexClient) Candles(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]model.Bar, error) {
	interval, ok := poloniexIntervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", domain.ErrInvalidInput, timeframe)
	}

	var raw [][]json.RawMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParams(map[string]string{
			"interval":  interval,
			"startTime": fmt.Sprint(from.UnixMilli()),
			"endTime":   fmt.Sprint(to.UnixMilli() - 1),
			"limit":     "500",
		}).
		SetResult(&raw).
		Get("/markets/{symbol}/candles")
	if err != nil {
		return nil, fmt.Errorf("request candles: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("poloniex returned %d: %s", resp.StatusCode(), resp.String())
	}

	bars := make([]model.Bar, 0, len(raw))
	for _, row := range raw {
		bar, err := parseCandle(symbol, timeframe, row)
		if err != nil {
			return nil, err
		}
		if bar.OpenTime.Before(from) || !bar.OpenTime.Before(to) {
			continue
		}
		bars = append(bars, bar)
	}
	c.log.Debug("candles fetched",
		logger.String("symbol", symbol),
		logger.String("interval", interval),
		logger.Int("count", len(bars)))
	return bars, nil
}

func parseCandle(symbol, timeframe string, row []json.RawMessage) (model.Bar, error) {
	if len(row) <= candleStartTime {
		return model.Bar{}, fmt.Errorf("malformed candle: %d fields", len(row))
	}
	num := func(i int) (float64, error) {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			s = string(row[i])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, fmt.Errorf("candle field %d: %w", i, err)
		}
		return d.InexactFloat64(), nil
	}

	var values [6]float64
	for i := candleLow; i <= candleQuantity; i++ {
		v, err := num(i)
		if err != nil {
			return model.Bar{}, err
		}
		values[i] = v
	}
	var start int64
	if err := json.Unmarshal(row[candleStartTime], &start); err != nil {
		return model.Bar{}, fmt.Errorf("candle start time: %w", err)
	}

	return model.Bar{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  time.UnixMilli(start).UTC(),
		Open:      values[candleOpen],
		High:      values[candleHigh],
		Low:       values[candleLow],
		Close:     values[candleClose],
		Volume:    values[candleQuantity],
	}, nil
}

var _ domain.CandleSource = (*PoloniexClient)(nil)
