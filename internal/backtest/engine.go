// Package backtest 确定性的历史回放。
package backtest

import (
	"context"
	"fmt"
	"math"
	"time"

	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
	"polytrade.com/internal/risk"
	"polytrade.com/internal/strategies"
)

// Config 单次回测参数
type Config struct {
	Symbol         string
	Timeframe      string
	InitialCapital float64
	FeeBps         float64
	SlippageBps    float64
	Profile        model.RiskProfile
	ProgressEvery  int
}

// ProgressFunc 每处理 ProgressEvery 根 K 线回调一次
type ProgressFunc func(done, total int)

// Result 回测输出，相同输入序列化后逐字节一致
type Result struct {
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Bars           int                 `json:"bars"`
	InitialCapital float64             `json:"initial_capital"`
	FinalCapital   float64             `json:"final_capital"`
	Trades         []model.TradeRecord `json:"trades"`
	EquityCurve    []model.EquityPoint `json:"equity_curve"`
	Metrics        Metrics             `json:"metrics"`
	Rejections     map[string]int      `json:"rejections,omitempty"`
}

type Engine struct {
	cfg Config
	tf  time.Duration
}

func NewEngine(cfg Config) (*Engine, error) {
	tf, err := model.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: initial capital must be positive", domain.ErrInvalidInput)
	}
	if err := risk.ValidateProfile(cfg.Profile); err != nil {
		return nil, err
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 500
	}
	return &Engine{cfg: cfg, tf: tf}, nil
}

// ValidateBars 要求 K 线严格按周期连续递增
func ValidateBars(bars []model.Bar, tf time.Duration) error {
	if len(bars) == 0 {
		return fmt.Errorf("%w: no bars in range", domain.ErrDataGap)
	}
	for i, b := range bars {
		if b.Close <= 0 || b.Open <= 0 || b.High < b.Low {
			return fmt.Errorf("%w: malformed bar at %s", domain.ErrDataGap, b.OpenTime.Format(time.RFC3339))
		}
		if i == 0 {
			continue
		}
		expected := bars[i-1].OpenTime.Add(tf)
		if !b.OpenTime.Equal(expected) {
			return fmt.Errorf("%w: expected bar at %s, got %s", domain.ErrDataGap,
				expected.Format(time.RFC3339), b.OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}

// openPosition 回测中的持仓，同一时间至多一个
type openPosition struct {
	side       model.Side
	entryPrice float64
	entryTime  time.Time
	qty        float64
	stop       float64
	take       float64
	riskAmount float64
	entryFee   float64
}

// run 回放过程中的可变状态
type run struct {
	e          *Engine
	capital    float64
	peak       float64
	dayStart   time.Time
	dayEquity  float64
	halted     bool
	pos        *openPosition
	trades     []model.TradeRecord
	curve      []model.EquityPoint
	rejections map[string]int
}

// Run 逐根回放。每根 K 线依次：检查止损止盈、推进信号、反向信号平仓、入场、按收盘价计权益。
// 数据结束时仍持仓则按最后收盘价平仓。
func (e *Engine) Run(ctx context.Context, ev strategies.Evaluator, bars []model.Bar, progress ProgressFunc) (*Result, error) {
	if err := ValidateBars(bars, e.tf); err != nil {
		return nil, err
	}

	r := &run{
		e:          e,
		capital:    e.cfg.InitialCapital,
		peak:       e.cfg.InitialCapital,
		dayEquity:  e.cfg.InitialCapital,
		curve:      make([]model.EquityPoint, 0, len(bars)),
		rejections: make(map[string]int),
	}
	side := ev.Side()

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.rollDay(bar.OpenTime)

		if r.pos != nil {
			r.checkStops(bar)
		}

		sig := ev.Push(bar)

		if r.pos != nil && sig == strategies.SignalExit {
			r.close(bar.Close, bar.OpenTime, model.ExitSignal)
		}
		if r.pos == nil && sig == strategies.SignalEnter && !r.halted {
			r.enter(side, bar)
		}

		r.mark(bar)

		if progress != nil && (i+1)%e.cfg.ProgressEvery == 0 {
			progress(i+1, len(bars))
		}
	}

	last := bars[len(bars)-1]
	if r.pos != nil {
		r.close(last.Close, last.OpenTime, model.ExitEndOfData)
		r.curve[len(r.curve)-1].Equity = r.capital
	}
	if progress != nil {
		progress(len(bars), len(bars))
	}

	res := &Result{
		Symbol:         e.cfg.Symbol,
		Timeframe:      e.cfg.Timeframe,
		Bars:           len(bars),
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   r.capital,
		Trades:         r.trades,
		EquityCurve:    r.curve,
		Metrics:        ComputeMetrics(r.trades, r.curve, e.cfg.InitialCapital, model.BarsPerYear(e.tf)),
	}
	if len(r.rejections) > 0 {
		res.Rejections = r.rejections
	}
	if res.Trades == nil {
		res.Trades = []model.TradeRecord{}
	}
	return res, nil
}

// rollDay 每个 UTC 自然日重置日内亏损基准
func (r *run) rollDay(t time.Time) {
	day := t.UTC().Truncate(24 * time.Hour)
	if !day.Equal(r.dayStart) {
		r.dayStart = day
		r.dayEquity = r.equity(math.NaN())
	}
}

func (r *run) equity(price float64) float64 {
	if r.pos == nil || math.IsNaN(price) {
		return r.capital
	}
	return r.capital + (price-r.pos.entryPrice)*r.pos.qty*r.pos.side.Sign()
}

// checkStops 同一根 K 线同时触及止损和止盈时按止损处理；跳空越过价位时按开盘价成交
func (r *run) checkStops(bar model.Bar) {
	p := r.pos
	var hitStop, hitTake bool
	if p.side == model.SideLong {
		hitStop = bar.Low <= p.stop
		hitTake = p.take > 0 && bar.High >= p.take
	} else {
		hitStop = bar.High >= p.stop
		hitTake = p.take > 0 && bar.Low <= p.take
	}

	switch {
	case hitStop:
		price := p.stop
		if (p.side == model.SideLong && bar.Open < p.stop) || (p.side == model.SideShort && bar.Open > p.stop) {
			price = bar.Open
		}
		r.close(price, bar.OpenTime, model.ExitStopLoss)
	case hitTake:
		price := p.take
		if (p.side == model.SideLong && bar.Open > p.take) || (p.side == model.SideShort && bar.Open < p.take) {
			price = bar.Open
		}
		r.close(price, bar.OpenTime, model.ExitTakeProfit)
	}
}

func (r *run) enter(side model.Side, bar model.Bar) {
	cfg := r.e.cfg
	state := risk.SessionState{
		Equity:         r.capital,
		PeakEquity:     r.peak,
		DayStartEquity: r.dayEquity,
	}
	if d := risk.CanOpenPosition(state, cfg.Profile); !d.Allowed {
		r.rejections[d.Reason]++
		return
	}

	price := slip(bar.Close, cfg.SlippageBps, side, true)
	st := risk.ComputeStopTake(price, side, cfg.Profile)
	qty, err := risk.SizePosition(r.capital, cfg.Profile, price, st.StopDistance)
	if err != nil {
		r.rejections[domain.ReasonCode(err)]++
		return
	}
	qty = risk.CapToMargin(qty, price, cfg.Profile.Leverage, r.capital)
	if qty <= 0 {
		r.rejections["zero_quantity"]++
		return
	}

	fee := price * qty * cfg.FeeBps / 10000
	r.capital -= fee
	r.pos = &openPosition{
		side:       side,
		entryPrice: price,
		entryTime:  bar.OpenTime,
		qty:        qty,
		stop:       st.StopLoss,
		take:       st.TakeProfit,
		riskAmount: qty * st.StopDistance,
		entryFee:   fee,
	}
}

func (r *run) close(rawPrice float64, at time.Time, reason string) {
	cfg := r.e.cfg
	p := r.pos
	price := slip(rawPrice, cfg.SlippageBps, p.side, false)
	fee := price * p.qty * cfg.FeeBps / 10000
	gross := (price - p.entryPrice) * p.qty * p.side.Sign()
	r.capital += gross - fee

	net := gross - fee - p.entryFee
	r.trades = append(r.trades, model.TradeRecord{
		Symbol:      cfg.Symbol,
		Mode:        model.ModeBacktest,
		Side:        p.side,
		EntryPrice:  p.entryPrice,
		ExitPrice:   price,
		EntryTime:   p.entryTime,
		ExitTime:    at,
		Quantity:    p.qty,
		StopLoss:    p.stop,
		TakeProfit:  p.take,
		RiskAmount:  p.riskAmount,
		Fees:        p.entryFee + fee,
		RealizedPnL: net,
		Outcome:     model.OutcomeOf(net),
		ExitReason:  reason,
	})
	r.pos = nil
}

func (r *run) mark(bar model.Bar) {
	eq := r.equity(bar.Close)
	if eq > r.peak {
		r.peak = eq
	}
	r.curve = append(r.curve, model.EquityPoint{Time: bar.OpenTime, Equity: eq})

	state := risk.SessionState{Equity: eq, PeakEquity: r.peak}
	if !r.halted && !risk.CanContinueTrading(state, r.e.cfg.Profile) {
		r.halted = true
	}
}

// slip 入场对多头抬价、对空头压价，平仓相反
func slip(price, bps float64, side model.Side, entry bool) float64 {
	if bps <= 0 {
		return price
	}
	x := bps / 10000
	adverse := (side == model.SideLong) == entry
	if adverse {
		return price * (1 + x)
	}
	return price * (1 - x)
}
