// Package trading 模拟/实盘会话。与回测共用评估器和风控函数，差别只在成交器。
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"polytrade.com/internal/config"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
	"polytrade.com/internal/risk"
	"polytrade.com/internal/strategies"
)

// ErrEntryRejected 风控拒绝开仓，包装具体原因码
var ErrEntryRejected = errors.New("entry rejected")

// Store 会话需要的持久化能力
type Store interface {
	SaveSessionState(ctx context.Context, s *model.AgentSession) error
	AppendSessionEvent(ctx context.Context, ev *model.SessionEvent) error
	SaveTrade(ctx context.Context, t *model.TradeRecord) error
}

type Deps struct {
	Store   Store
	Feed    domain.FeedSource
	History domain.MarketDataSource // 可选，启动时预热指标
	Filler  Filler
	Bus     event.Publisher // 可选
	Metrics *metrics.Recorder
	Log     *logger.Logger
}

// Session 驱动一个 AgentSession。状态只由会话自身修改，外部通过 Snapshot 读取副本
type Session struct {
	cfg  config.SessionConfig
	deps Deps
	ev   strategies.Evaluator
	tf   time.Duration
	log  *logger.Logger

	mu            sync.Mutex
	rec           model.AgentSession
	profile       model.RiskProfile
	bars          *barBuilder
	lastPrice     float64
	stale         bool
	halted        bool
	pending       int // 已通过风控、等待成交的开仓
	pendingRisk   float64
	pendingMargin float64
	closing       map[string]bool

	heartbeat atomic.Int64
}

// NewSession 仅依据持久化记录恢复会话状态
func NewSession(rec model.AgentSession, ev strategies.Evaluator, cfg config.SessionConfig, deps Deps) (*Session, error) {
	tf, err := model.ParseTimeframe(rec.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	profile := rec.RiskSnapshot.Data()
	if err := risk.ValidateProfile(profile); err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Filler == nil {
		deps.Filler = PaperFiller{}
	}

	rec.Positions = append([]model.Position(nil), rec.Positions...)
	if rec.CurrentCapital == 0 && len(rec.Positions) == 0 {
		rec.CurrentCapital = rec.InitialCapital
	}
	if rec.PeakEquity == 0 {
		rec.PeakEquity = rec.CurrentCapital
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		ev:      ev,
		tf:      tf,
		log:     deps.Log.With(logger.Component("session"), logger.String("session_id", rec.ID), logger.String("mode", string(rec.Mode))),
		rec:     rec,
		profile: profile,
		bars:    newBarBuilder(rec.Symbol, rec.Timeframe, tf),
		closing: make(map[string]bool),
	}
	s.halted = rec.State == model.SessionHalted ||
		!risk.CanContinueTrading(risk.SessionState{Equity: rec.Equity(), PeakEquity: rec.PeakEquity}, profile)
	s.touch()
	return s, nil
}

func (s *Session) ID() string { return s.rec.ID }

// LastHeartbeat 事件循环最近一次活动的时间
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.heartbeat.Load())
}

func (s *Session) touch() {
	s.heartbeat.Store(time.Now().UnixNano())
}

// Snapshot 深拷贝的当前状态
func (s *Session) Snapshot() *model.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	return &snap
}

func (s *Session) snapshotLocked() model.AgentSession {
	snap := s.rec
	snap.Positions = append([]model.Position(nil), s.rec.Positions...)
	if s.rec.HeartbeatAt != nil {
		hb := *s.rec.HeartbeatAt
		snap.HeartbeatAt = &hb
	}
	if s.rec.StartedAt != nil {
		st := *s.rec.StartedAt
		snap.StartedAt = &st
	}
	if s.rec.StoppedAt != nil {
		st := *s.rec.StoppedAt
		snap.StoppedAt = &st
	}
	return snap
}

// Run 阻塞运行直到 ctx 取消（正常停止，返回 nil）或行情通道关闭（返回 ErrFeedClosed）
func (s *Session) Run(ctx context.Context) error {
	s.touch()
	s.warmUp(ctx)

	ticks, unsubscribe, err := s.deps.Feed.Subscribe(ctx, s.rec.Symbol)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.rec.Symbol, err)
	}
	defer unsubscribe()

	now := time.Now().UTC()
	s.mu.Lock()
	s.rec.StartedAt = &now
	s.rec.StoppedAt = nil
	s.rec.State = s.healthLocked()
	open := len(s.rec.Positions)
	s.mu.Unlock()
	s.persist(ctx)
	s.log.Info("session running", logger.String("symbol", s.rec.Symbol), logger.Int("positions", open))

	stale := time.NewTimer(s.cfg.StaleAfter)
	defer stale.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case t, ok := <-ticks:
			s.touch()
			if !ok {
				s.persist(ctx)
				return domain.ErrFeedClosed
			}
			if t.Price <= 0 {
				continue
			}
			stale.Reset(s.cfg.StaleAfter)
			s.onTick(ctx, t)

		case <-stale.C:
			s.touch()
			s.markStale(ctx)

		case <-heartbeat.C:
			s.touch()
			s.persist(ctx)
		}
	}
}

// warmUp 用历史 K 线推进评估器，期间的信号全部忽略
func (s *Session) warmUp(ctx context.Context) {
	if s.deps.History == nil || s.cfg.WarmupBars <= 0 {
		return
	}
	to := time.Now().UTC().Truncate(s.tf)
	from := to.Add(-time.Duration(s.cfg.WarmupBars) * s.tf)
	bars, err := s.deps.History.Bars(ctx, s.rec.Symbol, s.rec.Timeframe, from, to)
	if err != nil {
		s.log.Warn("warm-up bars unavailable", logger.Error(err))
		return
	}
	s.mu.Lock()
	for _, b := range bars {
		s.ev.Push(b)
	}
	s.mu.Unlock()
	s.log.Debug("evaluator warmed up", logger.Int("bars", len(bars)))
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	s.mu.Lock()
	s.rec.State = model.SessionStopped
	s.rec.StoppedAt = &now
	s.mu.Unlock()
	s.persist(ctx)
	s.log.Info("session stopped")
}

func (s *Session) onTick(ctx context.Context, t model.Tick) {
	at := t.Time.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	s.mu.Lock()
	resumed := s.stale
	s.stale = false
	s.lastPrice = t.Price
	s.rollDayLocked(at)
	exits := s.triggeredLocked(t.Price)
	bar, closed := s.bars.add(model.Tick{Symbol: t.Symbol, Price: t.Price, Volume: t.Volume, Time: at})
	halted := s.markLocked()
	s.mu.Unlock()

	if resumed {
		s.event(ctx, model.ReasonFeedResumed, "")
	}
	if halted {
		s.event(ctx, model.ReasonDrawdownHalt, "")
	}
	for _, x := range exits {
		s.exitPosition(ctx, x.id, t.Price, x.reason, at)
	}
	if closed {
		s.onBar(ctx, bar)
	}
}

type exitOrder struct {
	id     string
	reason string
}

// triggeredLocked 按最新价检查止损止盈，同时触发时止损优先
func (s *Session) triggeredLocked(price float64) []exitOrder {
	var out []exitOrder
	for _, p := range s.rec.Positions {
		if s.closing[p.ID] {
			continue
		}
		var hitStop, hitTake bool
		if p.Side == model.SideLong {
			hitStop = price <= p.StopLoss
			hitTake = p.TakeProfit > 0 && price >= p.TakeProfit
		} else {
			hitStop = price >= p.StopLoss
			hitTake = p.TakeProfit > 0 && price <= p.TakeProfit
		}
		switch {
		case hitStop:
			out = append(out, exitOrder{id: p.ID, reason: model.ExitStopLoss})
		case hitTake:
			out = append(out, exitOrder{id: p.ID, reason: model.ExitTakeProfit})
		}
	}
	return out
}

// onBar K 线收盘：推进评估器，离场信号平掉全部持仓，入场信号只在空仓时开仓
func (s *Session) onBar(ctx context.Context, bar model.Bar) {
	closeAt := bar.OpenTime.Add(s.tf)

	s.mu.Lock()
	sig := s.ev.Push(bar)
	var ids []string
	if sig == strategies.SignalExit {
		for _, p := range s.rec.Positions {
			ids = append(ids, p.ID)
		}
	}
	flat := len(s.rec.Positions) == 0 && s.pending == 0
	s.mu.Unlock()

	for _, id := range ids {
		s.exitPosition(ctx, id, bar.Close, model.ExitSignal, closeAt)
	}
	if sig != strategies.SignalEnter || !flat {
		return
	}

	_, err := s.Enter(ctx, bar.Close, closeAt)
	switch {
	case err == nil:
	case errors.Is(err, ErrEntryRejected):
		s.event(ctx, model.ReasonRiskRejected, err.Error())
	case errors.Is(err, domain.ErrExecutionFailure):
		// Enter 已记录 execution_failed
	default:
		s.log.Warn("entry skipped", logger.Error(err))
	}
}

// Enter 在会话锁内完成风控检查并预占名额，并发调用不会突破 MaxConcurrentPositions
func (s *Session) Enter(ctx context.Context, price float64, at time.Time) (*model.Position, error) {
	side := s.ev.Side()

	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		return nil, domain.ErrFeedStale
	}
	state := s.riskStateLocked()
	if d := risk.CanOpenPosition(state, s.profile); !d.Allowed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryRejected, d.Reason)
	}
	// 与准入检查使用同一权益口径（含浮动盈亏）计算数量
	st := risk.ComputeStopTake(price, side, s.profile)
	qty, err := risk.SizePosition(state.Equity, s.profile, price, st.StopDistance)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	qty = risk.CapToMargin(qty, price, s.profile.Leverage, s.availableMarginLocked())
	if qty <= 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: insufficient_margin", ErrEntryRejected)
	}
	reservedRisk := qty * st.StopDistance
	if !risk.WithinRiskBudget(state, s.profile, reservedRisk) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryRejected, risk.ReasonRiskBudget)
	}
	reservedMargin := risk.MarginRequired(qty, price, s.profile.Leverage)
	s.pending++
	s.pendingRisk += reservedRisk
	s.pendingMargin += reservedMargin
	s.mu.Unlock()

	fill, err := s.deps.Filler.Fill(ctx, Order{
		SessionID: s.rec.ID,
		Symbol:    s.rec.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Leverage:  s.profile.Leverage,
	})

	s.mu.Lock()
	s.pending--
	s.pendingRisk -= reservedRisk
	s.pendingMargin -= reservedMargin
	if err != nil {
		s.mu.Unlock()
		s.event(ctx, model.ReasonExecutionFailed, err.Error())
		return nil, err
	}

	// 止损止盈以实际成交价为准
	st = risk.ComputeStopTake(fill.Price, side, s.profile)
	fee := fill.Price * fill.Quantity * s.cfg.FeeBps / 10000
	pos := model.Position{
		ID:         uuid.NewString(),
		Side:       side,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		StopLoss:   st.StopLoss,
		TakeProfit: st.TakeProfit,
		RiskAmount: fill.Quantity * st.StopDistance,
		EntryFee:   fee,
		EntryTime:  at.UTC(),
	}
	s.rec.CurrentCapital -= fee
	s.rec.Positions = append(s.rec.Positions, pos)
	if s.lastPrice == 0 {
		s.lastPrice = fill.Price
	}
	halted := s.markLocked()
	s.mu.Unlock()

	s.log.Info("position opened",
		logger.String("side", string(side)),
		logger.Float64("price", pos.EntryPrice),
		logger.Float64("qty", pos.Quantity),
		logger.Float64("stop", pos.StopLoss),
		logger.Float64("take", pos.TakeProfit))
	if halted {
		s.event(ctx, model.ReasonDrawdownHalt, "")
	}
	s.persist(ctx)
	return &pos, nil
}

func (s *Session) exitPosition(ctx context.Context, id string, price float64, reason string, at time.Time) {
	s.mu.Lock()
	idx := s.positionIndexLocked(id)
	if idx < 0 || s.closing[id] {
		s.mu.Unlock()
		return
	}
	pos := s.rec.Positions[idx]
	s.closing[id] = true
	s.mu.Unlock()

	fill, err := s.deps.Filler.Fill(ctx, Order{
		SessionID:  s.rec.ID,
		Symbol:     s.rec.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Price:      price,
		ReduceOnly: true,
		Leverage:   s.profile.Leverage,
	})

	s.mu.Lock()
	delete(s.closing, id)
	if err != nil {
		s.mu.Unlock()
		s.event(ctx, model.ReasonExecutionFailed, err.Error())
		return
	}
	idx = s.positionIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.rec.Positions = append(s.rec.Positions[:idx], s.rec.Positions[idx+1:]...)

	fee := fill.Price * pos.Quantity * s.cfg.FeeBps / 10000
	gross := (fill.Price - pos.EntryPrice) * pos.Quantity * pos.Side.Sign()
	net := gross - fee - pos.EntryFee
	s.rec.CurrentCapital += gross - fee
	s.rec.RealizedPnL += net
	halted := s.markLocked()

	trade := model.TradeRecord{
		SessionID:   s.rec.ID,
		StrategyID:  s.rec.StrategyID,
		Symbol:      s.rec.Symbol,
		Mode:        s.rec.Mode,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   fill.Price,
		EntryTime:   pos.EntryTime,
		ExitTime:    at.UTC(),
		Quantity:    pos.Quantity,
		StopLoss:    pos.StopLoss,
		TakeProfit:  pos.TakeProfit,
		RiskAmount:  pos.RiskAmount,
		Fees:        pos.EntryFee + fee,
		RealizedPnL: net,
		Outcome:     model.OutcomeOf(net),
		ExitReason:  reason,
	}
	s.mu.Unlock()

	if err := s.deps.Store.SaveTrade(ctx, &trade); err != nil {
		s.log.Error("failed to save trade", logger.Error(err))
	}
	s.deps.Metrics.TradeClosed(string(trade.Mode), string(trade.Outcome))
	s.publish(constants.EventTradeClosed, trade)
	s.log.Info("position closed",
		logger.String("reason", reason),
		logger.Float64("price", fill.Price),
		logger.Float64("pnl", net))

	if halted {
		s.event(ctx, model.ReasonDrawdownHalt, "")
	}
	s.persist(ctx)
}

func (s *Session) markStale(ctx context.Context) {
	s.mu.Lock()
	if s.stale {
		s.mu.Unlock()
		return
	}
	s.stale = true
	s.rec.State = s.healthLocked()
	s.mu.Unlock()

	s.log.Warn("market feed stale", logger.Duration("after", s.cfg.StaleAfter))
	s.event(ctx, model.ReasonFeedStale, "")
	s.persist(ctx)
}

// markLocked 按最新价计算权益与峰值，首次触及最大回撤时返回 true
func (s *Session) markLocked() bool {
	eq := s.equityLocked()
	s.rec.UnrealizedPnL = eq - s.rec.CurrentCapital
	if eq > s.rec.PeakEquity {
		s.rec.PeakEquity = eq
	}

	justHalted := false
	if !s.halted && !risk.CanContinueTrading(risk.SessionState{Equity: eq, PeakEquity: s.rec.PeakEquity}, s.profile) {
		s.halted = true
		justHalted = true
	}
	s.rec.State = s.healthLocked()
	return justHalted
}

func (s *Session) equityLocked() float64 {
	if s.lastPrice <= 0 {
		return s.rec.CurrentCapital + s.rec.UnrealizedPnL
	}
	eq := s.rec.CurrentCapital
	for _, p := range s.rec.Positions {
		eq += p.UnrealizedPnL(s.lastPrice)
	}
	return eq
}

func (s *Session) riskStateLocked() risk.SessionState {
	openRisk := s.pendingRisk
	for _, p := range s.rec.Positions {
		openRisk += p.RiskAmount
	}
	return risk.SessionState{
		Equity:         s.equityLocked(),
		PeakEquity:     s.rec.PeakEquity,
		DayStartEquity: s.rec.DayStartEquity,
		OpenPositions:  len(s.rec.Positions) + s.pending,
		OpenRisk:       openRisk,
		Halted:         s.halted,
	}
}

func (s *Session) availableMarginLocked() float64 {
	used := s.pendingMargin
	for _, p := range s.rec.Positions {
		used += risk.MarginRequired(p.Quantity, p.EntryPrice, s.profile.Leverage)
	}
	return s.rec.CurrentCapital - used
}

// rollDayLocked 每个 UTC 自然日重置日内亏损基准
func (s *Session) rollDayLocked(t time.Time) {
	day := t.UTC().Truncate(24 * time.Hour)
	if !day.Equal(s.rec.DayStart) {
		s.rec.DayStart = day
		s.rec.DayStartEquity = s.equityLocked()
	}
}

func (s *Session) healthLocked() model.SessionState {
	switch {
	case s.halted:
		return model.SessionHalted
	case s.stale:
		return model.SessionStale
	}
	if d, ok := s.deps.Filler.(degradable); ok && d.Degraded() {
		return model.SessionDegraded
	}
	return model.SessionRunning
}

func (s *Session) positionIndexLocked(id string) int {
	for i, p := range s.rec.Positions {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// persist 保存运行时状态并刷新心跳时间
func (s *Session) persist(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.rec.HeartbeatAt = &now
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.deps.Store.SaveSessionState(ctx, &snap); err != nil {
		s.deps.Metrics.SessionEvent(model.ReasonPersistFailed)
		s.log.Error("failed to persist session state", logger.Error(err))
	}
}

// event 写入会话历史并广播
func (s *Session) event(ctx context.Context, reason, message string) {
	s.mu.Lock()
	s.rec.LastReason = reason
	s.mu.Unlock()

	ev := &model.SessionEvent{SessionID: s.rec.ID, Reason: reason, Message: message}
	if err := s.deps.Store.AppendSessionEvent(ctx, ev); err != nil {
		s.log.Error("failed to append session event", logger.String("reason", reason), logger.Error(err))
	}
	s.deps.Metrics.SessionEvent(reason)
	s.publish(constants.EventSessionReason, ev)
}

func (s *Session) publish(eventType string, data interface{}) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(event.Event{
		Type:   eventType,
		Source: "session",
		Key:    s.rec.StrategyID,
		Data:   data,
	})
}
