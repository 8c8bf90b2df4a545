// Package lifecycle 策略生命周期：GENERATED -> BACKTESTED -> PAPER -> LIVE -> RETIRED。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"polytrade.com/internal/config"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
	"polytrade.com/internal/strategies"
)

var activeStages = []model.Stage{model.StageGenerated, model.StageBacktested, model.StagePaper, model.StageLive}

type Deps struct {
	Store      domain.Store
	Backtests  domain.BacktestSubmitter
	Supervisor domain.SessionSupervisor
	Producer   domain.StrategyProducer // 可选
	Bus        event.Publisher         // 可选
	Metrics    *metrics.Recorder
	Log        *logger.Logger
}

// Controller 唯一修改策略阶段的组件
type Controller struct {
	cfg   config.LifecycleConfig
	deps  Deps
	log   *logger.Logger
	locks *keyedMutex
	now   func() time.Time
}

func NewController(cfg config.LifecycleConfig, deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Log.With(logger.Component("lifecycle")),
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateAll 先按配置生成新策略，再并发评估所有未退役策略。单个策略失败不影响其他策略
func (c *Controller) EvaluateAll(ctx context.Context) error {
	if err := c.generate(ctx); err != nil {
		c.log.Warn("strategy generation failed", logger.Error(err))
	}

	defs, err := c.deps.Store.ListStrategiesByStage(ctx, activeStages...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.EvalConcurrency)
	errs := make([]error, len(defs))
	for i := range defs {
		id := defs[i].ID
		g.Go(func() error {
			if err := c.Evaluate(gctx, id); err != nil && !errors.Is(err, domain.ErrStageConflict) {
				c.log.Warn("strategy evaluation failed", logger.String("strategy_id", id), logger.Error(err))
				errs[i] = fmt.Errorf("strategy %s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Evaluate 评估单个策略，同一策略的评估串行执行
func (c *Controller) Evaluate(ctx context.Context, strategyID string) error {
	unlock := c.locks.Lock(strategyID)
	defer unlock()

	def, err := c.deps.Store.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}

	switch def.Stage {
	case model.StageGenerated:
		return c.evaluateGenerated(ctx, def)
	case model.StageBacktested:
		return c.enrollPaper(ctx, def)
	case model.StagePaper:
		return c.evaluatePaper(ctx, def)
	case model.StageLive:
		return c.evaluateLive(ctx, def)
	}
	return nil
}

// Retire 人工淘汰
func (c *Controller) Retire(ctx context.Context, strategyID, note string) error {
	unlock := c.locks.Lock(strategyID)
	defer unlock()

	def, err := c.deps.Store.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	if def.Stage == model.StageRetired {
		return domain.NewConflictError("strategy already retired", domain.ErrInvalidTransition)
	}
	reason := ReasonManualOverride
	if note != "" {
		reason = ReasonManualOverride + ": " + note
	}
	return c.retire(ctx, def, reason, model.MetricSnapshot{})
}

// ===========================
// GENERATED
// ===========================

func (c *Controller) evaluateGenerated(ctx context.Context, def *model.StrategyDefinition) error {
	bt, err := c.deps.Store.LatestBacktest(ctx, def.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return c.submitBacktest(ctx, def)
	}
	if err != nil {
		return err
	}

	if !bt.Status.Terminal() {
		return nil
	}

	if bt.ID == def.EvaluatedBacktestID {
		// 定义本身无效时不再重试，其余情况隔一段时间用新数据重跑
		if bt.Reason == domain.ReasonCode(domain.ErrInvalidStrategyDefinition) {
			return nil
		}
		if bt.FinishedAt != nil && c.now().Sub(*bt.FinishedAt) >= c.cfg.BacktestRetry {
			return c.submitBacktest(ctx, def)
		}
		return nil
	}

	if bt.Status != model.BacktestCompleted {
		reason := bt.Reason
		if reason == "" {
			reason = string(bt.Status)
		}
		return c.record(ctx, def, def.Stage, reason, bt.Metrics(), bt.ID)
	}

	m := bt.Metrics()
	if c.lossStreakTripped(m) {
		return c.record(ctx, def, model.StageRetired, ReasonConsecutiveLosses, m, bt.ID)
	}
	if ok, _ := Meets(m, c.cfg.Backtest); ok {
		return c.record(ctx, def, model.StageBacktested, ReasonBacktestPassed, m, bt.ID)
	}
	if m.Trades >= c.cfg.Backtest.MinTrades {
		return c.record(ctx, def, model.StageRetired, ReasonBacktestRejected, m, bt.ID)
	}
	return c.record(ctx, def, def.Stage, ReasonInsufficient, m, bt.ID)
}

func (c *Controller) submitBacktest(ctx context.Context, def *model.StrategyDefinition) error {
	tf, err := model.ParseTimeframe(def.Timeframe)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidStrategyDefinition, err)
	}
	to := c.now().Truncate(tf)
	req := domain.BacktestRequest{
		StrategyID: def.ID,
		Symbol:     def.Symbol,
		Timeframe:  def.Timeframe,
		From:       to.Add(-c.cfg.BacktestLookback),
		To:         to,
		Capital:    c.cfg.BacktestCapital,
	}
	bt, err := c.deps.Backtests.SubmitBacktest(ctx, req)
	if err != nil {
		return fmt.Errorf("submit backtest: %w", err)
	}
	c.log.Info("backtest submitted", logger.String("strategy_id", def.ID), logger.String("backtest_id", bt.ID))
	return nil
}

// ===========================
// BACKTESTED / PAPER / LIVE
// ===========================

// enrollPaper 先迁移阶段再创建会话，迁移冲突时不会留下孤立会话
func (c *Controller) enrollPaper(ctx context.Context, def *model.StrategyDefinition) error {
	if err := c.record(ctx, def, model.StagePaper, ReasonPaperEnrolled, model.MetricSnapshot{}, ""); err != nil {
		return err
	}
	_, err := c.ensureSession(ctx, def, model.ModePaper, c.cfg.PaperCapital)
	return err
}

// repairSession 阶段与会话不一致时（例如创建会话前进程退出）补建会话
func (c *Controller) repairSession(ctx context.Context, def *model.StrategyDefinition, mode model.SessionMode, capital float64) error {
	created, err := c.ensureSession(ctx, def, mode, capital)
	if err != nil || !created {
		return err
	}
	return c.record(ctx, def, def.Stage, ReasonSessionRepaired, model.MetricSnapshot{}, "")
}

func (c *Controller) evaluatePaper(ctx context.Context, def *model.StrategyDefinition) error {
	if err := c.repairSession(ctx, def, model.ModePaper, c.cfg.PaperCapital); err != nil {
		return err
	}

	elapsed := c.now().Sub(def.StageChangedAt)
	m, err := c.rollingMetrics(ctx, def, model.ModePaper, c.cfg.PaperCapital, elapsed)
	if err != nil {
		return err
	}
	if retired, err := c.checkRetirement(ctx, def, m); retired || err != nil {
		return err
	}

	if !c.cfg.LiveEnabled || elapsed < c.cfg.MinPaperDuration {
		return nil
	}
	if ok, _ := Meets(m, c.cfg.Live); !ok {
		return nil
	}

	if err := c.record(ctx, def, model.StageLive, ReasonLivePromoted, m, ""); err != nil {
		return err
	}
	c.closeSessions(ctx, def.ID, model.ModePaper, ReasonLivePromoted)
	_, err = c.ensureSession(ctx, def, model.ModeLive, c.cfg.LiveCapital)
	return err
}

func (c *Controller) evaluateLive(ctx context.Context, def *model.StrategyDefinition) error {
	if err := c.repairSession(ctx, def, model.ModeLive, c.cfg.LiveCapital); err != nil {
		return err
	}
	m, err := c.rollingMetrics(ctx, def, model.ModeLive, c.cfg.LiveCapital, c.now().Sub(def.StageChangedAt))
	if err != nil {
		return err
	}
	_, err = c.checkRetirement(ctx, def, m)
	return err
}

func (c *Controller) rollingMetrics(ctx context.Context, def *model.StrategyDefinition, mode model.SessionMode, capital float64, elapsed time.Duration) (model.MetricSnapshot, error) {
	trades, err := c.deps.Store.ListTradesByStrategy(ctx, def.ID, mode, def.StageChangedAt)
	if err != nil {
		return model.MetricSnapshot{}, err
	}
	return TradeMetrics(trades, capital, elapsed), nil
}

// checkRetirement 连续亏损熔断优先于整体指标
func (c *Controller) checkRetirement(ctx context.Context, def *model.StrategyDefinition, m model.MetricSnapshot) (bool, error) {
	if c.lossStreakTripped(m) {
		return true, c.retire(ctx, def, ReasonConsecutiveLosses, m)
	}
	if bad, why := Underperforms(m, c.cfg.Retire); bad {
		c.log.Info("strategy underperforming", logger.String("strategy_id", def.ID), logger.String("detail", why))
		return true, c.retire(ctx, def, ReasonUnderperformance, m)
	}
	return false, nil
}

func (c *Controller) lossStreakTripped(m model.MetricSnapshot) bool {
	return c.cfg.MaxConsecutiveLoss > 0 && m.ConsecutiveLosses >= c.cfg.MaxConsecutiveLoss
}

func (c *Controller) retire(ctx context.Context, def *model.StrategyDefinition, reason string, m model.MetricSnapshot) error {
	if err := c.record(ctx, def, model.StageRetired, reason, m, ""); err != nil {
		return err
	}
	c.closeSessions(ctx, def.ID, "", model.ReasonStrategyRetired)
	return nil
}

// ensureSession 保证策略在该模式下有一个未关闭的会话，缺失时创建并启动
func (c *Controller) ensureSession(ctx context.Context, def *model.StrategyDefinition, mode model.SessionMode, capital float64) (bool, error) {
	sessions, err := c.deps.Store.ListSessionsByStrategy(ctx, def.ID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Mode == mode && s.State != model.SessionClosed {
			return false, nil
		}
	}

	profile := model.DefaultRiskProfile()
	if def.RiskProfileID != "" {
		p, err := c.deps.Store.GetRiskProfile(ctx, def.RiskProfileID)
		if err != nil {
			return false, err
		}
		profile = *p
	}

	sess := &model.AgentSession{
		StrategyID:     def.ID,
		UserID:         def.OwnerID,
		Symbol:         def.Symbol,
		Timeframe:      def.Timeframe,
		Mode:           mode,
		RunMode:        model.RunAlways,
		Desired:        model.DesiredAuto,
		State:          model.SessionStopped,
		InitialCapital: capital,
		CurrentCapital: capital,
		PeakEquity:     capital,
		RiskSnapshot:   datatypes.NewJSONType(profile),
	}
	if err := c.deps.Store.CreateSession(ctx, sess); err != nil {
		return false, err
	}
	c.log.Info("session created",
		logger.String("strategy_id", def.ID),
		logger.String("session_id", sess.ID),
		logger.String("mode", string(mode)))
	c.deps.Supervisor.Launch(ctx, sess.ID)
	return true, nil
}

// closeSessions 停止并关闭策略的会话，mode 为空表示全部
func (c *Controller) closeSessions(ctx context.Context, strategyID string, mode model.SessionMode, reason string) {
	sessions, err := c.deps.Store.ListSessionsByStrategy(ctx, strategyID)
	if err != nil {
		c.log.Error("failed to list sessions to close", logger.String("strategy_id", strategyID), logger.Error(err))
		return
	}
	for _, s := range sessions {
		if s.State == model.SessionClosed || (mode != "" && s.Mode != mode) {
			continue
		}
		c.deps.Supervisor.Halt(ctx, s.ID, reason)
		if err := c.deps.Store.UpdateSessionState(ctx, s.ID, model.SessionClosed, reason); err != nil {
			c.log.Error("failed to close session", logger.String("session_id", s.ID), logger.Error(err))
		}
	}
}

// record 写入生命周期事件；to 与当前阶段相同时只记录原因
func (c *Controller) record(ctx context.Context, def *model.StrategyDefinition, to model.Stage, reason string, m model.MetricSnapshot, backtestID string) error {
	ev := &model.LifecycleEvent{
		StrategyID: def.ID,
		From:       def.Stage,
		To:         to,
		Reason:     reason,
		Metrics:    datatypes.NewJSONType(m),
	}
	if err := c.deps.Store.RecordLifecycleEvent(ctx, ev, backtestID); err != nil {
		return err
	}

	if backtestID != "" {
		def.EvaluatedBacktestID = backtestID
	}
	if !ev.Transitioned() {
		c.publish(constants.EventStrategyEvaluated, def.ID, ev)
		return nil
	}

	def.Stage = to
	def.StageChangedAt = ev.CreatedAt
	c.deps.Metrics.Transition(string(ev.From), string(ev.To), reason)
	c.publish(constants.EventStrategyTransition, def.ID, ev)
	c.log.Info("strategy transitioned",
		logger.String("strategy_id", def.ID),
		logger.String("from", string(ev.From)),
		logger.String("to", string(ev.To)),
		logger.String("reason", reason))
	return nil
}

func (c *Controller) publish(eventType, key string, data interface{}) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(event.Event{Type: eventType, Source: "lifecycle", Key: key, Data: data})
}

// ===========================
// 策略生成
// ===========================

// generate 为每个配置的标的请求一份新策略。该用户在同一标的/周期上仍有待回测的策略时跳过
func (c *Controller) generate(ctx context.Context) error {
	if c.deps.Producer == nil || len(c.cfg.Universe) == 0 {
		return nil
	}

	pending, err := c.deps.Store.ListStrategiesByStage(ctx, model.StageGenerated, model.StageBacktested)
	if err != nil {
		return err
	}
	busy := make(map[string]bool, len(pending))
	for _, d := range pending {
		busy[d.OwnerID+"|"+d.Symbol+"|"+d.Timeframe] = true
	}

	for _, u := range c.cfg.Universe {
		if busy[u.UserID+"|"+u.Symbol+"|"+u.Timeframe] {
			continue
		}
		raw, err := c.deps.Producer.Produce(ctx, domain.ProduceRequest{UserID: u.UserID, Symbol: u.Symbol, Timeframe: u.Timeframe})
		if err != nil {
			c.log.Warn("producer failed", logger.String("symbol", u.Symbol), logger.Error(err))
			continue
		}
		if raw == nil {
			continue
		}
		if _, err := strategies.ParseSpec(raw); err != nil {
			c.log.Warn("producer returned invalid rules", logger.String("symbol", u.Symbol), logger.Error(err))
			continue
		}

		def := &model.StrategyDefinition{
			OwnerID:   u.UserID,
			Name:      fmt.Sprintf("auto-%s-%s-%d", u.Symbol, u.Timeframe, c.now().Unix()),
			Symbol:    u.Symbol,
			Timeframe: u.Timeframe,
			Rules:     datatypes.JSON(raw),
		}
		if err := c.deps.Store.CreateStrategy(ctx, def); err != nil {
			return err
		}
		c.publish(constants.EventStrategyCreated, def.ID, def)
		c.log.Info("strategy generated", logger.String("strategy_id", def.ID), logger.String("symbol", u.Symbol))
	}
	return nil
}

var _ domain.LifecycleEvaluator = (*Controller)(nil)
