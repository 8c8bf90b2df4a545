package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
	"polytrade.com/internal/store"
)

const testRules = `{"side":"long","entry":{"op":"gt","args":[{"op":"price"},{"op":"const","value":1}]}}`

type fakeSubmitter struct {
	st *store.GormStore

	mu   sync.Mutex
	reqs []domain.BacktestRequest
}

func (f *fakeSubmitter) SubmitBacktest(ctx context.Context, req domain.BacktestRequest) (*model.BacktestResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	bt := &model.BacktestResult{
		StrategyID:     req.StrategyID,
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartAt:        req.From,
		EndAt:          req.To,
		InitialCapital: req.Capital,
	}
	return bt, f.st.CreateBacktest(ctx, bt)
}

func (f *fakeSubmitter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeSupervisor struct {
	mu       sync.Mutex
	launched []string
	halted   map[string]string
}

func (f *fakeSupervisor) Launch(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, id)
}

func (f *fakeSupervisor) Halt(_ context.Context, id, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.halted == nil {
		f.halted = make(map[string]string)
	}
	f.halted[id] = reason
}

func (f *fakeSupervisor) Snapshot(string) (*model.AgentSession, bool) { return nil, false }

type fakeProducer map[string]string

func (f fakeProducer) Produce(_ context.Context, req domain.ProduceRequest) (json.RawMessage, error) {
	raw, ok := f[req.Symbol]
	if !ok {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

type fixture struct {
	ctx  context.Context
	st   *store.GormStore
	sub  *fakeSubmitter
	sup  *fakeSupervisor
	ctrl *Controller
}

func testConfig() config.LifecycleConfig {
	cfg := config.Default().Lifecycle
	cfg.Backtest = config.Thresholds{MinTrades: 30, MinWinRate: 0.45, MinProfitFactor: 1.2, MinSharpe: 0.5, MaxDrawdown: 0.25}
	cfg.Live = config.Thresholds{MinTrades: 3, MinWinRate: 0.5, MinProfitFactor: 1.5, MaxDrawdown: 0.5}
	cfg.Retire = config.Thresholds{MinTrades: 20, MinWinRate: 0.3, MinProfitFactor: 0.8, MaxDrawdown: 0.3}
	cfg.MaxConsecutiveLoss = 5
	cfg.MinPaperDuration = time.Hour
	return cfg
}

func newFixture(t *testing.T, cfg config.LifecycleConfig, producer domain.StrategyProducer) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "pt_")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	st := store.New(db)
	f := &fixture{ctx: context.Background(), st: st, sub: &fakeSubmitter{st: st}, sup: &fakeSupervisor{}}
	f.ctrl = NewController(cfg, Deps{
		Store:      st,
		Backtests:  f.sub,
		Supervisor: f.sup,
		Producer:   producer,
	})
	return f
}

func (f *fixture) strategy(t *testing.T) *model.StrategyDefinition {
	t.Helper()
	def := &model.StrategyDefinition{OwnerID: "u1", Name: "cross", Symbol: "BTC_USDT", Timeframe: "1h", Rules: []byte(testRules)}
	require.NoError(t, f.st.CreateStrategy(f.ctx, def))
	return def
}

// advance 直接写入迁移事件，把策略推进到指定阶段
func (f *fixture) advance(t *testing.T, id string, stages ...model.Stage) {
	t.Helper()
	for _, to := range stages {
		def, err := f.st.GetStrategy(f.ctx, id)
		require.NoError(t, err)
		require.NoError(t, f.st.RecordLifecycleEvent(f.ctx, &model.LifecycleEvent{StrategyID: id, From: def.Stage, To: to, Reason: "test"}, ""))
	}
}

func (f *fixture) complete(t *testing.T, strategyID string, m model.MetricSnapshot) *model.BacktestResult {
	t.Helper()
	bt, err := f.st.LatestBacktest(f.ctx, strategyID)
	require.NoError(t, err)
	require.NoError(t, f.st.MarkBacktestRunning(f.ctx, bt.ID, time.Now().UTC()))
	bt.TotalTrades = m.Trades
	bt.WinRate = m.WinRate
	bt.ProfitFactor = m.ProfitFactor
	bt.SharpeRatio = m.SharpeRatio
	bt.MaxDrawdown = m.MaxDrawdown
	bt.MaxLossStreak = m.ConsecutiveLosses
	bt.FinalCapital = bt.InitialCapital
	require.NoError(t, f.st.CompleteBacktest(f.ctx, bt))
	return bt
}

func (f *fixture) stage(t *testing.T, id string) model.Stage {
	t.Helper()
	def, err := f.st.GetStrategy(f.ctx, id)
	require.NoError(t, err)
	return def.Stage
}

func (f *fixture) reasons(t *testing.T, id string) []string {
	t.Helper()
	history, err := f.st.LifecycleHistory(f.ctx, id)
	require.NoError(t, err)
	out := make([]string, len(history))
	for i, ev := range history {
		out[i] = ev.Reason
		if ev.Transitioned() {
			require.True(t, ev.From.CanTransitionTo(ev.To), "%s -> %s", ev.From, ev.To)
		}
	}
	return out
}

func (f *fixture) paperTrades(t *testing.T, id string, pnls ...float64) {
	t.Helper()
	def, err := f.st.GetStrategy(f.ctx, id)
	require.NoError(t, err)
	at := def.StageChangedAt.Add(time.Minute)
	for i, pnl := range pnls {
		exit := at.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.st.SaveTrade(f.ctx, &model.TradeRecord{
			SessionID:   "paper-1",
			StrategyID:  id,
			Symbol:      "BTC_USDT",
			Mode:        model.ModePaper,
			Side:        model.SideLong,
			EntryTime:   exit.Add(-30 * time.Second),
			ExitTime:    exit,
			RealizedPnL: pnl,
			Outcome:     model.OutcomeOf(pnl),
		}))
	}
}

func pf(v float64) *float64 { return &v }

func passing() model.MetricSnapshot {
	return model.MetricSnapshot{Trades: 40, WinRate: 0.6, ProfitFactor: pf(2), SharpeRatio: 1.2, MaxDrawdown: 0.1}
}

func TestGeneratedThroughPaper(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	require.Equal(t, 1, f.sub.calls())
	req := f.sub.reqs[0]
	assert.Equal(t, "BTC_USDT", req.Symbol)
	assert.Equal(t, req.To.Truncate(time.Hour), req.To)
	assert.Equal(t, f.ctrl.cfg.BacktestLookback, req.To.Sub(req.From))

	// 回测未完成时只等待
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, 1, f.sub.calls())
	assert.Equal(t, model.StageGenerated, f.stage(t, def.ID))

	bt := f.complete(t, def.ID, passing())
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageBacktested, f.stage(t, def.ID))
	got, err := f.st.GetStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, bt.ID, got.EvaluatedBacktestID)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StagePaper, f.stage(t, def.ID))

	sessions, err := f.st.ListSessionsByStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.ModePaper, sessions[0].Mode)
	assert.Equal(t, model.RunAlways, sessions[0].RunMode)
	assert.Equal(t, f.ctrl.cfg.PaperCapital, sessions[0].InitialCapital)
	assert.Equal(t, model.DefaultRiskProfile().MaxRiskPerTradePercent, sessions[0].RiskSnapshot.Data().MaxRiskPerTradePercent)
	assert.Equal(t, []string{sessions[0].ID}, f.sup.launched)

	// 未开启实盘时停留在 PAPER
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StagePaper, f.stage(t, def.ID))

	assert.Equal(t, []string{ReasonBacktestPassed, ReasonPaperEnrolled}, f.reasons(t, def.ID))
}

func TestInsufficientSampleRetriesLater(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	f.complete(t, def.ID, model.MetricSnapshot{Trades: 5, WinRate: 0.8, ProfitFactor: pf(3), SharpeRatio: 2})

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageGenerated, f.stage(t, def.ID))
	assert.Equal(t, []string{ReasonInsufficient}, f.reasons(t, def.ID))

	// 同一份结果不重复评估
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Len(t, f.reasons(t, def.ID), 1)
	assert.Equal(t, 1, f.sub.calls())

	f.ctrl.now = func() time.Time { return time.Now().UTC().Add(7 * time.Hour) }
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, 2, f.sub.calls())
}

func TestBacktestRejectedRetires(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	m := passing()
	m.WinRate = 0.2
	f.complete(t, def.ID, m)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageRetired, f.stage(t, def.ID))
	assert.Equal(t, []string{ReasonBacktestRejected}, f.reasons(t, def.ID))

	// 已退役的策略不再参与批量评估
	require.NoError(t, f.ctrl.EvaluateAll(f.ctx))
	assert.Equal(t, 1, f.sub.calls())
}

func TestBacktestLossStreakRetiresDespitePassingMetrics(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	m := passing()
	m.WinRate = 0.75
	m.ProfitFactor = pf(6)
	m.ConsecutiveLosses = 10
	bt := f.complete(t, def.ID, m)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageRetired, f.stage(t, def.ID))
	assert.Equal(t, []string{ReasonConsecutiveLosses}, f.reasons(t, def.ID))

	stored, err := f.st.GetBacktest(f.ctx, bt.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.MaxLossStreak)
}

func TestInvalidDefinitionIsNotResubmitted(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	bt, err := f.st.LatestBacktest(f.ctx, def.ID)
	require.NoError(t, err)
	require.NoError(t, f.st.FinishBacktest(f.ctx, bt.ID, model.BacktestFailed, domain.ReasonCode(domain.ErrInvalidStrategyDefinition)))

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageGenerated, f.stage(t, def.ID))
	assert.Equal(t, []string{"invalid_definition"}, f.reasons(t, def.ID))

	f.ctrl.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, 1, f.sub.calls())
}

func TestConsecutiveLossesRetirePaperStrategy(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)
	f.advance(t, def.ID, model.StageBacktested)
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	require.Equal(t, model.StagePaper, f.stage(t, def.ID))

	f.paperTrades(t, def.ID, 50, -10, -10, -10, -10, -10)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageRetired, f.stage(t, def.ID))

	history, err := f.st.LifecycleHistory(f.ctx, def.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ReasonConsecutiveLosses, last.Reason)
	assert.Equal(t, 5, last.Metrics.Data().ConsecutiveLosses)

	sessions, err := f.st.ListSessionsByStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionClosed, sessions[0].State)
	assert.Equal(t, model.ReasonStrategyRetired, f.sup.halted[sessions[0].ID])
}

func TestUnderperformanceRetires(t *testing.T) {
	cfg := testConfig()
	cfg.Retire.MinTrades = 4
	f := newFixture(t, cfg, nil)
	def := f.strategy(t)
	f.advance(t, def.ID, model.StageBacktested)
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))

	// 胜率 0.25 低于 0.3，最近一笔为盈利所以不是连续亏损
	f.paperTrades(t, def.ID, -40, -40, -40, 10)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageRetired, f.stage(t, def.ID))
	reasons := f.reasons(t, def.ID)
	assert.Equal(t, ReasonUnderperformance, reasons[len(reasons)-1])
}

func TestPaperPromotesToLive(t *testing.T) {
	cfg := testConfig()
	cfg.LiveEnabled = true
	f := newFixture(t, cfg, nil)
	def := f.strategy(t)
	f.advance(t, def.ID, model.StageBacktested)
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	f.paperTrades(t, def.ID, 100, 100, -50, 100)

	// 模拟时长不足
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StagePaper, f.stage(t, def.ID))

	f.ctrl.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageLive, f.stage(t, def.ID))

	sessions, err := f.st.ListSessionsByStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, model.ModePaper, sessions[0].Mode)
	assert.Equal(t, model.SessionClosed, sessions[0].State)
	assert.Equal(t, ReasonLivePromoted, f.sup.halted[sessions[0].ID])
	assert.Equal(t, model.ModeLive, sessions[1].Mode)
	assert.Equal(t, cfg.LiveCapital, sessions[1].InitialCapital)
	assert.Contains(t, f.sup.launched, sessions[1].ID)

	// 实盘阶段只看实盘成交，模拟阶段的成交不影响
	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	assert.Equal(t, model.StageLive, f.stage(t, def.ID))
	assert.Equal(t, []string{"test", ReasonPaperEnrolled, ReasonLivePromoted}, f.reasons(t, def.ID))
}

func TestManualRetire(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)

	require.NoError(t, f.ctrl.Retire(f.ctx, def.ID, "duplicate"))
	assert.Equal(t, model.StageRetired, f.stage(t, def.ID))
	assert.Equal(t, []string{ReasonManualOverride + ": duplicate"}, f.reasons(t, def.ID))

	require.ErrorIs(t, f.ctrl.Retire(f.ctx, def.ID, ""), domain.ErrInvalidTransition)
	require.ErrorIs(t, f.ctrl.Retire(f.ctx, "missing", ""), domain.ErrNotFound)
}

func TestRepairsMissingSession(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)
	f.advance(t, def.ID, model.StageBacktested, model.StagePaper)

	require.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
	sessions, err := f.st.ListSessionsByStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	reasons := f.reasons(t, def.ID)
	assert.Equal(t, ReasonSessionRepaired, reasons[len(reasons)-1])
}

func TestConcurrentEvaluationCreatesOneSession(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	def := f.strategy(t)
	f.advance(t, def.ID, model.StageBacktested)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.ctrl.Evaluate(f.ctx, def.ID))
		}()
	}
	wg.Wait()

	sessions, err := f.st.ListSessionsByStrategy(f.ctx, def.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Len(t, f.sup.launched, 1)
	assert.Equal(t, model.StagePaper, f.stage(t, def.ID))
}

func TestEvaluateAllGeneratesFromProducer(t *testing.T) {
	cfg := testConfig()
	cfg.Universe = []config.UniverseEntry{
		{UserID: "u1", Symbol: "BTC_USDT", Timeframe: "1h"},
		{UserID: "u1", Symbol: "ETH_USDT", Timeframe: "1h"},
		{UserID: "u1", Symbol: "SOL_USDT", Timeframe: "1h"},
	}
	producer := fakeProducer{
		"BTC_USDT": testRules,
		"SOL_USDT": `{"side":"sideways"}`,
	}
	f := newFixture(t, cfg, producer)

	require.NoError(t, f.ctrl.EvaluateAll(f.ctx))
	defs, err := f.st.ListStrategiesByStage(f.ctx, model.StageGenerated)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "BTC_USDT", defs[0].Symbol)
	assert.Equal(t, 1, f.sub.calls(), "generated strategy is evaluated in the same pass")

	// 已有待回测的策略时不再生成
	require.NoError(t, f.ctrl.EvaluateAll(f.ctx))
	defs, err = f.st.ListStrategiesByStage(f.ctx, model.StageGenerated)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}
