package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := OpenSQLite(":memory:", "pt_")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return New(db)
}

func TestRecordLifecycleEventCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &model.StrategyDefinition{OwnerID: "u1", Name: "s", Symbol: "BTC_USDT", Timeframe: "1h", Rules: []byte(`{}`)}
	require.NoError(t, s.CreateStrategy(ctx, def))
	assert.Equal(t, model.StageGenerated, def.Stage)

	ev := &model.LifecycleEvent{StrategyID: def.ID, From: model.StageGenerated, To: model.StageBacktested, Reason: "backtest_passed"}
	require.NoError(t, s.RecordLifecycleEvent(ctx, ev, "bt-1"))

	got, err := s.GetStrategy(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageBacktested, got.Stage)
	assert.Equal(t, "bt-1", got.EvaluatedBacktestID)

	// 第二个评估者仍以 GENERATED 为前提
	stale := &model.LifecycleEvent{StrategyID: def.ID, From: model.StageGenerated, To: model.StageRetired, Reason: "backtest_rejected"}
	err = s.RecordLifecycleEvent(ctx, stale, "")
	require.ErrorIs(t, err, domain.ErrStageConflict)

	skip := &model.LifecycleEvent{StrategyID: def.ID, From: model.StageBacktested, To: model.StageLive}
	require.ErrorIs(t, s.RecordLifecycleEvent(ctx, skip, ""), domain.ErrInvalidTransition)

	note := &model.LifecycleEvent{StrategyID: def.ID, From: model.StageBacktested, To: model.StageBacktested, Reason: "insufficient_sample"}
	require.NoError(t, s.RecordLifecycleEvent(ctx, note, ""))

	history, err := s.LifecycleHistory(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "backtest_passed", history[0].Reason)
	assert.False(t, history[1].Transitioned())

	byStage, err := s.ListStrategiesByStage(ctx, model.StageBacktested, model.StagePaper)
	require.NoError(t, err)
	require.Len(t, byStage, 1)
}

func TestBacktestCompletesOnlyWhileRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &model.BacktestResult{StrategyID: "s1", Symbol: "BTC_USDT", Timeframe: "1h", InitialCapital: 1000}
	require.NoError(t, s.CreateBacktest(ctx, b))
	assert.Equal(t, model.BacktestQueued, b.Status)

	// queued 状态下不能直接完成
	require.ErrorIs(t, s.CompleteBacktest(ctx, b), domain.ErrBacktestFinished)

	require.NoError(t, s.MarkBacktestRunning(ctx, b.ID, time.Now().UTC()))
	require.NoError(t, s.UpdateBacktestProgress(ctx, b.ID, 0.5))

	b.FinalCapital = 1100
	b.TotalTrades = 1
	b.WinRate = 1
	b.EquityCurve = []model.EquityPoint{{Time: time.Unix(0, 0).UTC(), Equity: 1000}, {Time: time.Unix(3600, 0).UTC(), Equity: 1100}}
	b.Trades = []model.TradeRecord{{Symbol: "BTC_USDT", Mode: model.ModeBacktest, Side: model.SideLong, RealizedPnL: 100, Outcome: model.OutcomeWin, ExitTime: time.Unix(3600, 0).UTC()}}
	require.NoError(t, s.CompleteBacktest(ctx, b))

	got, err := s.GetBacktest(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BacktestCompleted, got.Status)
	assert.Nil(t, got.ProfitFactor)
	assert.Len(t, got.EquityCurve, 2)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, "s1", got.Trades[0].StrategyID)

	// 完成后不可再变更
	require.ErrorIs(t, s.FinishBacktest(ctx, b.ID, model.BacktestCanceled, "late"), domain.ErrBacktestFinished)
	require.ErrorIs(t, s.CompleteBacktest(ctx, b), domain.ErrBacktestFinished)
	require.ErrorIs(t, s.FinishBacktest(ctx, "missing", model.BacktestFailed, "x"), domain.ErrNotFound)
}

func TestFailInterruptedBacktests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	queued := &model.BacktestResult{StrategyID: "s1"}
	running := &model.BacktestResult{StrategyID: "s1"}
	require.NoError(t, s.CreateBacktest(ctx, queued))
	require.NoError(t, s.CreateBacktest(ctx, running))
	require.NoError(t, s.MarkBacktestRunning(ctx, running.ID, time.Now().UTC()))

	n, err := s.FailInterruptedBacktests(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := s.GetBacktest(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BacktestFailed, got.Status)
	assert.Equal(t, "interrupted", got.Reason)
}

func TestSessionStatePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &model.AgentSession{StrategyID: "s1", UserID: "u1", Symbol: "BTC_USDT", Timeframe: "1h",
		Mode: model.ModePaper, RunMode: model.RunAlways, InitialCapital: 10000}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.Equal(t, 10000.0, sess.CurrentCapital)
	assert.Equal(t, model.DesiredAuto, sess.Desired)

	require.NoError(t, s.SetSessionDesired(ctx, sess.ID, model.DesiredStopped))

	now := time.Now().UTC()
	sess.State = model.SessionRunning
	sess.CurrentCapital = 10200
	sess.RealizedPnL = 200
	sess.HeartbeatAt = &now
	sess.Positions = []model.Position{{ID: "p1", Side: model.SideLong, EntryPrice: 100, Quantity: 2}}
	sess.Desired = model.DesiredAuto
	require.NoError(t, s.SaveSessionState(ctx, sess))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionRunning, got.State)
	assert.Equal(t, 10200.0, got.CurrentCapital)
	assert.Equal(t, model.DesiredStopped, got.Desired, "runtime saves never touch the desired state")
	require.Len(t, got.Positions, 1)
	assert.Equal(t, "p1", got.Positions[0].ID)

	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, model.SessionClosed, model.ReasonStrategyRetired))
	sess.State = model.SessionRunning
	require.NoError(t, s.SaveSessionState(ctx, sess))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.State)

	require.NoError(t, s.UpdateSessionState(ctx, sess.ID, model.SessionCrashed, model.ReasonSessionCrashed))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionClosed, got.State)
	require.ErrorIs(t, s.UpdateSessionState(ctx, "missing", model.SessionStopped, ""), domain.ErrNotFound)

	supervised, err := s.ListSupervisedSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, supervised)

	require.NoError(t, s.AppendSessionEvent(ctx, &model.SessionEvent{SessionID: sess.ID, Reason: model.ReasonFeedStale}))
	require.NoError(t, s.AppendSessionEvent(ctx, &model.SessionEvent{SessionID: sess.ID, Reason: model.ReasonFeedResumed}))
	history, err := s.SessionHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ReasonFeedStale, history[0].Reason)

	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradesAndBars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveTrade(ctx, &model.TradeRecord{
			SessionID: "sess", StrategyID: "s1", Mode: model.ModePaper,
			ExitTime: t0.Add(time.Duration(2-i) * time.Hour), RealizedPnL: float64(i),
		}))
	}
	require.NoError(t, s.SaveTrade(ctx, &model.TradeRecord{StrategyID: "s1", Mode: model.ModeLive, ExitTime: t0}))

	trades, err := s.ListTradesByStrategy(ctx, "s1", model.ModePaper, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].ExitTime.Before(trades[1].ExitTime))

	bars := []model.Bar{
		{Symbol: "BTC_USDT", Timeframe: "1h", OpenTime: t0.Add(time.Hour), Open: 1, High: 2, Low: 1, Close: 2},
		{Symbol: "BTC_USDT", Timeframe: "1h", OpenTime: t0, Open: 1, High: 1, Low: 1, Close: 1},
	}
	require.NoError(t, s.SaveBars(ctx, bars))
	bars[0].Close = 3
	require.NoError(t, s.SaveBars(ctx, bars[:1]))

	got, err := s.Bars(ctx, "BTC_USDT", "1h", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].OpenTime.Equal(t0))
	assert.Equal(t, 3.0, got[1].Close)
}

func TestUsersAndProfiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &model.User{ID: "u1", Active: true}))
	require.NoError(t, s.SaveUser(ctx, &model.User{ID: "u1", Active: false, AutoStart: true}))
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Active)
	assert.True(t, u.AutoStart)

	p := model.DefaultRiskProfile()
	require.NoError(t, s.CreateRiskProfile(ctx, &p))
	p.StopLossPercent = 3
	require.NoError(t, s.UpdateRiskProfile(ctx, &p))
	got, err := s.GetRiskProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.StopLossPercent)

	missing := model.DefaultRiskProfile()
	missing.ID = "nope"
	require.ErrorIs(t, s.UpdateRiskProfile(ctx, &missing), domain.ErrNotFound)
}
