package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
	"polytrade.com/internal/store"
	"polytrade.com/internal/strategies"
)

const longRules = `{"side":"long","entry":{"op":"gt","args":[{"op":"price"},{"op":"const","value":1}]}}`

type fakeSupervisor struct {
	mu       sync.Mutex
	launched []string
	halted   map[string]string
	running  map[string]*model.AgentSession
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

func (f *fakeSupervisor) Snapshot(id string) (*model.AgentSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.running[id]
	return s, ok
}

func newStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := store.OpenSQLite(":memory:", "pt_")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store.New(db)
}

func createStrategy(t *testing.T, st *store.GormStore, stage model.Stage) *model.StrategyDefinition {
	t.Helper()
	def := &model.StrategyDefinition{OwnerID: "u1", Name: "s", Symbol: "BTC_USDT", Timeframe: "1h", Rules: []byte(longRules)}
	require.NoError(t, st.CreateStrategy(context.Background(), def))
	path := map[model.Stage][]model.Stage{
		model.StageBacktested: {model.StageBacktested},
		model.StagePaper:      {model.StageBacktested, model.StagePaper},
		model.StageLive:       {model.StageBacktested, model.StagePaper, model.StageLive},
	}
	for _, to := range path[stage] {
		cur, err := st.GetStrategy(context.Background(), def.ID)
		require.NoError(t, err)
		require.NoError(t, st.RecordLifecycleEvent(context.Background(),
			&model.LifecycleEvent{StrategyID: def.ID, From: cur.Stage, To: to, Reason: "test"}, ""))
	}
	return def
}

// risingBars 每根上涨 1%，足以触发止盈
func risingBars(start time.Time, n int) []model.Bar {
	bars := make([]model.Bar, n)
	price := 100.0
	for i := range bars {
		open := price
		price *= 1.01
		bars[i] = model.Bar{
			Symbol:    "BTC_USDT",
			Timeframe: "1h",
			OpenTime:  start.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      price,
			Low:       open * 0.999,
			Close:     price,
			Volume:    1,
		}
	}
	return bars
}

func statusCode(err error) int {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}

// ===========================
// 回测服务
// ===========================

func newBacktestService(t *testing.T, st *store.GormStore) *BacktestServiceImpl {
	t.Helper()
	cfg := config.Default().Backtest
	cfg.ProgressEvery = 10
	svc := NewBacktestService(st, strategies.NewCompiler(st), cfg, nil, nil, nil)
	t.Cleanup(svc.Close)
	return svc
}

func waitTerminal(t *testing.T, svc *BacktestServiceImpl, id string) *domain.BacktestStatus {
	t.Helper()
	var status *domain.BacktestStatus
	require.Eventually(t, func() bool {
		s, err := svc.GetBacktestStatus(context.Background(), id)
		require.NoError(t, err)
		status = s
		return s.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestBacktestRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	def := createStrategy(t, st, model.StageGenerated)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveBars(ctx, risingBars(start, 100)))

	svc := newBacktestService(t, st)
	id, err := svc.RunBacktest(ctx, domain.BacktestRequest{
		StrategyID: def.ID,
		From:       start,
		To:         start.Add(100 * time.Hour),
	})
	require.NoError(t, err)

	status := waitTerminal(t, svc, id)
	require.Equal(t, model.BacktestCompleted, status.Status)
	assert.Equal(t, 1.0, status.Progress)
	require.NotNil(t, status.Result)
	assert.Equal(t, 10000.0, status.Result.InitialCapital)
	assert.Greater(t, status.Result.TotalTrades, 0)
	assert.Len(t, status.Result.EquityCurve, 100)
	assert.Len(t, status.Result.Trades, status.Result.TotalTrades)
	assert.Greater(t, status.Result.FinalCapital, status.Result.InitialCapital)
}

func TestBacktestDataGapFailsWithReason(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	def := createStrategy(t, st, model.StageGenerated)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := risingBars(start, 50)
	bars = append(bars[:20], bars[21:]...)
	require.NoError(t, st.SaveBars(ctx, bars))

	svc := newBacktestService(t, st)
	id, err := svc.RunBacktest(ctx, domain.BacktestRequest{StrategyID: def.ID, From: start, To: start.Add(50 * time.Hour)})
	require.NoError(t, err)

	status := waitTerminal(t, svc, id)
	assert.Equal(t, model.BacktestFailed, status.Status)
	assert.Equal(t, "data_gap", status.Reason)
	assert.Nil(t, status.Result)

	trades, err := st.ListTradesByStrategy(ctx, def.ID, model.ModeBacktest, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestBacktestRequestValidation(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	def := createStrategy(t, st, model.StageGenerated)
	svc := newBacktestService(t, st)
	now := time.Now().UTC()

	_, err := svc.RunBacktest(ctx, domain.BacktestRequest{StrategyID: def.ID, From: now, To: now.Add(-time.Hour)})
	assert.Equal(t, 400, statusCode(err))

	_, err = svc.RunBacktest(ctx, domain.BacktestRequest{StrategyID: def.ID, Timeframe: "7m", From: now.Add(-time.Hour), To: now})
	assert.Equal(t, 400, statusCode(err))

	_, err = svc.RunBacktest(ctx, domain.BacktestRequest{StrategyID: "missing", From: now.Add(-time.Hour), To: now})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelBacktest(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	def := createStrategy(t, st, model.StageGenerated)
	svc := newBacktestService(t, st)

	// 不在本进程执行的 queued 记录
	bt := &model.BacktestResult{StrategyID: def.ID, Symbol: "BTC_USDT", Timeframe: "1h", InitialCapital: 1000}
	require.NoError(t, st.CreateBacktest(ctx, bt))
	require.NoError(t, svc.CancelBacktest(ctx, bt.ID))

	status, err := svc.GetBacktestStatus(ctx, bt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BacktestCanceled, status.Status)

	assert.ErrorIs(t, svc.CancelBacktest(ctx, bt.ID), domain.ErrBacktestFinished)
	assert.ErrorIs(t, svc.CancelBacktest(ctx, "missing"), domain.ErrNotFound)
}

func TestRecoverFailsInterruptedBacktests(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	def := createStrategy(t, st, model.StageGenerated)
	bt := &model.BacktestResult{StrategyID: def.ID, Symbol: "BTC_USDT", Timeframe: "1h", InitialCapital: 1000}
	require.NoError(t, st.CreateBacktest(ctx, bt))

	svc := newBacktestService(t, st)
	require.NoError(t, svc.Recover(ctx))

	got, err := st.GetBacktest(ctx, bt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BacktestFailed, got.Status)
	assert.Equal(t, "interrupted", got.Reason)
}

// ===========================
// 会话服务
// ===========================

func TestStartSessionSnapshotsProfileAndLaunches(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sup := &fakeSupervisor{}
	svc := NewSessionService(st, sup, config.Default().Session, nil)

	profile := model.DefaultRiskProfile()
	profile.StopLossPercent = 3
	require.NoError(t, st.CreateRiskProfile(ctx, &profile))
	def := createStrategy(t, st, model.StagePaper)
	def.RiskProfileID = profile.ID
	require.NoError(t, st.DB().Model(def).Update("risk_profile_id", profile.ID).Error)

	id, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: def.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, sup.launched)

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ModePaper, sess.Mode)
	assert.Equal(t, model.RunNever, sess.RunMode)
	assert.Equal(t, model.DesiredRunning, sess.Desired)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "BTC_USDT", sess.Symbol)
	assert.Equal(t, "1h", sess.Timeframe)
	assert.Equal(t, config.Default().Session.DefaultCapital, sess.InitialCapital)
	assert.Equal(t, 3.0, sess.RiskSnapshot.Data().StopLossPercent)
}

func TestStartSessionStageChecks(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewSessionService(st, &fakeSupervisor{}, config.Default().Session, nil)

	paper := createStrategy(t, st, model.StagePaper)
	_, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: paper.ID, Mode: model.ModeLive})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	live := createStrategy(t, st, model.StageLive)
	_, err = svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: live.ID, Mode: model.ModeLive, Capital: 500})
	require.NoError(t, err)

	_, err = svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: paper.ID, Mode: "backtest"})
	assert.Equal(t, 400, statusCode(err))
}

func TestStopSessionRecordsIntent(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sup := &fakeSupervisor{}
	svc := NewSessionService(st, sup, config.Default().Session, nil)
	def := createStrategy(t, st, model.StagePaper)

	id, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: def.ID})
	require.NoError(t, err)
	require.NoError(t, svc.StopSession(ctx, id))

	sess, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.DesiredStopped, sess.Desired)
	assert.Contains(t, sup.halted, id)

	assert.ErrorIs(t, svc.StopSession(ctx, "missing"), domain.ErrNotFound)
}

func TestGetSessionStatusPrefersLiveSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sup := &fakeSupervisor{running: map[string]*model.AgentSession{}}
	svc := NewSessionService(st, sup, config.Default().Session, nil)
	def := createStrategy(t, st, model.StagePaper)

	id, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: def.ID, Capital: 1000})
	require.NoError(t, err)

	status, err := svc.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 1000.0, status.Capital)
	assert.NotNil(t, status.Positions)

	sup.running[id] = &model.AgentSession{
		ID:             id,
		StrategyID:     def.ID,
		Mode:           model.ModePaper,
		State:          model.SessionRunning,
		CurrentCapital: 1010,
		RealizedPnL:    10,
		UnrealizedPnL:  5,
		Positions:      datatypes.JSONSlice[model.Position]{{ID: "p1", Side: model.SideLong, Quantity: 1}},
	}
	status, err = svc.GetSessionStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 1015.0, status.Equity)
	assert.Len(t, status.Positions, 1)
}

func TestUserActivationControlsManualSessions(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sup := &fakeSupervisor{}
	svc := NewSessionService(st, sup, config.Default().Session, nil)
	def := createStrategy(t, st, model.StagePaper)

	// 用户未激活，manual 会话不启动
	manual, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: def.ID, RunMode: model.RunManual})
	require.NoError(t, err)
	always, err := svc.StartSession(ctx, domain.StartSessionRequest{StrategyID: def.ID, RunMode: model.RunAlways})
	require.NoError(t, err)
	assert.Equal(t, []string{always}, sup.launched)

	require.NoError(t, st.SetSessionDesired(ctx, manual, model.DesiredStopped))
	autoStart := true
	require.NoError(t, svc.ActivateUser(ctx, "u1", &autoStart))

	user, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, user.Active)
	assert.True(t, user.AutoStart)

	sess, err := st.GetSession(ctx, manual)
	require.NoError(t, err)
	assert.Equal(t, model.DesiredAuto, sess.Desired)
	assert.Equal(t, []string{always, manual}, sup.launched)

	require.NoError(t, svc.DeactivateUser(ctx, "u1"))
	assert.Contains(t, sup.halted, manual)
	assert.NotContains(t, sup.halted, always)

	user, err = st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, user.Active)

	assert.ErrorIs(t, svc.DeactivateUser(ctx, "nobody"), domain.ErrNotFound)
}

// ===========================
// 策略服务
// ===========================

type fakeRetirer struct {
	ids []string
}

func (f *fakeRetirer) Retire(_ context.Context, id, _ string) error {
	f.ids = append(f.ids, id)
	return nil
}

func TestCreateStrategyValidates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewStrategyService(st, strategies.NewCompiler(st), &fakeRetirer{}, nil, nil)

	def := &model.StrategyDefinition{OwnerID: "u1", Symbol: "ETH_USDT", Timeframe: "4h", Rules: []byte(longRules), Stage: model.StageLive}
	require.NoError(t, svc.CreateStrategy(ctx, def))
	assert.Equal(t, model.StageGenerated, def.Stage)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "ETH_USDT-4h", def.Name)

	bad := &model.StrategyDefinition{OwnerID: "u1", Symbol: "ETH_USDT", Timeframe: "4h", Rules: []byte(`{"side":"up"}`)}
	assert.ErrorIs(t, svc.CreateStrategy(ctx, bad), domain.ErrInvalidStrategyDefinition)

	tf := &model.StrategyDefinition{OwnerID: "u1", Symbol: "ETH_USDT", Timeframe: "3d", Rules: []byte(longRules)}
	assert.ErrorIs(t, svc.CreateStrategy(ctx, tf), domain.ErrInvalidStrategyDefinition)

	noProfile := &model.StrategyDefinition{OwnerID: "u1", Symbol: "ETH_USDT", Timeframe: "4h", Rules: []byte(longRules), RiskProfileID: "missing"}
	assert.ErrorIs(t, svc.CreateStrategy(ctx, noProfile), domain.ErrNotFound)

	list, total, err := svc.ListStrategies(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, list, 1)
}

func TestUpdateRiskProfileRejectedWhileInUse(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := NewStrategyService(st, strategies.NewCompiler(st), &fakeRetirer{}, nil, nil)

	profile := model.DefaultRiskProfile()
	require.NoError(t, svc.CreateRiskProfile(ctx, &profile))

	invalid := profile
	invalid.MaxRiskPerTradePercent = 0
	assert.ErrorIs(t, svc.UpdateRiskProfile(ctx, &invalid), domain.ErrInvalidRiskParameters)

	def := &model.StrategyDefinition{OwnerID: "u1", Symbol: "BTC_USDT", Timeframe: "1h", Rules: []byte(longRules), RiskProfileID: profile.ID}
	require.NoError(t, svc.CreateStrategy(ctx, def))

	sess := &model.AgentSession{StrategyID: def.ID, UserID: "u1", Symbol: "BTC_USDT", Timeframe: "1h", Mode: model.ModePaper, InitialCapital: 1000}
	require.NoError(t, st.CreateSession(ctx, sess))

	// 已停止的会话不占用
	profile.StopLossPercent = 3
	require.NoError(t, svc.UpdateRiskProfile(ctx, &profile))

	require.NoError(t, st.UpdateSessionState(ctx, sess.ID, model.SessionRunning, ""))
	profile.StopLossPercent = 4
	assert.ErrorIs(t, svc.UpdateRiskProfile(ctx, &profile), domain.ErrProfileInUse)

	got, err := st.GetRiskProfile(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.StopLossPercent)

	// 熔断暂停的会话仍然占用
	require.NoError(t, st.UpdateSessionState(ctx, sess.ID, model.SessionHalted, "loss_breaker"))
	profile.StopLossPercent = 5
	assert.ErrorIs(t, svc.UpdateRiskProfile(ctx, &profile), domain.ErrProfileInUse)

	require.NoError(t, st.UpdateSessionState(ctx, sess.ID, model.SessionStopped, ""))
	require.NoError(t, svc.UpdateRiskProfile(ctx, &profile))
}

func TestRetireAndHistory(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	retirer := &fakeRetirer{}
	svc := NewStrategyService(st, strategies.NewCompiler(st), retirer, nil, nil)
	def := createStrategy(t, st, model.StagePaper)

	require.NoError(t, svc.RetireStrategy(ctx, def.ID, "manual"))
	assert.Equal(t, []string{def.ID}, retirer.ids)

	history, err := svc.GetLifecycleHistory(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.StagePaper, history[1].To)

	_, err = svc.GetLifecycleHistory(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// ===========================
// 行情服务
// ===========================

type fakeCandles struct {
	calls int
}

func (f *fakeCandles) Candles(_ context.Context, symbol, timeframe string, from, to time.Time) ([]model.Bar, error) {
	f.calls++
	var bars []model.Bar
	for t := from; t.Before(to); t = t.Add(time.Minute) {
		bars = append(bars, model.Bar{Symbol: symbol, Timeframe: timeframe, OpenTime: t, Open: 1, High: 1, Low: 1, Close: 1})
	}
	return bars, nil
}

func TestSyncBarsInBatches(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	src := &fakeCandles{}
	svc := NewMarketService(src, st, nil)

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(1200 * time.Minute)
	n, err := svc.SyncBars(ctx, "BTC_USDT", "1m", from, to)
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
	assert.Equal(t, 3, src.calls)

	// 重复同步覆盖写入
	_, err = svc.SyncBars(ctx, "BTC_USDT", "1m", from, to)
	require.NoError(t, err)
	bars, err := st.Bars(ctx, "BTC_USDT", "1m", from, to)
	require.NoError(t, err)
	assert.Len(t, bars, 1200)

	_, err = svc.SyncBars(ctx, "BTC_USDT", "2w", from, to)
	assert.Equal(t, 400, statusCode(err))
	_, err = svc.SyncBars(ctx, "BTC_USDT", "1m", to, from)
	assert.Equal(t, 400, statusCode(err))
}
