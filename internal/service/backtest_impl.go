package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"
	"polytrade.com/internal/backtest"
	"polytrade.com/internal/config"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
	"polytrade.com/internal/strategies"
)

var validate = validator.New()

// BacktestServiceImpl 实现 domain.BacktestService 接口。回测异步执行，并发数受信号量限制
type BacktestServiceImpl struct {
	store    domain.Store
	compiler *strategies.Compiler
	cfg      config.BacktestConfig
	sem      *semaphore.Weighted
	bus      event.Publisher
	metrics  *metrics.Recorder
	log      *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	// 上下文控制
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBacktestService 创建回测服务
func NewBacktestService(
	store domain.Store,
	compiler *strategies.Compiler,
	cfg config.BacktestConfig,
	bus event.Publisher,
	rec *metrics.Recorder,
	log *logger.Logger,
) *BacktestServiceImpl {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BacktestServiceImpl{
		store:    store,
		compiler: compiler,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		bus:      bus,
		metrics:  rec,
		log:      log.With(logger.Component("backtest")),
		cancels:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Recover 启动时把上次进程遗留的未完成回测标记为失败
func (s *BacktestServiceImpl) Recover(ctx context.Context) error {
	n, err := s.store.FailInterruptedBacktests(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Warn("interrupted backtests marked failed", logger.Int64("count", n))
	}
	return nil
}

// SubmitBacktest 校验请求、写入 queued 记录并异步执行
func (s *BacktestServiceImpl) SubmitBacktest(ctx context.Context, req domain.BacktestRequest) (*model.BacktestResult, error) {
	if err := defaults.Set(&req); err != nil {
		return nil, domain.NewInternalError("failed to apply request defaults", err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, domain.NewBadRequestError("invalid backtest request", err)
	}

	def, err := s.store.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return nil, err
	}
	if req.Symbol == "" {
		req.Symbol = def.Symbol
	}
	if req.Timeframe == "" {
		req.Timeframe = def.Timeframe
	}
	if _, err := model.ParseTimeframe(req.Timeframe); err != nil {
		return nil, domain.NewBadRequestError("invalid timeframe", err)
	}

	bt := &model.BacktestResult{
		StrategyID:     def.ID,
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartAt:        req.From.UTC(),
		EndAt:          req.To.UTC(),
		InitialCapital: req.Capital,
		FinalCapital:   req.Capital,
	}
	if err := s.store.CreateBacktest(ctx, bt); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancels[bt.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, *bt, def)

	s.log.Info("backtest queued",
		logger.String("backtest_id", bt.ID),
		logger.String("strategy_id", def.ID),
		logger.String("symbol", bt.Symbol))
	return bt, nil
}

// RunBacktest 提交回测并返回 ID
func (s *BacktestServiceImpl) RunBacktest(ctx context.Context, req domain.BacktestRequest) (string, error) {
	bt, err := s.SubmitBacktest(ctx, req)
	if err != nil {
		return "", err
	}
	return bt.ID, nil
}

func (s *BacktestServiceImpl) GetBacktestStatus(ctx context.Context, id string) (*domain.BacktestStatus, error) {
	bt, err := s.store.GetBacktest(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &domain.BacktestStatus{
		ID:       bt.ID,
		Status:   bt.Status,
		Progress: bt.Progress,
		Reason:   bt.Reason,
	}
	if bt.Status == model.BacktestCompleted {
		status.Result = bt
	}
	return status, nil
}

// CancelBacktest 协作式取消，执行中的回测在下一根 K 线处停止
func (s *BacktestServiceImpl) CancelBacktest(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	bt, err := s.store.GetBacktest(ctx, id)
	if err != nil {
		return err
	}
	if bt.Status.Terminal() {
		return domain.NewConflictError("backtest already finished", domain.ErrBacktestFinished)
	}
	// 记录存在但不在本进程中执行
	return s.store.FinishBacktest(ctx, id, model.BacktestCanceled, "canceled")
}

// Close 取消所有回测并等待退出
func (s *BacktestServiceImpl) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *BacktestServiceImpl) execute(ctx context.Context, bt model.BacktestResult, def *model.StrategyDefinition) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[bt.ID]; ok {
			cancel()
			delete(s.cancels, bt.ID)
		}
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(bt, err)
		return
	}
	defer s.sem.Release(1)

	started := time.Now()
	if err := s.store.MarkBacktestRunning(ctx, bt.ID, started.UTC()); err != nil {
		s.log.Warn("backtest not runnable", logger.String("backtest_id", bt.ID), logger.Error(err))
		return
	}

	res, err := s.simulate(ctx, bt, def)
	if err != nil {
		s.finish(bt, err)
		s.metrics.BacktestFinished(string(s.statusFor(err)), time.Since(started).Seconds())
		return
	}

	bt.FinalCapital = res.FinalCapital
	bt.EquityCurve = res.EquityCurve
	bt.TotalTrades = res.Metrics.TotalTrades
	bt.WinRate = res.Metrics.WinRate
	bt.ProfitFactor = res.Metrics.ProfitFactor
	bt.TotalReturn = res.Metrics.TotalReturn
	bt.SharpeRatio = res.Metrics.SharpeRatio
	bt.MaxDrawdown = res.Metrics.MaxDrawdown
	bt.MaxLossStreak = res.Metrics.MaxConsecutiveLosses
	bt.Trades = res.Trades

	// 取消与完成竞争时以数据库中的状态为准
	if err := s.store.CompleteBacktest(context.Background(), &bt); err != nil {
		s.log.Warn("backtest result discarded", logger.String("backtest_id", bt.ID), logger.Error(err))
		return
	}
	s.metrics.BacktestFinished(string(model.BacktestCompleted), time.Since(started).Seconds())
	s.publish(constants.EventBacktestCompleted, &bt)
	s.log.Info("backtest completed",
		logger.String("backtest_id", bt.ID),
		logger.Int("trades", bt.TotalTrades),
		logger.Float64("total_return", bt.TotalReturn),
		logger.Duration("elapsed", time.Since(started)))
}

func (s *BacktestServiceImpl) simulate(ctx context.Context, bt model.BacktestResult, def *model.StrategyDefinition) (*backtest.Result, error) {
	ev, err := s.compiler.Compile(ctx, def)
	if err != nil {
		return nil, err
	}

	profile := model.DefaultRiskProfile()
	if def.RiskProfileID != "" {
		p, err := s.store.GetRiskProfile(ctx, def.RiskProfileID)
		if err != nil {
			return nil, err
		}
		profile = *p
	}

	engine, err := backtest.NewEngine(backtest.Config{
		Symbol:         bt.Symbol,
		Timeframe:      bt.Timeframe,
		InitialCapital: bt.InitialCapital,
		FeeBps:         s.cfg.FeeBps,
		SlippageBps:    s.cfg.SlippageBps,
		Profile:        profile,
		ProgressEvery:  s.cfg.ProgressEvery,
	})
	if err != nil {
		return nil, err
	}

	bars, err := s.store.Bars(ctx, bt.Symbol, bt.Timeframe, bt.StartAt, bt.EndAt)
	if err != nil {
		return nil, err
	}

	return engine.Run(ctx, ev, bars, func(done, total int) {
		if err := s.store.UpdateBacktestProgress(ctx, bt.ID, float64(done)/float64(total)); err != nil {
			s.log.Debug("progress update failed", logger.String("backtest_id", bt.ID), logger.Error(err))
		}
	})
}

func (s *BacktestServiceImpl) statusFor(err error) model.BacktestStatus {
	if errors.Is(err, context.Canceled) {
		return model.BacktestCanceled
	}
	return model.BacktestFailed
}

// finish 写入失败或取消终态，原因码写入记录
func (s *BacktestServiceImpl) finish(bt model.BacktestResult, err error) {
	status := s.statusFor(err)
	reason := "canceled"
	if status == model.BacktestFailed {
		reason = domain.ReasonCode(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := s.store.FinishBacktest(ctx, bt.ID, status, reason); ferr != nil {
		s.log.Warn("failed to finish backtest", logger.String("backtest_id", bt.ID), logger.Error(ferr))
		return
	}
	bt.Status = status
	bt.Reason = reason
	s.publish(constants.EventBacktestFailed, &bt)
	s.log.Info("backtest finished",
		logger.String("backtest_id", bt.ID),
		logger.String("status", string(status)),
		logger.String("reason", reason),
		logger.Error(err))
}

func (s *BacktestServiceImpl) publish(eventType string, bt *model.BacktestResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{Type: eventType, Source: "backtest", Key: bt.StrategyID, Data: bt})
}

// 确保实现了接口
var _ domain.BacktestService = (*BacktestServiceImpl)(nil)
