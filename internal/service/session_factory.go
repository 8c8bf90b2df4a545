package service

import (
	"context"
	"fmt"

	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
	"polytrade.com/internal/scheduler"
	"polytrade.com/internal/strategies"
	"polytrade.com/internal/trading"
)

// SessionFactory 为调度器构建会话任务。实盘会话共享一个成交器，熔断状态在会话之间共享
type SessionFactory struct {
	store    domain.Store
	compiler *strategies.Compiler
	feed     domain.FeedSource
	live     trading.Filler
	cfg      config.SessionConfig
	bus      event.Publisher
	metrics  *metrics.Recorder
	log      *logger.Logger
}

// NewSessionFactory live 为 nil 时实盘会话无法启动
func NewSessionFactory(
	store domain.Store,
	compiler *strategies.Compiler,
	feed domain.FeedSource,
	live trading.Filler,
	cfg config.SessionConfig,
	bus event.Publisher,
	rec *metrics.Recorder,
	log *logger.Logger,
) *SessionFactory {
	if log == nil {
		log = logger.Nop()
	}
	return &SessionFactory{
		store:    store,
		compiler: compiler,
		feed:     feed,
		live:     live,
		cfg:      cfg,
		bus:      bus,
		metrics:  rec,
		log:      log,
	}
}

// Build 实现 scheduler.TaskFactory
func (f *SessionFactory) Build(ctx context.Context, rec model.AgentSession) (scheduler.Task, error) {
	def, err := f.store.GetStrategy(ctx, rec.StrategyID)
	if err != nil {
		return nil, err
	}
	if def.Stage == model.StageRetired {
		return nil, fmt.Errorf("%w: strategy %s is retired", domain.ErrInvalidInput, def.ID)
	}
	ev, err := f.compiler.Compile(ctx, def)
	if err != nil {
		return nil, err
	}

	var filler trading.Filler = trading.PaperFiller{}
	if rec.Mode == model.ModeLive {
		if f.live == nil {
			return nil, fmt.Errorf("%w: live execution is not configured", domain.ErrExecutionFailure)
		}
		filler = f.live
	}

	sess, err := trading.NewSession(rec, ev, f.cfg, trading.Deps{
		Store:   f.store,
		Feed:    f.feed,
		History: f.store,
		Filler:  filler,
		Bus:     f.bus,
		Metrics: f.metrics,
		Log:     f.log,
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}
