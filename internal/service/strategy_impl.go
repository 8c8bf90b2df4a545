package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
	"polytrade.com/internal/risk"
	"polytrade.com/internal/strategies"
)

// Retirer 人工淘汰策略，由生命周期控制器实现
type Retirer interface {
	Retire(ctx context.Context, strategyID, note string) error
}

// StrategyServiceImpl 实现 domain.StrategyService 接口
type StrategyServiceImpl struct {
	store    domain.Store
	compiler *strategies.Compiler
	retirer  Retirer
	bus      event.Publisher
	log      *logger.Logger
}

// NewStrategyService 创建策略服务
func NewStrategyService(
	store domain.Store,
	compiler *strategies.Compiler,
	retirer Retirer,
	bus event.Publisher,
	log *logger.Logger,
) *StrategyServiceImpl {
	if log == nil {
		log = logger.Nop()
	}
	return &StrategyServiceImpl{
		store:    store,
		compiler: compiler,
		retirer:  retirer,
		bus:      bus,
		log:      log.With(logger.Component("strategy_service")),
	}
}

// CreateStrategy 校验规则后以 GENERATED 阶段写入
func (s *StrategyServiceImpl) CreateStrategy(ctx context.Context, def *model.StrategyDefinition) error {
	def.Symbol = strings.TrimSpace(def.Symbol)
	if def.Symbol == "" {
		return domain.NewBadRequestError("symbol is required", nil)
	}
	if _, err := model.ParseTimeframe(def.Timeframe); err != nil {
		return domain.NewBadRequestError("invalid timeframe", fmt.Errorf("%w: %v", domain.ErrInvalidStrategyDefinition, err))
	}

	// 组合策略在编译时校验子策略存在且方向一致
	if _, err := s.compiler.Compile(ctx, def); err != nil {
		return domain.NewBadRequestError("invalid strategy definition", err)
	}

	if def.RiskProfileID != "" {
		if _, err := s.store.GetRiskProfile(ctx, def.RiskProfileID); err != nil {
			return err
		}
	}

	def.ID = ""
	def.Stage = model.StageGenerated
	def.EvaluatedBacktestID = ""
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Name == "" {
		def.Name = def.Symbol + "-" + def.Timeframe
	}
	if err := s.store.CreateStrategy(ctx, def); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: constants.EventStrategyCreated, Source: "strategy", Key: def.ID, Data: def})
	}
	s.log.Info("strategy created",
		logger.String("strategy_id", def.ID),
		logger.String("owner_id", def.OwnerID),
		logger.String("symbol", def.Symbol))
	return nil
}

func (s *StrategyServiceImpl) GetStrategy(ctx context.Context, id string) (*model.StrategyDefinition, error) {
	return s.store.GetStrategy(ctx, id)
}

// ListStrategies 获取用户策略列表
func (s *StrategyServiceImpl) ListStrategies(ctx context.Context, ownerID string, page, pageSize int) ([]model.StrategyDefinition, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return s.store.ListStrategies(ctx, ownerID, page, pageSize)
}

// RetireStrategy 人工淘汰，关闭该策略的全部会话
func (s *StrategyServiceImpl) RetireStrategy(ctx context.Context, id, note string) error {
	if err := s.retirer.Retire(ctx, id, note); err != nil {
		return err
	}
	s.log.Info("strategy retired manually", logger.String("strategy_id", id), logger.String("note", note))
	return nil
}

func (s *StrategyServiceImpl) GetLifecycleHistory(ctx context.Context, id string) ([]model.LifecycleEvent, error) {
	if _, err := s.store.GetStrategy(ctx, id); err != nil {
		return nil, err
	}
	return s.store.LifecycleHistory(ctx, id)
}

// ===========================
// 风控参数
// ===========================

func (s *StrategyServiceImpl) CreateRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	if p.Leverage == 0 {
		p.Leverage = 1
	}
	if err := risk.ValidateProfile(*p); err != nil {
		return domain.NewBadRequestError("invalid risk profile", err)
	}
	p.ID = ""
	return s.store.CreateRiskProfile(ctx, p)
}

// UpdateRiskProfile 有运行中的会话引用该参数时拒绝修改
func (s *StrategyServiceImpl) UpdateRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	if p.Leverage == 0 {
		p.Leverage = 1
	}
	if err := risk.ValidateProfile(*p); err != nil {
		return domain.NewBadRequestError("invalid risk profile", err)
	}
	if _, err := s.store.GetRiskProfile(ctx, p.ID); err != nil {
		return err
	}

	inUse, err := s.profileInUse(ctx, p.ID)
	if err != nil {
		return err
	}
	if inUse {
		return domain.NewConflictError("risk profile is used by a running session", domain.ErrProfileInUse)
	}
	return s.store.UpdateRiskProfile(ctx, p)
}

func (s *StrategyServiceImpl) profileInUse(ctx context.Context, profileID string) (bool, error) {
	sessions, err := s.store.ListSupervisedSessions(ctx)
	if err != nil {
		return false, err
	}
	checked := make(map[string]bool)
	for _, sess := range sessions {
		if !activeState(sess.State) || checked[sess.StrategyID] {
			continue
		}
		checked[sess.StrategyID] = true
		def, err := s.store.GetStrategy(ctx, sess.StrategyID)
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("session references missing strategy",
				logger.String("session_id", sess.ID),
				logger.String("strategy_id", sess.StrategyID))
			continue
		}
		if err != nil {
			return false, err
		}
		if def.RiskProfileID == profileID {
			return true, nil
		}
	}
	return false, nil
}

// activeState 会话仍持有风控参数快照，熔断暂停的会话可能带着持仓
func activeState(state model.SessionState) bool {
	switch state {
	case model.SessionStarting, model.SessionRunning, model.SessionStale, model.SessionDegraded, model.SessionHalted:
		return true
	}
	return false
}

// 确保实现了接口
var _ domain.StrategyService = (*StrategyServiceImpl)(nil)
