package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

func (s *GormStore) CreateStrategy(ctx context.Context, def *model.StrategyDefinition) error {
	if err := s.db.WithContext(ctx).Create(def).Error; err != nil {
		return domain.NewInternalError("failed to create strategy", err)
	}
	return nil
}

func (s *GormStore) GetStrategy(ctx context.Context, id string) (*model.StrategyDefinition, error) {
	var def model.StrategyDefinition
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&def).Error; err != nil {
		return nil, notFound(err, "strategy")
	}
	return &def, nil
}

// ListStrategies 分页列出某用户的策略，新建的在前
func (s *GormStore) ListStrategies(ctx context.Context, ownerID string, page, pageSize int) ([]model.StrategyDefinition, int64, error) {
	var defs []model.StrategyDefinition
	var total int64

	query := s.db.WithContext(ctx).Model(&model.StrategyDefinition{}).Where("owner_id = ?", ownerID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, domain.NewInternalError("failed to count strategies", err)
	}

	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").
		Limit(pageSize).
		Offset(offset).
		Find(&defs).Error; err != nil {
		return nil, 0, domain.NewInternalError("failed to fetch strategies", err)
	}
	return defs, total, nil
}

func (s *GormStore) ListStrategiesByStage(ctx context.Context, stages ...model.Stage) ([]model.StrategyDefinition, error) {
	var defs []model.StrategyDefinition
	if err := s.db.WithContext(ctx).
		Where("stage IN ?", stages).
		Order("created_at ASC").
		Find(&defs).Error; err != nil {
		return nil, domain.NewInternalError("failed to list strategies by stage", err)
	}
	return defs, nil
}

// RecordLifecycleEvent 在同一事务里更新阶段并写入事件。
// 迁移以 stage = From 为条件，被其他评估抢先时返回 ErrStageConflict，事件不写入。
func (s *GormStore) RecordLifecycleEvent(ctx context.Context, ev *model.LifecycleEvent, evaluatedBacktestID string) error {
	if ev.Transitioned() && !ev.From.CanTransitionTo(ev.To) {
		return domain.NewBadRequestError("stage transition "+string(ev.From)+" -> "+string(ev.To)+" not allowed", domain.ErrInvalidTransition)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{}
		if evaluatedBacktestID != "" {
			updates["evaluated_backtest_id"] = evaluatedBacktestID
		}
		if ev.Transitioned() {
			updates["stage"] = ev.To
			updates["stage_changed_at"] = time.Now().UTC()
		}

		if len(updates) > 0 {
			q := tx.Model(&model.StrategyDefinition{}).Where("id = ?", ev.StrategyID)
			if ev.Transitioned() {
				q = q.Where("stage = ?", ev.From)
			}
			result := q.Updates(updates)
			if result.Error != nil {
				return domain.NewInternalError("failed to update strategy stage", result.Error)
			}
			if result.RowsAffected == 0 {
				if ev.Transitioned() {
					return domain.NewConflictError("strategy stage changed", domain.ErrStageConflict)
				}
				return domain.NewNotFoundError("strategy not found")
			}
		}

		if err := tx.Create(ev).Error; err != nil {
			return domain.NewInternalError("failed to record lifecycle event", err)
		}
		return nil
	})
}

func (s *GormStore) LifecycleHistory(ctx context.Context, strategyID string) ([]model.LifecycleEvent, error) {
	var events []model.LifecycleEvent
	if err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, domain.NewInternalError("failed to fetch lifecycle history", err)
	}
	return events, nil
}

// ===========================
// 风控参数
// ===========================

func (s *GormStore) CreateRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return domain.NewInternalError("failed to create risk profile", err)
	}
	return nil
}

func (s *GormStore) GetRiskProfile(ctx context.Context, id string) (*model.RiskProfile, error) {
	var p model.RiskProfile
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "risk profile")
	}
	return &p, nil
}

func (s *GormStore) UpdateRiskProfile(ctx context.Context, p *model.RiskProfile) error {
	result := s.db.WithContext(ctx).Model(p).
		Select("name", "max_risk_per_trade_percent", "max_drawdown_percent", "max_concurrent_positions",
			"stop_loss_percent", "take_profit_percent", "daily_loss_limit_percent", "leverage").
		Updates(p)
	if result.Error != nil {
		return domain.NewInternalError("failed to update risk profile", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewNotFoundError("risk profile not found")
	}
	return nil
}
