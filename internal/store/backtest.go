package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

var pendingBacktest = []model.BacktestStatus{model.BacktestQueued, model.BacktestRunning}

func (s *GormStore) CreateBacktest(ctx context.Context, b *model.BacktestResult) error {
	if err := s.db.WithContext(ctx).Omit("Trades").Create(b).Error; err != nil {
		return domain.NewInternalError("failed to create backtest", err)
	}
	return nil
}

// GetBacktest 连同成交一起返回
func (s *GormStore) GetBacktest(ctx context.Context, id string) (*model.BacktestResult, error) {
	var b model.BacktestResult
	err := s.db.WithContext(ctx).
		Preload("Trades", func(db *gorm.DB) *gorm.DB { return db.Order("exit_time ASC") }).
		Where("id = ?", id).
		First(&b).Error
	if err != nil {
		return nil, notFound(err, "backtest")
	}
	return &b, nil
}

// LatestBacktest 某策略最近提交的一次回测，不含成交
func (s *GormStore) LatestBacktest(ctx context.Context, strategyID string) (*model.BacktestResult, error) {
	var b model.BacktestResult
	if err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("created_at DESC").
		First(&b).Error; err != nil {
		return nil, notFound(err, "backtest")
	}
	return &b, nil
}

// MarkBacktestRunning queued -> running，已取消的记录返回 ErrBacktestFinished
func (s *GormStore) MarkBacktestRunning(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&model.BacktestResult{}).
		Where("id = ? AND status = ?", id, model.BacktestQueued).
		Updates(map[string]interface{}{"status": model.BacktestRunning, "started_at": at})
	if result.Error != nil {
		return domain.NewInternalError("failed to start backtest", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewConflictError("backtest is not queued", domain.ErrBacktestFinished)
	}
	return nil
}

func (s *GormStore) UpdateBacktestProgress(ctx context.Context, id string, progress float64) error {
	if err := s.db.WithContext(ctx).Model(&model.BacktestResult{}).
		Where("id = ? AND status = ?", id, model.BacktestRunning).
		Update("progress", progress).Error; err != nil {
		return domain.NewInternalError("failed to update backtest progress", err)
	}
	return nil
}

// CompleteBacktest 一个事务内写入指标、权益曲线与成交；记录已不是 running 时整体放弃
func (s *GormStore) CompleteBacktest(ctx context.Context, b *model.BacktestResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		result := tx.Model(&model.BacktestResult{}).
			Where("id = ? AND status = ?", b.ID, model.BacktestRunning).
			Updates(map[string]interface{}{
				"status":          model.BacktestCompleted,
				"progress":        1.0,
				"final_capital":   b.FinalCapital,
				"equity_curve":    b.EquityCurve,
				"total_trades":    b.TotalTrades,
				"win_rate":        b.WinRate,
				"profit_factor":   b.ProfitFactor,
				"total_return":    b.TotalReturn,
				"sharpe_ratio":    b.SharpeRatio,
				"max_drawdown":    b.MaxDrawdown,
				"max_loss_streak": b.MaxLossStreak,
				"reason":          "",
				"finished_at":     now,
			})
		if result.Error != nil {
			return domain.NewInternalError("failed to complete backtest", result.Error)
		}
		if result.RowsAffected == 0 {
			return domain.NewConflictError("backtest is not running", domain.ErrBacktestFinished)
		}

		if len(b.Trades) > 0 {
			for i := range b.Trades {
				b.Trades[i].BacktestID = b.ID
				b.Trades[i].StrategyID = b.StrategyID
			}
			if err := tx.CreateInBatches(b.Trades, 200).Error; err != nil {
				return domain.NewInternalError("failed to save backtest trades", err)
			}
		}
		b.Status = model.BacktestCompleted
		b.Progress = 1
		b.FinishedAt = &now
		return nil
	})
}

// FinishBacktest 写入 failed/canceled 终态，只记录原因
func (s *GormStore) FinishBacktest(ctx context.Context, id string, status model.BacktestStatus, reason string) error {
	result := s.db.WithContext(ctx).Model(&model.BacktestResult{}).
		Where("id = ? AND status IN ?", id, pendingBacktest).
		Updates(map[string]interface{}{
			"status":      status,
			"reason":      reason,
			"finished_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return domain.NewInternalError("failed to finish backtest", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&model.BacktestResult{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.NewNotFoundError("backtest not found")
		}
		return domain.NewConflictError("backtest already finished", domain.ErrBacktestFinished)
	}
	return nil
}

func (s *GormStore) FailInterruptedBacktests(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&model.BacktestResult{}).
		Where("status IN ?", pendingBacktest).
		Updates(map[string]interface{}{
			"status":      model.BacktestFailed,
			"reason":      "interrupted",
			"finished_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, domain.NewInternalError("failed to fail interrupted backtests", result.Error)
	}
	return result.RowsAffected, nil
}
