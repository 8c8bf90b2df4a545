package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// Bars 返回 [from, to) 内按开盘时间升序的 K 线
func (s *GormStore) Bars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]model.Bar, error) {
	var bars []model.Bar
	if err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?", symbol, timeframe, from.UTC(), to.UTC()).
		Order("open_time ASC").
		Find(&bars).Error; err != nil {
		return nil, domain.NewInternalError("failed to load bars", err)
	}
	return bars, nil
}

// SaveBars 按 (symbol, timeframe, open_time) 覆盖写入
func (s *GormStore) SaveBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for i := range bars {
		bars[i].OpenTime = bars[i].OpenTime.UTC()
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "open_time"}},
			DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume"}),
		}).
		CreateInBatches(bars, 500).Error; err != nil {
		return domain.NewInternalError("failed to save bars", err)
	}
	return nil
}
