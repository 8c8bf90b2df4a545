// Package store 基于 gorm 的持久化实现，生产使用 Postgres，本地与测试使用 SQLite。
package store

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// GormStore 实现 domain.Store
type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB 暴露底层连接，健康检查使用
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Models 需要迁移的全部表
func Models() []interface{} {
	return []interface{}{
		&model.User{},
		&model.RiskProfile{},
		&model.StrategyDefinition{},
		&model.LifecycleEvent{},
		&model.BacktestResult{},
		&model.TradeRecord{},
		&model.AgentSession{},
		&model.SessionEvent{},
		&model.Bar{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// GormConfig 成交记录同时挂在回测和会话下，不生成外键约束
func GormConfig(tablePrefix string) *gorm.Config {
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: tablePrefix,
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	}
}

// OpenSQLite 打开 SQLite 并迁移。":memory:" 时只保留单个连接，否则每个连接各自是一个空库
func OpenSQLite(path, tablePrefix string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), GormConfig(tablePrefix))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NewNotFoundError(what + " not found")
	}
	return domain.NewInternalError("failed to fetch "+what, err)
}

var _ domain.Store = (*GormStore)(nil)
