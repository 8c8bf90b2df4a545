package infra

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"polytrade.com/internal/config"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/store"
)

// NewDatabase 按配置连接 Postgres 或 SQLite，并迁移全部表
func NewDatabase(cfg config.DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	if cfg.Driver == "sqlite" {
		db, err := store.OpenSQLite(cfg.Path, cfg.TablePrefix)
		if err != nil {
			return nil, err
		}
		log.Info("database connected", logger.String("driver", "sqlite"), logger.String("path", cfg.Path))
		return db, nil
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode, cfg.TimeZone)

	db, err := gorm.Open(postgres.Open(dsn), store.GormConfig(cfg.TablePrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connected", logger.String("driver", "postgres"), logger.String("host", cfg.Host))

	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return db, nil
}
