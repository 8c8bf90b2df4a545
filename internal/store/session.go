package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

func (s *GormStore) CreateSession(ctx context.Context, sess *model.AgentSession) error {
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return domain.NewInternalError("failed to create session", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*model.AgentSession, error) {
	var sess model.AgentSession
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, notFound(err, "session")
	}
	return &sess, nil
}

// ListSupervisedSessions 调度器需要管理的会话，已关闭的不再返回
func (s *GormStore) ListSupervisedSessions(ctx context.Context) ([]model.AgentSession, error) {
	var sessions []model.AgentSession
	if err := s.db.WithContext(ctx).
		Where("state <> ?", model.SessionClosed).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, domain.NewInternalError("failed to list sessions", err)
	}
	return sessions, nil
}

func (s *GormStore) ListSessionsByStrategy(ctx context.Context, strategyID string) ([]model.AgentSession, error) {
	var sessions []model.AgentSession
	if err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, domain.NewInternalError("failed to list strategy sessions", err)
	}
	return sessions, nil
}

func (s *GormStore) ListSessionsByUser(ctx context.Context, userID string) ([]model.AgentSession, error) {
	var sessions []model.AgentSession
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&sessions).Error; err != nil {
		return nil, domain.NewInternalError("failed to list user sessions", err)
	}
	return sessions, nil
}

// SaveSessionState 写入运行时字段。已关闭的会话不会被运行中的任务改回其他状态
func (s *GormStore) SaveSessionState(ctx context.Context, sess *model.AgentSession) error {
	err := s.db.WithContext(ctx).Model(sess).
		Where("state <> ?", model.SessionClosed).
		Select("state", "current_capital", "realized_pnl", "unrealized_pnl", "peak_equity",
			"day_start_equity", "day_start", "positions", "last_reason", "heartbeat_at",
			"started_at", "stopped_at").
		Updates(sess).Error
	if err != nil {
		return domain.NewInternalError("failed to save session state", err)
	}
	return nil
}

// UpdateSessionState closed 为终态，之后的状态写入被忽略
func (s *GormStore) UpdateSessionState(ctx context.Context, id string, state model.SessionState, reason string) error {
	updates := map[string]interface{}{"state": state, "last_reason": reason}
	if state == model.SessionStopped || state == model.SessionClosed {
		updates["stopped_at"] = time.Now().UTC()
	}
	result := s.db.WithContext(ctx).Model(&model.AgentSession{}).
		Where("id = ? AND state <> ?", id, model.SessionClosed).
		Updates(updates)
	if result.Error != nil {
		return domain.NewInternalError("failed to update session state", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&model.AgentSession{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return domain.NewNotFoundError("session not found")
		}
	}
	return nil
}

func (s *GormStore) SetSessionDesired(ctx context.Context, id string, desired model.DesiredState) error {
	result := s.db.WithContext(ctx).Model(&model.AgentSession{}).Where("id = ?", id).Update("desired", desired)
	if result.Error != nil {
		return domain.NewInternalError("failed to update session desired state", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewNotFoundError("session not found")
	}
	return nil
}

func (s *GormStore) AppendSessionEvent(ctx context.Context, ev *model.SessionEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return domain.NewInternalError("failed to append session event", err)
	}
	return nil
}

func (s *GormStore) SessionHistory(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	var events []model.SessionEvent
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, domain.NewInternalError("failed to fetch session history", err)
	}
	return events, nil
}

// ===========================
// 成交
// ===========================

func (s *GormStore) SaveTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return domain.NewInternalError("failed to save trade", err)
	}
	return nil
}

func (s *GormStore) ListTradesByStrategy(ctx context.Context, strategyID string, mode model.SessionMode, since time.Time) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	if err := s.db.WithContext(ctx).
		Where("strategy_id = ? AND mode = ? AND exit_time >= ?", strategyID, mode, since).
		Order("exit_time ASC").
		Find(&trades).Error; err != nil {
		return nil, domain.NewInternalError("failed to list trades", err)
	}
	return trades, nil
}

func (s *GormStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("exit_time ASC").
		Find(&trades).Error; err != nil {
		return nil, domain.NewInternalError("failed to list session trades", err)
	}
	return trades, nil
}

// ===========================
// 用户
// ===========================

func (s *GormStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&users).Error; err != nil {
		return nil, domain.NewInternalError("failed to list users", err)
	}
	return users, nil
}

// SaveUser 不存在则创建
func (s *GormStore) SaveUser(ctx context.Context, u *model.User) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "auto_start", "max_sessions", "updated_at"}),
		}).
		Create(u).Error; err != nil {
		return domain.NewInternalError("failed to save user", err)
	}
	return nil
}
