package service

import (
	"context"
	"errors"

	"github.com/creasty/defaults"
	"gorm.io/datatypes"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/model"
	"polytrade.com/internal/scheduler"
)

// SessionServiceImpl 实现 domain.SessionService 接口。
// 只修改会话的启停意图，实际启停由调度器完成
type SessionServiceImpl struct {
	store domain.Store
	sup   domain.SessionSupervisor
	cfg   config.SessionConfig
	log   *logger.Logger
}

// NewSessionService 创建会话服务
func NewSessionService(store domain.Store, sup domain.SessionSupervisor, cfg config.SessionConfig, log *logger.Logger) *SessionServiceImpl {
	if log == nil {
		log = logger.Nop()
	}
	return &SessionServiceImpl{
		store: store,
		sup:   sup,
		cfg:   cfg,
		log:   log.With(logger.Component("session_service")),
	}
}

// StartSession 为策略创建一个显式启动的会话，风控参数在此刻固化
func (s *SessionServiceImpl) StartSession(ctx context.Context, req domain.StartSessionRequest) (string, error) {
	if err := defaults.Set(&req); err != nil {
		return "", domain.NewInternalError("failed to apply request defaults", err)
	}
	if err := validate.Struct(req); err != nil {
		return "", domain.NewBadRequestError("invalid session request", err)
	}

	def, err := s.store.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return "", err
	}
	// 1. 阶段检查：退役策略不能运行，实盘只对 LIVE 阶段开放
	if def.Stage == model.StageRetired {
		return "", domain.NewConflictError("strategy is retired", domain.ErrInvalidTransition)
	}
	if req.Mode == model.ModeLive && def.Stage != model.StageLive {
		return "", domain.NewConflictError("strategy has not been promoted to live", domain.ErrInvalidTransition)
	}

	// 2. 风控快照
	profile := model.DefaultRiskProfile()
	if def.RiskProfileID != "" {
		p, err := s.store.GetRiskProfile(ctx, def.RiskProfileID)
		if err != nil {
			return "", err
		}
		profile = *p
	}

	if req.Symbol == "" {
		req.Symbol = def.Symbol
	}
	if req.UserID == "" {
		req.UserID = def.OwnerID
	}
	if req.Capital == 0 {
		req.Capital = s.cfg.DefaultCapital
	}

	// 3. 写入会话并交给调度器
	sess := &model.AgentSession{
		StrategyID:     def.ID,
		UserID:         req.UserID,
		Symbol:         req.Symbol,
		Timeframe:      def.Timeframe,
		Mode:           req.Mode,
		RunMode:        req.RunMode,
		Desired:        model.DesiredRunning,
		State:          model.SessionStopped,
		InitialCapital: req.Capital,
		RiskSnapshot:   datatypes.NewJSONType(profile),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}

	user, err := s.userOrNil(ctx, sess.UserID)
	if err != nil {
		return "", err
	}
	if scheduler.ShouldRun(*sess, user) {
		s.sup.Launch(ctx, sess.ID)
	}

	s.log.Info("session created",
		logger.String("session_id", sess.ID),
		logger.String("strategy_id", def.ID),
		logger.String("mode", string(sess.Mode)),
		logger.String("run_mode", string(sess.RunMode)))
	return sess.ID, nil
}

// StopSession 记录停止意图并等待会话保存最终状态
func (s *SessionServiceImpl) StopSession(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == model.SessionClosed {
		return domain.NewConflictError("session is closed", domain.ErrInvalidTransition)
	}
	if err := s.store.SetSessionDesired(ctx, sessionID, model.DesiredStopped); err != nil {
		return err
	}
	s.sup.Halt(ctx, sessionID, "stopped by request")
	return nil
}

// GetSessionStatus 运行中的会话返回实时快照，否则返回持久化状态
func (s *SessionServiceImpl) GetSessionStatus(ctx context.Context, sessionID string) (*domain.SessionStatus, error) {
	snap, running := s.sup.Snapshot(sessionID)
	if !running || snap == nil {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		snap = sess
		running = false
	}

	positions := []model.Position(snap.Positions)
	if positions == nil {
		positions = []model.Position{}
	}
	return &domain.SessionStatus{
		ID:            snap.ID,
		StrategyID:    snap.StrategyID,
		Mode:          snap.Mode,
		State:         snap.State,
		Running:       running,
		Capital:       snap.CurrentCapital,
		Equity:        snap.Equity(),
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		Positions:     positions,
		LastReason:    snap.LastReason,
	}, nil
}

func (s *SessionServiceImpl) GetSessionHistory(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.SessionHistory(ctx, sessionID)
}

// ActivateUser 激活用户。manual 会话的显式停止意图被清除，之后跟随用户激活状态
func (s *SessionServiceImpl) ActivateUser(ctx context.Context, userID string, autoStart *bool) error {
	user, err := s.userOrNil(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		user = &model.User{ID: userID}
	}
	user.Active = true
	if autoStart != nil {
		user.AutoStart = *autoStart
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		return err
	}

	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.RunMode != model.RunManual || sess.State == model.SessionClosed {
			continue
		}
		if sess.Desired == model.DesiredStopped {
			if err := s.store.SetSessionDesired(ctx, sess.ID, model.DesiredAuto); err != nil {
				return err
			}
			sess.Desired = model.DesiredAuto
		}
		if scheduler.ShouldRun(sess, user) {
			s.sup.Launch(ctx, sess.ID)
		}
	}

	s.log.Info("user activated", logger.String("user_id", userID), logger.Bool("auto_start", user.AutoStart))
	return nil
}

// DeactivateUser 停用用户并停止其 manual 会话，always 会话不受影响
func (s *SessionServiceImpl) DeactivateUser(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	user.Active = false
	if err := s.store.SaveUser(ctx, user); err != nil {
		return err
	}

	sessions, err := s.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.RunMode == model.RunManual {
			s.sup.Halt(ctx, sess.ID, "user deactivated")
		}
	}

	s.log.Info("user deactivated", logger.String("user_id", userID))
	return nil
}

func (s *SessionServiceImpl) userOrNil(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, nil
	}
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return user, err
}

// 确保实现了接口
var _ domain.SessionService = (*SessionServiceImpl)(nil)
