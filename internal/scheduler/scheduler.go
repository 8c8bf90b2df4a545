// Package scheduler 会话调度：按启动策略拉起、停止并看护所有模拟/实盘会话。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"polytrade.com/internal/config"
	"polytrade.com/internal/constants"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/event"
	"polytrade.com/internal/logger"
	"polytrade.com/internal/metrics"
	"polytrade.com/internal/model"
)

// Store 调度器需要的持久化能力
type Store interface {
	GetSession(ctx context.Context, id string) (*model.AgentSession, error)
	ListSupervisedSessions(ctx context.Context) ([]model.AgentSession, error)
	UpdateSessionState(ctx context.Context, id string, state model.SessionState, reason string) error
	AppendSessionEvent(ctx context.Context, ev *model.SessionEvent) error
	GetUser(ctx context.Context, id string) (*model.User, error)
}

type Deps struct {
	Store     Store
	Factory   TaskFactory
	Evaluator domain.LifecycleEvaluator // 可选
	Bus       event.Publisher           // 可选
	Metrics   *metrics.Recorder
	Log       *logger.Logger
}

// Scheduler 注册表只在内存中，启动时从存储重建。不包含任何交易逻辑
type Scheduler struct {
	cfg  config.SchedulerConfig
	deps Deps
	log  *logger.Logger
	now  func() time.Time

	mu        sync.Mutex
	handles   map[string]*handle
	restarts  map[string]*restartState
	ceilinged map[string]bool

	evaluating atomic.Bool
	ticking    atomic.Bool
	wg         sync.WaitGroup

	// 上下文控制
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.SchedulerConfig, deps Deps) *Scheduler {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log.With(logger.Component("scheduler")),
		now:       func() time.Time { return time.Now().UTC() },
		handles:   make(map[string]*handle),
		restarts:  make(map[string]*restartState),
		ceilinged: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 立即执行一次调度（从存储重建注册表），之后按 Tick 周期执行
func (s *Scheduler) Start() {
	s.log.Info("scheduler starting", logger.Duration("tick", s.cfg.Tick))
	s.Tick(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Tick(s.ctx)
			}
		}
	}()
}

// Stop 停止调度循环与所有会话，最多等待 StopTimeout
func (s *Scheduler) Stop() {
	s.log.Info("scheduler stopping")
	s.cancel()

	s.mu.Lock()
	pending := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		h.stopping = true
		pending = append(pending, h)
	}
	s.mu.Unlock()

	deadline := time.After(s.cfg.StopTimeout)
	for _, h := range pending {
		h.cancel()
		select {
		case <-h.done:
		case <-deadline:
			s.log.Warn("sessions did not stop in time")
			return
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
	}
}

// Tick 一轮调度：检查健康、按策略对齐、执行上限、触发生命周期评估。
// 启停都在独立 goroutine 中完成，本轮不会等待任何一个会话
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	s.checkHealth(ctx)
	if err := s.reconcile(ctx); err != nil {
		s.log.Error("reconcile failed", logger.Error(err))
	}
	s.deps.Metrics.SetSessionsRunning(s.RunningCount())
	s.kickEvaluation()
}

// ===========================
// 健康检查
// ===========================

func (s *Scheduler) checkHealth(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var stalled []*handle
	for id, h := range s.handles {
		if h.exited() {
			// 退出由任务 goroutine 自行记录，这里只清理注册表
			delete(s.handles, id)
			continue
		}
		if h.task == nil {
			continue
		}
		if now.Sub(h.task.LastHeartbeat()) > s.cfg.StallAfter {
			h.abandoned = true
			delete(s.handles, id)
			s.scheduleRestartLocked(id)
			stalled = append(stalled, h)
			continue
		}
		if r, ok := s.restarts[id]; ok && now.Sub(h.startedAt) >= s.cfg.Tick {
			s.log.Debug("session stable after restart", logger.String("session_id", id), logger.Int("attempts", r.attempts))
			delete(s.restarts, id)
		}
	}
	s.mu.Unlock()

	for _, h := range stalled {
		h.cancel()
		s.crashed(ctx, h.id, model.ReasonSessionStalled, "heartbeat older than "+s.cfg.StallAfter.String())
	}
}

// scheduleRestartLocked 在句柄移出注册表之前调用，保证下一轮调度看到退避时间
func (s *Scheduler) scheduleRestartLocked(id string) {
	r, ok := s.restarts[id]
	if !ok {
		r = newRestartState(s.cfg.RestartInitial, s.cfg.RestartMax)
		s.restarts[id] = r
	}
	r.schedule(s.now())
}

// crashed 记录崩溃，重启由后续调度按退避时间完成
func (s *Scheduler) crashed(ctx context.Context, id, reason, message string) {
	s.mu.Lock()
	var next time.Time
	if r, ok := s.restarts[id]; ok {
		next = r.next
	}
	s.mu.Unlock()

	if err := s.deps.Store.UpdateSessionState(ctx, id, model.SessionCrashed, reason); err != nil {
		s.log.Error("failed to mark session crashed", logger.String("session_id", id), logger.Error(err))
	}
	s.record(ctx, id, reason, message)
	s.publish(constants.EventSessionCrashed, id, map[string]string{"reason": reason, "message": message})
	s.log.Warn("session crashed",
		logger.String("session_id", id),
		logger.String("reason", reason),
		logger.String("message", message),
		logger.Duration("restart_in", next.Sub(s.now())))
}

// ===========================
// 对齐
// ===========================

func (s *Scheduler) reconcile(ctx context.Context) error {
	sessions, err := s.deps.Store.ListSupervisedSessions(ctx)
	if err != nil {
		return err
	}

	users := make(map[string]*model.User)
	userOf := func(id string) *model.User {
		if u, ok := users[id]; ok {
			return u
		}
		u, err := s.deps.Store.GetUser(ctx, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.log.Warn("failed to load user", logger.String("user_id", id), logger.Error(err))
			}
			u = nil
		}
		users[id] = u
		return u
	}

	supervised := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		supervised[sess.ID] = true
		user := userOf(sess.UserID)
		want := ShouldRun(sess, user)

		if running, stopping := s.handleState(sess.ID); running {
			if !want && !stopping {
				go s.stop(sess.ID, model.ReasonSessionStopped, "run policy no longer holds")
			}
			continue
		}
		if !want || !s.restartDue(sess.ID) {
			continue
		}
		if err := s.launch(sess, user); err != nil {
			s.noteCeiling(ctx, sess.ID, err)
		}
	}

	// 已关闭或被删除的会话
	s.mu.Lock()
	var orphans []string
	for id, h := range s.handles {
		if !supervised[id] && !h.stopping {
			orphans = append(orphans, id)
		}
	}
	s.mu.Unlock()
	for _, id := range orphans {
		go s.stop(id, model.ReasonSessionStopped, "session no longer supervised")
	}
	return nil
}

func (s *Scheduler) restartDue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.restarts[id]
	return !ok || !s.now().Before(r.next)
}

// admitLocked 检查全局与单用户的并发上限，0 表示不限
func (s *Scheduler) admitLocked(sess model.AgentSession, user *model.User) error {
	if s.cfg.MaxSessionsGlobal > 0 && len(s.handles) >= s.cfg.MaxSessionsGlobal {
		return fmt.Errorf("%w: global limit %d", domain.ErrSessionCeiling, s.cfg.MaxSessionsGlobal)
	}
	limit := userLimit(user, s.cfg.MaxSessionsPerUser)
	if limit <= 0 {
		return nil
	}
	count := 0
	for _, h := range s.handles {
		if h.userID == sess.UserID {
			count++
		}
	}
	if count >= limit {
		return fmt.Errorf("%w: user %s limit %d", domain.ErrSessionCeiling, sess.UserID, limit)
	}
	return nil
}

// noteCeiling 同一会话连续受限时只记录一次
func (s *Scheduler) noteCeiling(ctx context.Context, id string, err error) {
	s.mu.Lock()
	seen := s.ceilinged[id]
	s.ceilinged[id] = true
	s.mu.Unlock()
	if seen {
		return
	}
	s.record(ctx, id, model.ReasonSessionCeiling, err.Error())
	s.log.Warn("session held back by ceiling", logger.String("session_id", id), logger.Error(err))
}

// ===========================
// 启停
// ===========================

// launch 通过上限检查后注册句柄，在独立 goroutine 中构造并运行任务
func (s *Scheduler) launch(rec model.AgentSession, user *model.User) error {
	s.mu.Lock()
	if _, exists := s.handles[rec.ID]; exists {
		s.mu.Unlock()
		return nil
	}
	if err := s.admitLocked(rec, user); err != nil {
		s.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	h := &handle{
		id:        rec.ID,
		userID:    rec.UserID,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: s.now(),
	}
	s.handles[rec.ID] = h
	delete(s.ceilinged, rec.ID)
	restart, restarting := s.restarts[rec.ID]
	s.mu.Unlock()

	reason := model.ReasonSessionStarted
	if restarting {
		reason = model.ReasonSessionRestart
		s.deps.Metrics.SessionRestarted(rec.LastReason)
		s.log.Info("restarting session", logger.String("session_id", rec.ID), logger.Int("attempt", restart.attempts))
	}

	s.wg.Add(1)
	go s.run(runCtx, h, rec, reason)
	return nil
}

func (s *Scheduler) run(ctx context.Context, h *handle, rec model.AgentSession, reason string) {
	defer s.wg.Done()

	err := s.safeRun(ctx, h, rec, reason)

	s.mu.Lock()
	h.err = err
	report := !h.stopping && !h.abandoned && s.ctx.Err() == nil
	if report {
		s.scheduleRestartLocked(h.id)
	}
	if s.handles[h.id] == h {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()
	close(h.done)

	if !report {
		return
	}

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := "task exited"
	if err != nil {
		msg = err.Error()
	}
	s.crashed(bg, h.id, model.ReasonSessionCrashed, msg)
}

// safeRun 任务 panic 视为崩溃，不影响调度器与其他会话
func (s *Scheduler) safeRun(ctx context.Context, h *handle, rec model.AgentSession, reason string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrSessionCrashed, r)
		}
	}()

	task, err := s.deps.Factory(ctx, rec)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}
	s.mu.Lock()
	h.task = task
	s.mu.Unlock()

	s.record(ctx, rec.ID, reason, string(rec.Mode))
	s.publish(constants.EventSessionStarted, rec.ID, map[string]string{"strategy_id": rec.StrategyID, "mode": string(rec.Mode)})
	s.log.Info("session launched", logger.String("session_id", rec.ID), logger.String("strategy_id", rec.StrategyID))
	return task.Run(ctx)
}

// stop 主动停止并等待任务退出，最多等待 StopTimeout
func (s *Scheduler) stop(id, reason, message string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	first := ok && !h.stopping
	if ok {
		h.stopping = true
	}
	delete(s.restarts, id)
	delete(s.ceilinged, id)
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.cfg.StopTimeout):
		if first {
			s.log.Warn("session did not stop in time", logger.String("session_id", id))
		}
	}
	// 已有停止流程在进行，只等待不重复记录
	if !first {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.record(ctx, id, reason, message)
	s.publish(constants.EventSessionStopped, id, map[string]string{"reason": reason, "message": message})
	s.log.Info("session stopped", logger.String("session_id", id), logger.String("reason", message))
	return true
}

// ===========================
// SessionSupervisor
// ===========================

// Launch 立即尝试启动会话，受并发上限约束
func (s *Scheduler) Launch(ctx context.Context, sessionID string) {
	if s.Running(sessionID) || s.ctx.Err() != nil {
		return
	}
	sess, err := s.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		s.log.Error("failed to load session for launch", logger.String("session_id", sessionID), logger.Error(err))
		return
	}
	if sess.State == model.SessionClosed {
		return
	}
	var user *model.User
	if u, err := s.deps.Store.GetUser(ctx, sess.UserID); err == nil {
		user = u
	}
	if err := s.launch(*sess, user); err != nil {
		s.noteCeiling(ctx, sessionID, err)
	}
}

// Halt 停止会话，等待其保存最终状态
func (s *Scheduler) Halt(_ context.Context, sessionID, reason string) {
	s.stop(sessionID, model.ReasonSessionStopped, reason)
}

func (s *Scheduler) Snapshot(sessionID string) (*model.AgentSession, bool) {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	var task Task
	if ok {
		task = h.task
	}
	s.mu.Unlock()
	if task == nil {
		return nil, false
	}
	return task.Snapshot(), true
}

func (s *Scheduler) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[sessionID]
	return ok
}

// handleState 会话是否在注册表中，以及是否已在停止
func (s *Scheduler) handleState(sessionID string) (running, stopping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	if !ok {
		return false, false
	}
	return true, h.stopping
}

func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// ===========================
// 生命周期评估
// ===========================

// kickEvaluation 异步执行，上一轮未结束时跳过
func (s *Scheduler) kickEvaluation() {
	if s.deps.Evaluator == nil || !s.evaluating.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.evaluating.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("lifecycle evaluation panicked", logger.Any("panic", r))
			}
		}()
		if err := s.deps.Evaluator.EvaluateAll(s.ctx); err != nil {
			s.log.Warn("lifecycle evaluation finished with errors", logger.Error(err))
		}
	}()
}

func (s *Scheduler) record(ctx context.Context, id, reason, message string) {
	ev := &model.SessionEvent{SessionID: id, Reason: reason, Message: message}
	if err := s.deps.Store.AppendSessionEvent(ctx, ev); err != nil {
		s.log.Error("failed to append session event", logger.String("session_id", id), logger.Error(err))
	}
	s.deps.Metrics.SessionEvent(reason)
}

func (s *Scheduler) publish(eventType, key string, data interface{}) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(event.Event{Type: eventType, Source: "scheduler", Key: key, Data: data})
}

var _ domain.SessionSupervisor = (*Scheduler)(nil)
