package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"polytrade.com/internal/model"
)

// Task 调度器管理的一个会话任务。Run 在 ctx 取消时返回 nil，其他返回视为崩溃
type Task interface {
	Run(ctx context.Context) error
	LastHeartbeat() time.Time
	Snapshot() *model.AgentSession
}

// TaskFactory 根据持久化记录构造任务
type TaskFactory func(ctx context.Context, rec model.AgentSession) (Task, error)

// handle 注册表中一个运行中的会话
type handle struct {
	id        string
	userID    string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	// 以下字段受 Scheduler.mu 保护
	task      Task
	err       error
	stopping  bool // 主动停止，退出时不算崩溃
	abandoned bool // 已判定卡死并移出注册表
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// restartState 崩溃后的重启节奏，会话稳定运行一个周期后清除
type restartState struct {
	bo       *backoff.ExponentialBackOff
	next     time.Time
	attempts int
}

func newRestartState(initial, max time.Duration) *restartState {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.RandomizationFactor = 0
	bo.Reset()
	return &restartState{bo: bo}
}

func (r *restartState) schedule(now time.Time) {
	r.attempts++
	r.next = now.Add(r.bo.NextBackOff())
}
