package scheduler

import "polytrade.com/internal/model"

// ShouldRun 根据启动策略、用户显式意图与用户激活状态决定会话是否应处于运行中。
// user 为 nil 时视为未激活
func ShouldRun(sess model.AgentSession, user *model.User) bool {
	if sess.State == model.SessionClosed || sess.Desired == model.DesiredStopped {
		return false
	}
	switch sess.RunMode {
	case model.RunAlways:
		return true
	case model.RunManual:
		if user == nil || !user.Active {
			return false
		}
		return user.AutoStart || sess.Desired == model.DesiredRunning
	default:
		return sess.Desired == model.DesiredRunning
	}
}

// userLimit 用户自定义上限优先，0 表示不限
func userLimit(user *model.User, global int) int {
	if user != nil && user.MaxSessions > 0 {
		return user.MaxSessions
	}
	return global
}
