// Package metrics Prometheus 指标。Recorder 为 nil 时所有方法都是空操作，测试无需构造。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	sessionsRunning  prometheus.Gauge
	sessionRestarts  *prometheus.CounterVec
	sessionEvents    *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	backtests        *prometheus.CounterVec
	backtestDuration prometheus.Histogram
	executions       *prometheus.CounterVec
	tradesClosed     *prometheus.CounterVec
}

// New 在 reg 上注册全部指标，reg 为 nil 时使用默认注册表
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		sessionsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "polytrade_sessions_running",
			Help: "Number of trading sessions currently supervised as running",
		}),
		sessionRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_session_restarts_total",
			Help: "Session restarts after a crash or stall",
		}, []string{"reason"}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_session_events_total",
			Help: "Session history events by reason code",
		}, []string{"reason"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_lifecycle_transitions_total",
			Help: "Strategy stage transitions",
		}, []string{"from", "to", "reason"}),
		backtests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_backtests_total",
			Help: "Finished backtests by status",
		}, []string{"status"}),
		backtestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polytrade_backtest_duration_seconds",
			Help:    "Wall time of a backtest run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_execution_attempts_total",
			Help: "Order placement attempts against the execution gateway",
		}, []string{"result"}),
		tradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polytrade_trades_closed_total",
			Help: "Closed trades by mode and outcome",
		}, []string{"mode", "outcome"}),
	}
}

func (r *Recorder) SetSessionsRunning(n int) {
	if r == nil {
		return
	}
	r.sessionsRunning.Set(float64(n))
}

func (r *Recorder) SessionRestarted(reason string) {
	if r == nil {
		return
	}
	r.sessionRestarts.WithLabelValues(reason).Inc()
}

func (r *Recorder) SessionEvent(reason string) {
	if r == nil {
		return
	}
	r.sessionEvents.WithLabelValues(reason).Inc()
}

func (r *Recorder) Transition(from, to, reason string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to, reason).Inc()
}

// BacktestFinished seconds 为 0 时只计数
func (r *Recorder) BacktestFinished(status string, seconds float64) {
	if r == nil {
		return
	}
	r.backtests.WithLabelValues(status).Inc()
	if seconds > 0 {
		r.backtestDuration.Observe(seconds)
	}
}

// ExecutionAttempt result: ok / retry / failed / rejected_open / canceled / cancel_failed
func (r *Recorder) ExecutionAttempt(result string) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(result).Inc()
}

func (r *Recorder) TradeClosed(mode, outcome string) {
	if r == nil {
		return
	}
	r.tradesClosed.WithLabelValues(mode, outcome).Inc()
}
