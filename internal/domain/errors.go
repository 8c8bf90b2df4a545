package domain

import "errors"

// 定义通用业务错误
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
)

// 策略生命周期相关错误
var (
	ErrInvalidStrategyDefinition = errors.New("invalid strategy definition")
	ErrInvalidRiskParameters     = errors.New("invalid risk parameters")
	ErrDataGap                   = errors.New("market data gap")
	ErrFeedStale                 = errors.New("market feed stale")
	ErrFeedClosed                = errors.New("market feed closed")
	ErrExecutionFailure          = errors.New("execution failure")
	ErrSessionCrashed            = errors.New("session crashed")
	ErrInvalidTransition         = errors.New("invalid stage transition")
	ErrStageConflict             = errors.New("stage changed concurrently")
	ErrProfileInUse              = errors.New("risk profile in use by running session")
	ErrSessionCeiling            = errors.New("session ceiling reached")
	ErrBacktestFinished          = errors.New("backtest already finished")
)

// AppError 应用错误，包含错误码和消息
type AppError struct {
	Code    int    // HTTP 状态码
	Message string // 用户友好的错误消息
	Err     error  // 原始错误
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// 创建常见错误的便捷函数
func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: 404, Message: msg, Err: ErrNotFound}
}

func NewBadRequestError(msg string, err error) *AppError {
	if err == nil {
		err = ErrInvalidInput
	}
	return &AppError{Code: 400, Message: msg, Err: err}
}

func NewInternalError(msg string, err error) *AppError {
	return &AppError{Code: 500, Message: msg, Err: err}
}

func NewConflictError(msg string, err error) *AppError {
	if err == nil {
		err = ErrAlreadyExists
	}
	return &AppError{Code: 409, Message: msg, Err: err}
}

// ReasonCode 把错误映射为写入历史记录的原因码
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidStrategyDefinition):
		return "invalid_definition"
	case errors.Is(err, ErrInvalidRiskParameters):
		return "invalid_risk_parameters"
	case errors.Is(err, ErrDataGap):
		return "data_gap"
	case errors.Is(err, ErrFeedStale):
		return "feed_stale"
	case errors.Is(err, ErrFeedClosed):
		return "feed_closed"
	case errors.Is(err, ErrExecutionFailure):
		return "execution_failed"
	case errors.Is(err, ErrSessionCrashed):
		return "session_crashed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
