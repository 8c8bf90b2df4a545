package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"polytrade.com/internal/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogger 为每个请求分配 ID 并记录结构化访问日志
func RequestLogger(log *logger.Logger) fiber.Handler {
	log = log.With(logger.Component("http"))
	return func(c *fiber.Ctx) error {
		// 1. 沿用调用方的请求 ID
		reqID := c.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set(RequestIDHeader, reqID)
		c.Locals("requestID", reqID)

		// 2. 执行后续处理
		start := time.Now()
		err := c.Next()

		// 3. 记录结果，/health 与 /metrics 只在 debug 级别输出
		fields := []logger.Field{
			logger.String("request_id", reqID),
			logger.String("method", c.Method()),
			logger.String("path", c.Path()),
			logger.Int("status", c.Response().StatusCode()),
			logger.Duration("latency", time.Since(start)),
		}
		switch {
		case err != nil:
			log.Error("request failed", append(fields, logger.Error(err))...)
		case c.Path() == "/health" || c.Path() == "/metrics":
			log.Debug("request", fields...)
		case c.Response().StatusCode() >= fiber.StatusInternalServerError:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
		return err
	}
}
