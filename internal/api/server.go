package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"polytrade.com/internal/api/middleware"
	"polytrade.com/internal/config"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/logger"
)

// HealthCheck 返回非 nil 表示依赖不可用
type HealthCheck func(ctx context.Context) error

// Services HTTP 层依赖的全部服务
type Services struct {
	Strategy domain.StrategyService
	Backtest domain.BacktestService
	Session  domain.SessionService
	Market   domain.MarketService

	Checks   map[string]HealthCheck // 可选
	Gatherer prometheus.Gatherer    // 为 nil 时不暴露 /metrics
}

func NewServer(cfg config.ServerConfig, svcs Services, log *logger.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"Error": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))
	app.Use(cors.New())

	app.Get("/health", healthHandler(svcs.Checks))
	if svcs.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(svcs.Gatherer, promhttp.HandlerOpts{})))
	}

	NewRouter(app, svcs).RegisterRoutes()
	return app
}

func healthHandler(checks map[string]HealthCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
		defer cancel()

		deps := fiber.Map{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				healthy = false
				continue
			}
			deps[name] = "ok"
		}

		if !healthy {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":       "degraded",
				"message":      "Dependency check failed",
				"dependencies": deps,
			})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":       "ok",
			"message":      "Service is healthy",
			"dependencies": deps,
		})
	}
}
