package api

import (
	"github.com/gofiber/fiber/v2"
)

// Router 负责注册所有路由
type Router struct {
	app    *fiber.App
	svcs   Services
	router fiber.Router // /api group
}

func NewRouter(app *fiber.App, svcs Services) *Router {
	return &Router{
		app:  app,
		svcs: svcs,
	}
}

// RegisterRoutes 注册所有业务路由
func (r *Router) RegisterRoutes() {
	// 1. 初始化各个 Handler
	strategyHandler := NewStrategyHandler(r.svcs.Strategy)
	backtestHandler := NewBacktestHandler(r.svcs.Backtest)
	sessionHandler := NewSessionHandler(r.svcs.Session)
	marketHandler := NewMarketHandler(r.svcs.Market)

	// 2. 分组注册子路由
	r.router = r.app.Group("/api")
	r.registerUserRoutes(strategyHandler, sessionHandler)
	r.registerStrategyRoutes(strategyHandler)
	r.registerBacktestRoutes(backtestHandler)
	r.registerSessionRoutes(sessionHandler)
	r.registerMarketRoutes(marketHandler)
}

func (r *Router) registerUserRoutes(strat *StrategyHandler, sess *SessionHandler) {
	users := r.router.Group("/users/:userID")
	users.Get("/strategies", strat.GetStrategies)
	users.Post("/activate", sess.ActivateUser)
	users.Post("/deactivate", sess.DeactivateUser)
}

func (r *Router) registerStrategyRoutes(h *StrategyHandler) {
	strategies := r.router.Group("/strategies")
	strategies.Post("/", h.CreateStrategy)
	strategies.Get("/:id", h.GetStrategy)
	strategies.Post("/:id/retire", h.RetireStrategy)
	strategies.Get("/:id/lifecycle", h.GetLifecycleHistory)

	profiles := r.router.Group("/risk-profiles")
	profiles.Post("/", h.CreateRiskProfile)
	profiles.Put("/:id", h.UpdateRiskProfile)
}

func (r *Router) registerBacktestRoutes(h *BacktestHandler) {
	backtests := r.router.Group("/backtests")
	backtests.Post("/", h.RunBacktest)
	backtests.Get("/:id", h.GetBacktestStatus)
	backtests.Post("/:id/cancel", h.CancelBacktest)
}

func (r *Router) registerSessionRoutes(h *SessionHandler) {
	sessions := r.router.Group("/sessions")
	sessions.Post("/", h.StartSession)
	sessions.Get("/:id", h.GetSessionStatus)
	sessions.Get("/:id/events", h.GetSessionHistory)
	sessions.Post("/:id/stop", h.StopSession)
}

func (r *Router) registerMarketRoutes(h *MarketHandler) {
	r.router.Post("/market/bars/sync", h.SyncBars)
}
