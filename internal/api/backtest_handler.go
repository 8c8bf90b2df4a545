package api

import (
	"github.com/gofiber/fiber/v2"
	"polytrade.com/internal/domain"
)

// BacktestHandler 处理回测相关的 HTTP 请求
type BacktestHandler struct {
	backtestSvc domain.BacktestService
}

func NewBacktestHandler(backtestSvc domain.BacktestService) *BacktestHandler {
	return &BacktestHandler{backtestSvc: backtestSvc}
}

// RunBacktest 提交回测，立即返回 ID
// POST /api/backtests
func (h *BacktestHandler) RunBacktest(c *fiber.Ctx) error {
	var req domain.BacktestRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	id, err := h.backtestSvc.RunBacktest(c.UserContext(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ID": id})
}

// GetBacktestStatus 查询进度，完成后附带结果
// GET /api/backtests/:id
func (h *BacktestHandler) GetBacktestStatus(c *fiber.Ctx) error {
	status, err := h.backtestSvc.GetBacktestStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(status)
}

// CancelBacktest 取消回测
// POST /api/backtests/:id/cancel
func (h *BacktestHandler) CancelBacktest(c *fiber.Ctx) error {
	if err := h.backtestSvc.CancelBacktest(c.UserContext(), c.Params("id")); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Status": true, "Message": "Backtest canceled"})
}
