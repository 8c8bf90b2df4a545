package api

import (
	"github.com/gofiber/fiber/v2"
	"polytrade.com/internal/domain"
)

// SessionHandler 处理模拟/实盘会话与用户启停
type SessionHandler struct {
	sessionSvc domain.SessionService
}

func NewSessionHandler(sessionSvc domain.SessionService) *SessionHandler {
	return &SessionHandler{sessionSvc: sessionSvc}
}

// StartSession 创建会话，是否立即运行取决于启动策略
// POST /api/sessions
func (h *SessionHandler) StartSession(c *fiber.Ctx) error {
	var req domain.StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	id, err := h.sessionSvc.StartSession(c.UserContext(), req)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ID": id})
}

// StopSession 停止会话
// POST /api/sessions/:id/stop
func (h *SessionHandler) StopSession(c *fiber.Ctx) error {
	if err := h.sessionSvc.StopSession(c.UserContext(), c.Params("id")); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Status": true, "Message": "Session stopping"})
}

// GetSessionStatus 会话状态、资金与持仓
// GET /api/sessions/:id
func (h *SessionHandler) GetSessionStatus(c *fiber.Ctx) error {
	status, err := h.sessionSvc.GetSessionStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(status)
}

// GetSessionHistory 会话运行事件
// GET /api/sessions/:id/events
func (h *SessionHandler) GetSessionHistory(c *fiber.Ctx) error {
	events, err := h.sessionSvc.GetSessionHistory(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Data": events})
}

// ActivateUser 激活用户，manual 会话随之启动
// POST /api/users/:userID/activate
func (h *SessionHandler) ActivateUser(c *fiber.Ctx) error {
	var req struct {
		AutoStart *bool `json:"AutoStart"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
	}

	if err := h.sessionSvc.ActivateUser(c.UserContext(), c.Params("userID"), req.AutoStart); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Status": true})
}

// DeactivateUser 停用用户并停止其 manual 会话
// POST /api/users/:userID/deactivate
func (h *SessionHandler) DeactivateUser(c *fiber.Ctx) error {
	if err := h.sessionSvc.DeactivateUser(c.UserContext(), c.Params("userID")); err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Status": true})
}
