package api

import (
	"github.com/gofiber/fiber/v2"
	"polytrade.com/internal/domain"
	"polytrade.com/internal/model"
)

// StrategyHandler 处理策略与风控参数相关的 HTTP 请求
type StrategyHandler struct {
	strategySvc domain.StrategyService
}

// NewStrategyHandler 创建策略处理器
func NewStrategyHandler(strategySvc domain.StrategyService) *StrategyHandler {
	return &StrategyHandler{strategySvc: strategySvc}
}

// CreateStrategy 创建策略，新策略总是从 GENERATED 阶段开始
// POST /api/strategies
func (h *StrategyHandler) CreateStrategy(c *fiber.Ctx) error {
	var def model.StrategyDefinition
	if err := c.BodyParser(&def); err != nil {
		return badBody(c)
	}

	if err := h.strategySvc.CreateStrategy(c.UserContext(), &def); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

// GetStrategy 获取策略详情
// GET /api/strategies/:id
func (h *StrategyHandler) GetStrategy(c *fiber.Ctx) error {
	def, err := h.strategySvc.GetStrategy(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(def)
}

// GetStrategies 获取用户策略列表
// GET /api/users/:userID/strategies
func (h *StrategyHandler) GetStrategies(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)

	defs, total, err := h.strategySvc.ListStrategies(c.UserContext(), c.Params("userID"), page, pageSize)
	if err != nil {
		return handleError(c, err)
	}

	return SendPaginatedResponse(c, defs, page, pageSize, total)
}

// RetireStrategy 人工下线
// POST /api/strategies/:id/retire
func (h *StrategyHandler) RetireStrategy(c *fiber.Ctx) error {
	var req struct {
		Note string `json:"Note"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
	}

	if err := h.strategySvc.RetireStrategy(c.UserContext(), c.Params("id"), req.Note); err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"Status": true, "Message": "Strategy retired"})
}

// GetLifecycleHistory 阶段迁移历史，按时间升序
// GET /api/strategies/:id/lifecycle
func (h *StrategyHandler) GetLifecycleHistory(c *fiber.Ctx) error {
	events, err := h.strategySvc.GetLifecycleHistory(c.UserContext(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(fiber.Map{"Data": events})
}

// CreateRiskProfile 创建风控参数
// POST /api/risk-profiles
func (h *StrategyHandler) CreateRiskProfile(c *fiber.Ctx) error {
	var p model.RiskProfile
	if err := c.BodyParser(&p); err != nil {
		return badBody(c)
	}

	if err := h.strategySvc.CreateRiskProfile(c.UserContext(), &p); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(p)
}

// UpdateRiskProfile 更新风控参数，使用中的参数会被拒绝
// PUT /api/risk-profiles/:id
func (h *StrategyHandler) UpdateRiskProfile(c *fiber.Ctx) error {
	var p model.RiskProfile
	if err := c.BodyParser(&p); err != nil {
		return badBody(c)
	}
	p.ID = c.Params("id")

	if err := h.strategySvc.UpdateRiskProfile(c.UserContext(), &p); err != nil {
		return handleError(c, err)
	}

	return c.JSON(p)
}
