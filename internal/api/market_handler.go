package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"polytrade.com/internal/domain"
)

// MarketHandler 历史行情同步
type MarketHandler struct {
	marketSvc domain.MarketService
}

func NewMarketHandler(marketSvc domain.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

// SyncBars 从交易所拉取 [From, To) 的 K 线写入本地
// POST /api/market/bars/sync
func (h *MarketHandler) SyncBars(c *fiber.Ctx) error {
	var req struct {
		Symbol    string    `json:"Symbol"`
		Timeframe string    `json:"Timeframe"`
		From      time.Time `json:"From"`
		To        time.Time `json:"To"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	count, err := h.marketSvc.SyncBars(c.UserContext(), req.Symbol, req.Timeframe, req.From, req.To)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"Status": true, "Count": count})
}
