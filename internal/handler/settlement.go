package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreadmarket/internal/auth"
	"spreadmarket/internal/exchange"
)

type SettlementHandler struct {
	Engine *exchange.SettlementEngine
	Tokens auth.JWT
	Logger *zap.Logger
}

func (h *SettlementHandler) Register(r *gin.Engine) {
	g := r.Group("/api/markets/:id/settle", auth.RequireAuth(h.Tokens), auth.RequireAdmin())
	g.POST("", h.settle)
	g.GET("/preview", h.preview)
}

type settleRequest struct {
	Outcome         *bool   `json:"outcome"`
	SettlementPrice *string `json:"settlement_price"`
}

// @Summary Settle a closed market
// @Tags settlement
// @Security BearerAuth
// @Accept json
// @Param id path int true "market id"
// @Param body body settleRequest true "outcome, optional explicit settlement price"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/settle [post]
func (h *SettlementHandler) settle(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "settlement unavailable", nil)
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.Outcome == nil {
		Error(c, http.StatusBadRequest, "outcome is required", nil)
		return
	}
	explicit, perr := parseOptionalDecimal(req.SettlementPrice)
	if perr != nil {
		Error(c, http.StatusBadRequest, "invalid settlement_price", nil)
		return
	}
	result, err := h.Engine.Settle(c.Request.Context(), id, *req.Outcome, explicit, claims.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, result, nil)
}

// @Summary Preview settlement without writing anything
// @Tags settlement
// @Security BearerAuth
// @Param id path int true "market id"
// @Param outcome query bool true "hypothetical outcome"
// @Param settlement_price query string false "explicit settlement price"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/settle/preview [get]
func (h *SettlementHandler) preview(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "settlement unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	rawOutcome := strings.TrimSpace(c.Query("outcome"))
	if rawOutcome == "" {
		Error(c, http.StatusBadRequest, "outcome is required", nil)
		return
	}
	outcome := strings.EqualFold(rawOutcome, "true") || rawOutcome == "1"
	if !outcome && !strings.EqualFold(rawOutcome, "false") && rawOutcome != "0" {
		Error(c, http.StatusBadRequest, "outcome must be true or false", nil)
		return
	}
	var explicit *decimal.Decimal
	if raw := strings.TrimSpace(c.Query("settlement_price")); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid settlement_price", nil)
			return
		}
		explicit = &v
	}
	result, err := h.Engine.Preview(c.Request.Context(), id, outcome, explicit)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, result, nil)
}

func parseOptionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*raw)
	if trimmed == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
