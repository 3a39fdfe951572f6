package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreadmarket/internal/auth"
	"spreadmarket/internal/exchange"
	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

type TradeHandler struct {
	Repo      repository.Repository
	Validator *exchange.TradeValidator
	Tokens    auth.JWT
	Logger    *zap.Logger
}

func (h *TradeHandler) Register(r *gin.Engine) {
	g := r.Group("/api/markets/:id/trades", auth.RequireAuth(h.Tokens))
	g.POST("", h.place)
	g.DELETE("", h.cancel)
	g.GET("", h.list)

	mine := r.Group("/api/trades", auth.RequireAuth(h.Tokens))
	mine.GET("/mine", h.mine)
}

type placeTradeRequest struct {
	Position string `json:"position"`
	Price    string `json:"price"`
	Quantity int64  `json:"quantity"`
}

// @Summary Place a trade against the market maker's spread
// @Tags trades
// @Security BearerAuth
// @Accept json
// @Param id path int true "market id"
// @Param body body placeTradeRequest true "position LONG|SHORT, quoted price, quantity"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/trades [post]
func (h *TradeHandler) place(c *gin.Context) {
	if h.Validator == nil {
		Error(c, http.StatusInternalServerError, "validator unavailable", nil)
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
	var req placeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	position, err := exchange.ParsePosition(req.Position)
	if err != nil {
		Fail(c, err)
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid price", nil)
		return
	}
	trade, err := h.Validator.PlaceTrade(c.Request.Context(), id, claims.UserID, position, price, req.Quantity)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, trade, nil)
}

// @Summary Cancel the caller's open trade on a market
// @Tags trades
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/trades [delete]
func (h *TradeHandler) cancel(c *gin.Context) {
	if h.Validator == nil {
		Error(c, http.StatusInternalServerError, "validator unavailable", nil)
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
	trade, err := h.Validator.CancelTrade(c.Request.Context(), id, claims.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, trade, nil)
}

// @Summary List trades on a market
// @Tags trades
// @Security BearerAuth
// @Param id path int true "market id"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param status query string false "open|replaced|cancelled|settled"
// @Param position query string false "LONG|SHORT"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/trades [get]
func (h *TradeHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListTradesParams{
		Limit:    limit,
		Offset:   offset,
		MarketID: &id,
		Status:   parseTradeStatus(c.Query("status")),
		Position: parseTradePosition(c.Query("position")),
		OrderBy:  "trade_time",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary List the caller's trades across markets
// @Tags trades
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param status query string false "open|replaced|cancelled|settled"
// @Success 200 {object} apiResponse
// @Router /api/trades/mine [get]
func (h *TradeHandler) mine(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	userID := claims.UserID
	params := repository.ListTradesParams{
		Limit:   limit,
		Offset:  offset,
		UserID:  &userID,
		Status:  parseTradeStatus(c.Query("status")),
		OrderBy: "trade_time",
		Asc:     boolPtr(false),
	}
	items, err := h.Repo.ListTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func parseTradeStatus(value string) *models.TradeStatus {
	s := models.TradeStatus(strings.ToLower(strings.TrimSpace(value)))
	switch s {
	case models.TradeStatusOpen, models.TradeStatusReplaced, models.TradeStatusCancelled, models.TradeStatusSettled:
		return &s
	default:
		return nil
	}
}

func parseTradePosition(value string) *models.Position {
	p := models.Position(strings.ToUpper(strings.TrimSpace(value)))
	switch p {
	case models.PositionLong, models.PositionShort:
		return &p
	default:
		return nil
	}
}
