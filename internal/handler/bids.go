package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreadmarket/internal/auth"
	"spreadmarket/internal/exchange"
	"spreadmarket/internal/repository"
)

type BidHandler struct {
	Repo      repository.Repository
	Lifecycle *exchange.LifecycleEngine
	Tokens    auth.JWT
	Logger    *zap.Logger
}

func (h *BidHandler) Register(r *gin.Engine) {
	g := r.Group("/api/markets/:id/bids", auth.RequireAuth(h.Tokens))
	g.POST("", h.place)
	g.GET("", h.list)
	g.GET("/best", h.best)
}

type placeBidRequest struct {
	SpreadLow  string `json:"spread_low"`
	SpreadHigh string `json:"spread_high"`
}

// @Summary Place a spread bid
// @Tags bids
// @Security BearerAuth
// @Accept json
// @Param id path int true "market id"
// @Param body body placeBidRequest true "spread quote"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/bids [post]
func (h *BidHandler) place(c *gin.Context) {
	if h.Lifecycle == nil {
		Error(c, http.StatusInternalServerError, "lifecycle unavailable", nil)
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
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	low, err := decimal.NewFromString(strings.TrimSpace(req.SpreadLow))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid spread_low", nil)
		return
	}
	high, err := decimal.NewFromString(strings.TrimSpace(req.SpreadHigh))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid spread_high", nil)
		return
	}
	bid, err := h.Lifecycle.PlaceBid(c.Request.Context(), id, claims.UserID, low, high)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, bid, map[string]any{"spread_width": bid.SpreadWidth()})
}

// @Summary List spread bids for a market
// @Tags bids
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/bids [get]
func (h *BidHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	items, err := h.Repo.ListSpreadBidsByMarket(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, map[string]any{"total": int64(len(items))})
}

// @Summary Current leading bid for a market
// @Tags bids
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/bids/best [get]
func (h *BidHandler) best(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	items, err := h.Repo.ListSpreadBidsByMarket(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	winner := exchange.SelectWinningBid(items)
	if winner == nil {
		Error(c, http.StatusNotFound, "no bids placed", nil)
		return
	}
	Ok(c, winner, map[string]any{
		"spread_width": winner.SpreadWidth(),
		"bid_count":    int64(len(items)),
	})
}
