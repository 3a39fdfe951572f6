package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spreadmarket/internal/auth"
	"spreadmarket/internal/exchange"
	"spreadmarket/internal/models"
	"spreadmarket/internal/repository"
)

type MarketHandler struct {
	Repo      repository.Repository
	Lifecycle *exchange.LifecycleEngine
	Tokens    auth.JWT
	Logger    *zap.Logger
}

func (h *MarketHandler) Register(r *gin.Engine) {
	g := r.Group("/api/markets", auth.RequireAuth(h.Tokens))
	g.GET("", h.list)
	g.GET("/stats", h.stats)
	g.GET("/:id", h.get)
	g.POST("/:id/evaluate", h.evaluate)
	g.GET("/:id/events", h.events)

	admin := r.Group("/api/markets", auth.RequireAuth(h.Tokens), auth.RequireAdmin())
	admin.POST("", h.create)
	admin.DELETE("/:id", h.delete)
	admin.POST("/:id/activate", h.activate)
}

// @Summary List markets
// @Tags markets
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param status query string false "CREATED|OPEN|CLOSED|SETTLED"
// @Param active_only query bool false "only markets still in play (CREATED or OPEN)"
// @Param created_by query int false "creator user id"
// @Param premise query string false "premise contains"
// @Param order_by query string false "order by field"
// @Param ascending query bool false "ascending"
// @Success 200 {object} apiResponse
// @Router /api/markets [get]
func (h *MarketHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	var createdBy *uint64
	if id := parseUint64(c.Query("created_by")); id > 0 {
		createdBy = &id
	}
	orderBy := parseOrder(c.Query("order_by"), map[string]string{
		"created_at":       "created_at",
		"bidding_close_at": "bidding_close_at",
		"trading_close_at": "trading_close_at",
		"status":           "status",
	})
	params := repository.ListMarketsParams{
		Limit:      limit,
		Offset:     offset,
		Status:     parseMarketStatus(c.Query("status")),
		CreatedBy:  createdBy,
		ActiveOnly: boolQueryDefault(c, "active_only", false),
		Premise:    strQueryPtr(c, "premise"),
		OrderBy:    orderBy,
		Asc:        boolQueryPtr(c, "ascending"),
	}
	items, err := h.Repo.ListMarkets(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountMarkets(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary Get one market, with due lifecycle transitions applied
// @Tags markets
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id} [get]
func (h *MarketHandler) get(c *gin.Context) {
	if h.Lifecycle == nil {
		Error(c, http.StatusInternalServerError, "lifecycle unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	m, err := h.Lifecycle.Evaluate(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	bidCount, _ := h.Repo.CountSpreadBidsByMarket(c.Request.Context(), id)
	Ok(c, m, map[string]any{"bid_count": bidCount})
}

// @Summary Market statistics
// @Tags markets
// @Security BearerAuth
// @Success 200 {object} apiResponse
// @Router /api/markets/stats [get]
func (h *MarketHandler) stats(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	stats, err := h.Repo.MarketStats(c.Request.Context())
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, stats, nil)
}

// @Summary Apply due lifecycle transitions
// @Tags markets
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/evaluate [post]
func (h *MarketHandler) evaluate(c *gin.Context) {
	if h.Lifecycle == nil {
		Error(c, http.StatusInternalServerError, "lifecycle unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	m, err := h.Lifecycle.Evaluate(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, m, map[string]any{"status": string(m.Status), "delay_count": m.DelayCount})
}

// @Summary Audit events for a market
// @Tags markets
// @Security BearerAuth
// @Param id path int true "market id"
// @Param limit query int false "limit"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/events [get]
func (h *MarketHandler) events(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	items, err := h.Repo.ListMarketEvents(c.Request.Context(), id, limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

type createMarketRequest struct {
	Premise            string    `json:"premise"`
	UnitPrice          string    `json:"unit_price"`
	InitialSpreadWidth int       `json:"initial_spread_width"`
	BiddingOpenAt      time.Time `json:"bidding_open_at"`
	BiddingCloseAt     time.Time `json:"bidding_close_at"`
	TradingOpenAt      time.Time `json:"trading_open_at"`
	TradingCloseAt     time.Time `json:"trading_close_at"`
}

// @Summary Create a market
// @Tags markets
// @Security BearerAuth
// @Accept json
// @Param body body createMarketRequest true "market definition"
// @Success 200 {object} apiResponse
// @Router /api/markets [post]
func (h *MarketHandler) create(c *gin.Context) {
	if h.Lifecycle == nil {
		Error(c, http.StatusInternalServerError, "lifecycle unavailable", nil)
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	unitPrice, err := decimal.NewFromString(strings.TrimSpace(req.UnitPrice))
	if err != nil {
		Error(c, http.StatusBadRequest, "invalid unit_price", nil)
		return
	}
	m, err := h.Lifecycle.CreateMarket(c.Request.Context(), exchange.CreateMarketParams{
		Premise:            req.Premise,
		UnitPrice:          unitPrice,
		InitialSpreadWidth: req.InitialSpreadWidth,
		CreatedBy:          claims.UserID,
		BiddingOpenAt:      req.BiddingOpenAt,
		BiddingCloseAt:     req.BiddingCloseAt,
		TradingOpenAt:      req.TradingOpenAt,
		TradingCloseAt:     req.TradingCloseAt,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, m, nil)
}

// @Summary Delete a market that never activated
// @Tags markets
// @Security BearerAuth
// @Param id path int true "market id"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id} [delete]
func (h *MarketHandler) delete(c *gin.Context) {
	if h.Lifecycle == nil {
		Error(c, http.StatusInternalServerError, "lifecycle unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	if err := h.Lifecycle.DeleteMarket(c.Request.Context(), id); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, map[string]any{"market_id": id, "deleted": true}, nil)
}

type activateMarketRequest struct {
	SpreadLow  *string `json:"spread_low"`
	SpreadHigh *string `json:"spread_high"`
}

// @Summary Activate a market ahead of its bidding close
// @Tags markets
// @Security BearerAuth
// @Accept json
// @Param id path int true "market id"
// @Param body body activateMarketRequest false "explicit spread for bid-less markets"
// @Success 200 {object} apiResponse
// @Router /api/markets/{id}/activate [post]
func (h *MarketHandler) activate(c *gin.Context) {
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
	var req activateMarketRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid body", nil)
			return
		}
	}
	var quote *exchange.SpreadQuote
	if req.SpreadLow != nil || req.SpreadHigh != nil {
		if req.SpreadLow == nil || req.SpreadHigh == nil {
			Error(c, http.StatusBadRequest, "spread_low and spread_high must be supplied together", nil)
			return
		}
		low, err := decimal.NewFromString(strings.TrimSpace(*req.SpreadLow))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid spread_low", nil)
			return
		}
		high, err := decimal.NewFromString(strings.TrimSpace(*req.SpreadHigh))
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid spread_high", nil)
			return
		}
		quote = &exchange.SpreadQuote{Low: low, High: high}
	}
	m, err := h.Lifecycle.ManualActivate(c.Request.Context(), id, claims.UserID, quote)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, m, nil)
}

func parseMarketStatus(value string) *models.MarketStatus {
	s := models.MarketStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case models.MarketStatusCreated, models.MarketStatusOpen, models.MarketStatusClosed, models.MarketStatusSettled:
		return &s
	default:
		return nil
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQueryDefault(c *gin.Context, key string, def bool) bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

func boolQueryPtr(c *gin.Context, key string) *bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return &b
		}
	}
	return nil
}

func strQueryPtr(c *gin.Context, key string) *string {
	if val := strings.TrimSpace(c.Query(key)); val != "" {
		return &val
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }

func parseOrder(value string, allow map[string]string) string {
	key := strings.TrimSpace(strings.ToLower(value))
	if key == "" {
		return ""
	}
	if mapped, ok := allow[key]; ok {
		return mapped
	}
	return ""
}

func paginationMeta(limit, offset int, total int64) map[string]any {
	if limit <= 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	hasNext := int64(offset+limit) < total
	return map[string]any{
		"limit":    limit,
		"offset":   offset,
		"total":    total,
		"has_next": hasNext,
	}
}

func uint64PathParam(c *gin.Context, key string) uint64 {
	return parseUint64(c.Param(key))
}

func parseUint64(v string) uint64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var out uint64
	for i := 0; i < len(v); i++ {
		ch := v[i]
		if ch < '0' || ch > '9' {
			return 0
		}
		out = out*10 + uint64(ch-'0')
	}
	return out
}
