package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spreadmarket/internal/accounts"
	"spreadmarket/internal/auth"
	"spreadmarket/internal/repository"
)

type AccountHandler struct {
	Directory *accounts.Directory
	Repo      repository.Repository
	Tokens    auth.JWT
	Logger    *zap.Logger
}

func (h *AccountHandler) Register(r *gin.Engine) {
	open := r.Group("/api/accounts")
	open.POST("/register", h.register)
	open.POST("/login", h.login)

	me := r.Group("/api/accounts", auth.RequireAuth(h.Tokens))
	me.GET("/me", h.me)
	me.GET("/me/ledger", h.myLedger)

	admin := r.Group("/api/accounts", auth.RequireAuth(h.Tokens), auth.RequireAdmin())
	admin.GET("", h.list)
	admin.POST("/:id/verify", h.verify)
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// @Summary Register a new account
// @Tags accounts
// @Accept json
// @Param body body registerRequest true "credentials"
// @Success 200 {object} apiResponse
// @Router /api/accounts/register [post]
func (h *AccountHandler) register(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusInternalServerError, "directory unavailable", nil)
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	user, err := h.Directory.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		Fail(c, err)
		return
	}
	token, expiresAt, err := h.Tokens.Sign(auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	})
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{
		"user":       user,
		"token":      token,
		"expires_at": expiresAt,
	}, nil)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// @Summary Log in and receive a bearer token
// @Tags accounts
// @Accept json
// @Param body body loginRequest true "credentials"
// @Success 200 {object} apiResponse
// @Router /api/accounts/login [post]
func (h *AccountHandler) login(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusInternalServerError, "directory unavailable", nil)
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	user, err := h.Directory.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		Fail(c, err)
		return
	}
	token, expiresAt, err := h.Tokens.Sign(auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
	})
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{
		"user":       user,
		"token":      token,
		"expires_at": expiresAt,
	}, nil)
}

// @Summary Current account
// @Tags accounts
// @Security BearerAuth
// @Success 200 {object} apiResponse
// @Router /api/accounts/me [get]
func (h *AccountHandler) me(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	user, err := h.Repo.GetUserByID(c.Request.Context(), claims.UserID)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	if user == nil {
		Error(c, http.StatusNotFound, "user not found", nil)
		return
	}
	Ok(c, user, nil)
}

// @Summary Balance ledger for the current account
// @Tags accounts
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/accounts/me/ledger [get]
func (h *AccountHandler) myLedger(c *gin.Context) {
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
	params := repository.ListBalanceEntriesParams{
		Limit:   limit,
		Offset:  offset,
		UserID:  &userID,
		OrderBy: "created_at",
		Asc:     boolPtr(false),
	}
	items, err := h.Repo.ListBalanceEntries(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountBalanceEntries(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

// @Summary List accounts
// @Tags accounts
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param username query string false "username contains"
// @Param verified query bool false "verified"
// @Success 200 {object} apiResponse
// @Router /api/accounts [get]
func (h *AccountHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListUsersParams{
		Limit:    limit,
		Offset:   offset,
		Username: strQueryPtr(c, "username"),
		Verified: boolQueryPtr(c, "verified"),
		OrderBy:  "created_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListUsers(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountUsers(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

type verifyRequest struct {
	Action string `json:"action"`
}

// @Summary Verify or reject an account
// @Tags accounts
// @Security BearerAuth
// @Accept json
// @Param id path int true "user id"
// @Param body body verifyRequest true "verify or reject"
// @Success 200 {object} apiResponse
// @Router /api/accounts/{id}/verify [post]
func (h *AccountHandler) verify(c *gin.Context) {
	if h.Directory == nil {
		Error(c, http.StatusInternalServerError, "directory unavailable", nil)
		return
	}
	id := uint64PathParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	var verified bool
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "verify":
		verified = true
	case "reject":
		verified = false
	default:
		Error(c, http.StatusBadRequest, "action must be verify or reject", nil)
		return
	}
	user, err := h.Directory.SetVerified(c.Request.Context(), id, verified)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, user, nil)
}
